package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultFallbackDelay is how long a deferred dispatch waits before the
// fallback re-triggers the synchronizer directly. The deferred path may be
// dropped entirely (cached or blocked background requests), so every
// deferral carries this safety net.
const DefaultFallbackDelay = 60 * time.Second

// DispatcherConfig tunes dispatch behavior.
type DispatcherConfig struct {
	// Async enables deferred processing for checkout-origin events.
	Async bool
	// FallbackDelay overrides DefaultFallbackDelay when positive.
	FallbackDelay time.Duration
	// QueueSize bounds the deferred queue; default 64.
	QueueSize int
}

// Dispatcher routes inbound transition events to the synchronizer, inline or
// through a background queue, and guarantees eventual completion via
// fallback timers.
type Dispatcher struct {
	service *Service
	store   EntityStore
	logger  Logger

	async         bool
	fallbackDelay time.Duration

	queue chan TransitionEvent

	mu     sync.Mutex
	timers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher constructs a dispatcher over the synchronizer. store is the
// entity store consulted by fallback timers for the completed marker.
func NewDispatcher(service *Service, store EntityStore, logger Logger, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	delay := cfg.FallbackDelay
	if delay <= 0 {
		delay = DefaultFallbackDelay
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		service:       service,
		store:         store,
		logger:        logger,
		async:         cfg.Async,
		fallbackDelay: delay,
		queue:         make(chan TransitionEvent, size),
		timers:        make(map[string]*time.Timer),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins the background worker loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop cancels pending timers and halts the worker, waiting up to ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()
	d.mu.Lock()
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch routes one transition event. Checkout-origin events are deferred
// when async mode is on; everything else (internal renewals, webhooks, admin
// reprocess) runs inline. The returned outcome for a deferred event is
// StateDeferred with the fallback window.
func (d *Dispatcher) Dispatch(ctx context.Context, event TransitionEvent, force bool) (Outcome, error) {
	if d.async && event.Origin == OriginCheckout && !force {
		return d.enqueue(event)
	}
	return d.run(ctx, event, force)
}

func (d *Dispatcher) enqueue(event TransitionEvent) (Outcome, error) {
	// The fallback timer is armed before enqueueing: whichever of the two
	// paths runs first makes the other a no-op via the completed marker.
	d.armFallback(event)
	select {
	case d.queue <- event:
	default:
		d.disarmFallback(LockKey(event.Kind, event.EntityID))
		return Outcome{State: StateFailed}, fmt.Errorf("dispatch queue full")
	}
	d.logger.Debug("transition deferred to background queue",
		"kind", event.Kind, "entity_id", event.EntityID, "status", event.NewStatus)
	return Outcome{State: StateDeferred, RecheckAfter: d.fallbackDelay}, nil
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event := <-d.queue:
			if _, err := d.run(d.ctx, event, false); err != nil {
				d.logger.Error("deferred dispatch failed",
					"kind", event.Kind, "entity_id", event.EntityID, "error", err)
			}
		}
	}
}

// run executes the synchronizer inline and handles deferral rechecks.
func (d *Dispatcher) run(ctx context.Context, event TransitionEvent, force bool) (Outcome, error) {
	out, err := d.service.ProcessEvent(ctx, event, force)
	if err != nil {
		return out, err
	}
	switch out.State {
	case StateCompleted:
		d.disarmFallback(LockKey(event.Kind, event.EntityID))
	case StateDeferred:
		d.armRecheck(event, out.RecheckAfter)
	}
	return out, err
}

// armFallback schedules the safety-net re-trigger for a deferred dispatch.
func (d *Dispatcher) armFallback(event TransitionEvent) {
	key := LockKey(event.Kind, event.EntityID)
	timer := time.AfterFunc(d.fallbackDelay, func() {
		d.disarmFallback(key)
		d.fallback(event)
	})
	d.storeTimer(key, timer)
}

// fallback re-invokes the synchronizer directly unless the primary path
// already completed.
func (d *Dispatcher) fallback(event TransitionEvent) {
	entity, ok, err := d.store.GetEntity(d.ctx, event.Kind, event.EntityID)
	if err != nil {
		d.logger.Error("fallback read failed", "kind", event.Kind, "entity_id", event.EntityID, "error", err)
		return
	}
	if !ok || entity.CompletedAt != nil {
		return
	}
	d.logger.Warn("deferred dispatch never completed, running fallback",
		"kind", event.Kind, "entity_id", event.EntityID, "status", event.NewStatus)
	fallbackEvent := event
	fallbackEvent.Origin = OriginInternal
	if _, err := d.run(d.ctx, fallbackEvent, false); err != nil {
		d.logger.Error("fallback dispatch failed",
			"kind", event.Kind, "entity_id", event.EntityID, "error", err)
	}
}

// armRecheck schedules the second look for a wait-and-see deferral (on-hold
// during a renewal attempt).
func (d *Dispatcher) armRecheck(event TransitionEvent, after time.Duration) {
	if after <= 0 {
		after = d.fallbackDelay
	}
	key := "recheck:" + LockKey(event.Kind, event.EntityID)
	timer := time.AfterFunc(after, func() {
		d.disarmFallback(key)
		d.recheck(event)
	})
	d.storeTimer(key, timer)
}

// recheck re-reads the entity after the deferral window. Still on hold means
// the renewal failed and the transition classifies normally; back to active
// means the renewal succeeded and no tag changes are needed at all.
func (d *Dispatcher) recheck(event TransitionEvent) {
	entity, ok, err := d.store.GetEntity(d.ctx, event.Kind, event.EntityID)
	if err != nil {
		d.logger.Error("recheck read failed", "kind", event.Kind, "entity_id", event.EntityID, "error", err)
		return
	}
	if !ok {
		return
	}
	status := CanonicalStatus(entity.Status)
	if status != StatusOnHold {
		d.logger.Info("on-hold transition suppressed after recheck",
			"kind", event.Kind, "entity_id", event.EntityID, "status", entity.Status,
			"reason", "renewal recovered")
		return
	}
	recheckEvent := event
	recheckEvent.NewStatus = entity.Status
	recheckEvent.Origin = OriginWebhook // classify normally, no further deferral
	if _, err := d.run(d.ctx, recheckEvent, false); err != nil {
		d.logger.Error("recheck dispatch failed",
			"kind", event.Kind, "entity_id", event.EntityID, "error", err)
	}
}

func (d *Dispatcher) storeTimer(key string, timer *time.Timer) {
	d.mu.Lock()
	if prior, ok := d.timers[key]; ok {
		prior.Stop()
	}
	d.timers[key] = timer
	d.mu.Unlock()
}

func (d *Dispatcher) disarmFallback(key string) {
	d.mu.Lock()
	if timer, ok := d.timers[key]; ok {
		timer.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
}
