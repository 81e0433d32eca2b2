package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tagsync/pkg/domain"
)

// DefaultLockTTL guards against locks orphaned by crashed workers.
const DefaultLockTTL = time.Hour

// ProcessState is the terminal state of one Process invocation.
type ProcessState string

// Terminal states of the per-transition state machine
// (Pending → Locked → Resolving → Diffing → Applying → Completed, with
// short-circuit exits to Skipped and Failed).
const (
	StateCompleted ProcessState = "completed"
	StateSkipped   ProcessState = "skipped"
	StateDeferred  ProcessState = "deferred"
	StateFailed    ProcessState = "failed"
)

// Outcome reports what a Process call did.
type Outcome struct {
	State     ProcessState
	ContactID string
	Applied   []TagID
	Removed   []TagID
	// RecheckAfter is set with StateDeferred; the dispatcher schedules the
	// second look.
	RecheckAfter time.Duration
	Reason       string
}

// Service is the synchronizer: it resolves the contact, computes the tag
// diff, applies it through the CRM client, marks the entity complete, and
// emits a completion event.
type Service struct {
	store      domain.Store
	rules      RuleSource
	crm        CRMClient
	classifier *Classifier
	resolver   *ContactResolver

	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	clock   func() time.Time

	lockTTL      time.Duration
	recheckDelay time.Duration

	mu        sync.RWMutex
	listeners map[EntityKind][]CompletionListener
}

// Option configures a Service.
type Option func(*Service)

// WithLogger injects the audit logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder injects a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer injects a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLockTTL overrides the per-entity lock TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithRecheckDelay overrides the on-hold recheck window.
func WithRecheckDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.recheckDelay = d
		}
	}
}

// NewService constructs a synchronizer over the given store, rule source,
// and CRM client.
func NewService(store domain.Store, rules RuleSource, crm CRMClient, opts ...Option) *Service {
	s := &Service{
		store:        store,
		rules:        rules,
		crm:          crm,
		logger:       noopLogger{},
		metrics:      noopMetrics{},
		tracer:       noopTracer{},
		clock:        func() time.Time { return time.Now().UTC() },
		lockTTL:      DefaultLockTTL,
		recheckDelay: DefaultRecheckDelay,
		listeners:    make(map[EntityKind][]CompletionListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.classifier = NewClassifier(store, s.recheckDelay)
	s.resolver = NewContactResolver(store, store, crm, s.logger)
	return s
}

// RegisterCompletionListener subscribes a listener to completion events for
// one entity kind.
func (s *Service) RegisterCompletionListener(kind EntityKind, l CompletionListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners[kind] = append(s.listeners[kind], l)
	s.mu.Unlock()
}

// LockKey builds the per-entity lock key.
func LockKey(kind EntityKind, id string) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

// ProcessEvent runs Process for an inbound transition event.
func (s *Service) ProcessEvent(ctx context.Context, event TransitionEvent, force bool) (Outcome, error) {
	return s.Process(ctx, event.Kind, event.EntityID, event.NewStatus, event.Origin, force)
}

// Process synchronizes one entity transition. force bypasses the idempotent
// short-circuit and the no-op suppression, but never the lock mutual
// exclusion. A busy lock is reported as StateSkipped with a nil error:
// duplicate deliveries are expected and harmless.
func (s *Service) Process(ctx context.Context, kind EntityKind, id, newStatus string, origin Origin, force bool) (out Outcome, err error) {
	started := s.clock()
	ctx, span := s.tracer.Start(ctx, "process")
	defer func() {
		span.End(err)
		s.metrics.Observe(ctx, "process", err == nil, s.clock().Sub(started))
	}()

	entity, ok, err := s.store.GetEntity(ctx, kind, id)
	if err != nil {
		return Outcome{State: StateFailed}, err
	}
	if !ok {
		return Outcome{State: StateFailed}, domain.NotFoundError{Kind: kind, ID: id}
	}

	if !force && entity.CompletedAt != nil && CanonicalStatus(entity.Status) == CanonicalStatus(newStatus) {
		s.logger.Debug("skipping completed entity", "kind", kind, "entity_id", id, "status", newStatus)
		return Outcome{State: StateSkipped, Reason: "already completed"}, nil
	}

	key := LockKey(kind, id)
	acquired, err := s.store.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		return Outcome{State: StateFailed}, err
	}
	if !acquired {
		s.logger.Info("skipping locked entity", "kind", kind, "entity_id", id, "reason", domain.ErrAlreadyInProgress)
		return Outcome{State: StateSkipped, Reason: domain.ErrAlreadyInProgress.Error()}, nil
	}
	defer func() {
		if releaseErr := s.store.Release(ctx, key); releaseErr != nil {
			s.logger.Warn("lock release failed", "key", key, "error", releaseErr)
		}
	}()

	// Re-read under the lock: a concurrent duplicate may have completed
	// between the fast-path check and acquisition.
	entity, ok, err = s.store.GetEntity(ctx, kind, id)
	if err != nil {
		return Outcome{State: StateFailed}, err
	}
	if !ok {
		return Outcome{State: StateFailed}, domain.NotFoundError{Kind: kind, ID: id}
	}
	if !force && entity.CompletedAt != nil && CanonicalStatus(entity.Status) == CanonicalStatus(newStatus) {
		return Outcome{State: StateSkipped, Reason: "already completed"}, nil
	}

	class, err := s.classifier.Classify(ctx, entity, newStatus, origin, force)
	if err != nil {
		return Outcome{State: StateFailed}, err
	}
	switch class.Decision {
	case DecisionSuppress:
		s.logger.Info("transition suppressed",
			"kind", kind, "entity_id", id, "status", class.Status, "reason", class.Reason)
		return Outcome{State: StateSkipped, Reason: class.Reason}, nil
	case DecisionDefer:
		s.logger.Info("transition deferred",
			"kind", kind, "entity_id", id, "status", class.Status, "recheck_after", class.RecheckAfter)
		return Outcome{State: StateDeferred, RecheckAfter: class.RecheckAfter, Reason: class.Reason}, nil
	}

	ref, err := s.resolver.Resolve(ctx, entity)
	if err != nil {
		var noIdentity domain.NoIdentityError
		if errors.As(err, &noIdentity) {
			// Nothing further can ever be attempted for this entity; mark
			// it complete so it is not reprocessed forever.
			s.logger.Error("contact resolution impossible", "kind", kind, "entity_id", id, "error", err)
			if markErr := s.markComplete(ctx, entity); markErr != nil {
				return Outcome{State: StateFailed, Reason: err.Error()}, markErr
			}
			return Outcome{State: StateFailed, Reason: err.Error()}, nil
		}
		s.logger.Error("contact resolution failed", "kind", kind, "entity_id", id, "error", err)
		return Outcome{State: StateFailed, Reason: err.Error()}, err
	}

	diff, err := s.buildDiff(ctx, entity, class)
	if err != nil {
		return Outcome{State: StateFailed}, err
	}

	applied, removed := s.submit(ctx, ref.ContactID, entity, diff)

	if err := s.markComplete(ctx, entity); err != nil {
		return Outcome{State: StateFailed}, err
	}
	s.emitCompletion(ctx, entity, ref.ContactID)

	return Outcome{State: StateCompleted, ContactID: ref.ContactID, Applied: applied, Removed: removed}, nil
}

// buildDiff unions the per-line-item diffs with the status-wide and default
// customer tags.
func (s *Service) buildDiff(ctx context.Context, entity Entity, class Classification) (TagDiff, error) {
	diff := domain.NewTagDiff()
	for _, item := range entity.LineItems {
		rules, ok, err := s.rules.RulesFor(ctx, item.ProductID, item.VariationID)
		if err != nil {
			return TagDiff{}, err
		}
		if !ok {
			continue
		}

		var activeElsewhere func(TagID) bool
		if class.Status != StatusActive {
			stillActive, err := s.classifier.ActiveElsewhere(ctx, entity, item.ProductID)
			if err != nil {
				return TagDiff{}, err
			}
			if stillActive {
				activeElsewhere = func(TagID) bool { return true }
			}
		}

		partial, suppressed := ComputeDiff(DiffInput{
			Rules:           rules,
			Status:          class.Status,
			Prior:           class.Prior,
			TrialConverted:  entity.TrialConverted(s.clock()),
			ActiveElsewhere: activeElsewhere,
		})
		for _, sup := range suppressed {
			s.logger.Info("tag not removed",
				"kind", entity.Kind, "entity_id", entity.ID, "product_id", item.ProductID,
				"tag", sup.Tag, "reason", sup.Reason)
		}
		diff.Merge(partial)
	}

	statusTags, err := s.rules.StatusTags(ctx, class.Status)
	if err != nil {
		return TagDiff{}, err
	}
	diff.Apply.Add(statusTags...)

	if class.Status == StatusActive {
		defaults, err := s.rules.DefaultTags(ctx)
		if err != nil {
			return TagDiff{}, err
		}
		diff.Apply.Add(defaults...)
	}

	diff.Normalize()
	return diff, nil
}

// submit pushes the diff to the CRM, removals first so no transient state
// carries both the stale and the fresh tag during the CRM's eventual
// consistency window. Tag failures are best effort: logged, never retried
// here, and they do not block completion.
func (s *Service) submit(ctx context.Context, contactID string, entity Entity, diff TagDiff) (applied, removed []TagID) {
	if toRemove := diff.Remove.Sorted(); len(toRemove) > 0 {
		if err := s.crm.RemoveTags(ctx, contactID, toRemove); err != nil {
			tagErr := domain.TagRemoveError{ContactID: contactID, Tags: toRemove, Err: err}
			s.logger.Error("tag removal failed", "kind", entity.Kind, "entity_id", entity.ID, "tags", toRemove, "error", tagErr)
		} else {
			removed = toRemove
			s.logger.Info("removed tags", "kind", entity.Kind, "entity_id", entity.ID, "contact_id", contactID, "tags", toRemove)
		}
	}
	if toApply := diff.Apply.Sorted(); len(toApply) > 0 {
		if err := s.crm.ApplyTags(ctx, contactID, toApply); err != nil {
			tagErr := domain.TagApplyError{ContactID: contactID, Tags: toApply, Err: err}
			s.logger.Error("tag application failed", "kind", entity.Kind, "entity_id", entity.ID, "tags", toApply, "error", tagErr)
		} else {
			applied = toApply
			s.logger.Info("applied tags", "kind", entity.Kind, "entity_id", entity.ID, "contact_id", contactID, "tags", toApply)
		}
	}
	return applied, removed
}

func (s *Service) markComplete(ctx context.Context, entity Entity) error {
	return s.store.SetCompleted(ctx, entity.Kind, entity.ID, s.clock())
}

func (s *Service) emitCompletion(ctx context.Context, entity Entity, contactID string) {
	event := CompletionEvent{
		ID:         uuid.NewString(),
		Kind:       entity.Kind,
		EntityID:   entity.ID,
		ContactID:  contactID,
		OccurredAt: s.clock(),
	}
	s.mu.RLock()
	listeners := make([]CompletionListener, len(s.listeners[entity.Kind]))
	copy(listeners, s.listeners[entity.Kind])
	s.mu.RUnlock()
	for _, l := range listeners {
		l.OnCompletion(ctx, event)
	}
}
