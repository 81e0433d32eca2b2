package domain

import (
	"context"
	"time"
)

// Origin identifies the context a transition event arrived from. The
// dispatcher uses it to choose between inline and deferred processing.
type Origin string

// Recognised event origins.
const (
	// OriginCheckout marks interactive checkout requests, eligible for
	// deferred processing to keep checkout fast.
	OriginCheckout Origin = "checkout"
	// OriginWebhook marks inbound REST/webhook deliveries.
	OriginWebhook Origin = "webhook"
	// OriginInternal marks system-internal processes such as scheduled
	// renewal attempts.
	OriginInternal Origin = "internal"
	// OriginAdmin marks explicit operator reprocess actions.
	OriginAdmin Origin = "admin"
)

// TransitionEvent is an inbound status-change notification for one entity.
type TransitionEvent struct {
	ID         string     `json:"id"`
	Kind       EntityKind `json:"kind"`
	EntityID   string     `json:"entity_id"`
	NewStatus  string     `json:"new_status"`
	Origin     Origin     `json:"origin"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// CompletionEvent is emitted once synchronization has run to completion for
// an entity's current status. Downstream consumers (analytics, e-commerce
// add-ons) subscribe per entity kind.
type CompletionEvent struct {
	ID         string     `json:"id"`
	Kind       EntityKind `json:"kind"`
	EntityID   string     `json:"entity_id"`
	ContactID  string     `json:"contact_id"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// CompletionListener observes completion events. Listeners are registered
// explicitly per entity kind; there is no string-keyed hook registry.
type CompletionListener interface {
	OnCompletion(ctx context.Context, event CompletionEvent)
}

// CompletionListenerFunc adapts a function to the CompletionListener
// interface.
type CompletionListenerFunc func(ctx context.Context, event CompletionEvent)

// OnCompletion implements CompletionListener.
func (f CompletionListenerFunc) OnCompletion(ctx context.Context, event CompletionEvent) {
	f(ctx, event)
}
