package core

import (
	"context"
	"strings"
	"time"
)

// DefaultRecheckDelay is how long an on-hold transition observed during a
// system-internal renewal attempt is parked before a second look.
const DefaultRecheckDelay = 60 * time.Second

// statusSynonyms collapses upstream status vocabularies onto the canonical
// rule-table keys. Upstream prefixes ("wc-") and dash/underscore variants are
// stripped before lookup.
var statusSynonyms = map[string]StatusKey{
	"active":                StatusActive,
	"completed":             StatusActive,
	"processing":            StatusActive,
	"pending":               StatusPending,
	"pending_payment":       StatusPending,
	"on_hold":               StatusOnHold,
	"paused":                StatusOnHold,
	"pending_cancel":        StatusPendingCancel,
	"pending_cancellation":  StatusPendingCancel,
	"cancelled":             StatusCancelled,
	"canceled":              StatusCancelled,
	"cancelled_by_customer": StatusCancelled,
	"switched":              StatusCancelled,
	"expired":               StatusExpired,
	"failed":                StatusPaymentFailed,
	"payment_failed":        StatusPaymentFailed,
	"refunded":              StatusRefunded,
}

// CanonicalStatus maps a raw upstream status to its canonical key. Unknown
// statuses pass through unchanged so open-vocabulary rule tables keep
// working.
func CanonicalStatus(raw string) StatusKey {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.TrimPrefix(norm, "wc-")
	norm = strings.ReplaceAll(norm, "-", "_")
	if key, ok := statusSynonyms[norm]; ok {
		return key
	}
	return StatusKey(norm)
}

// Decision classifies one transition.
type Decision int

// Classification outcomes.
const (
	// DecisionProcess runs the synchronization for the effective status.
	DecisionProcess Decision = iota
	// DecisionSuppress skips the transition entirely, no CRM calls.
	DecisionSuppress
	// DecisionDefer parks the transition and re-examines it after
	// RecheckAfter; used for on-hold statuses seen mid-renewal where the
	// outcome is not yet known.
	DecisionDefer
)

func (d Decision) String() string {
	switch d {
	case DecisionProcess:
		return "process"
	case DecisionSuppress:
		return "suppress"
	case DecisionDefer:
		return "defer"
	default:
		return "unknown"
	}
}

// Classification is the classifier's verdict for a transition.
type Classification struct {
	Decision Decision
	// Status is the effective canonical status for rule lookup.
	Status StatusKey
	// Prior is the canonical previous status.
	Prior StatusKey
	// RecheckAfter is set with DecisionDefer.
	RecheckAfter time.Duration
	// Reason explains suppressions and deferrals for the audit log.
	Reason string
}

// Classifier decides whether and how a status transition is processed.
type Classifier struct {
	store        EntityStore
	recheckDelay time.Duration
}

// NewClassifier constructs a classifier reading sibling entities from store.
// A zero recheckDelay falls back to DefaultRecheckDelay.
func NewClassifier(store EntityStore, recheckDelay time.Duration) *Classifier {
	if recheckDelay <= 0 {
		recheckDelay = DefaultRecheckDelay
	}
	return &Classifier{store: store, recheckDelay: recheckDelay}
}

// Classify determines the effective status and whether the transition runs
// at all. force bypasses the no-op suppression so operators and the batch
// reconciler can re-derive state for an unchanged status.
func (c *Classifier) Classify(ctx context.Context, entity Entity, newStatus string, origin Origin, force bool) (Classification, error) {
	status := CanonicalStatus(newStatus)
	prior := CanonicalStatus(entity.PreviousStatus)
	out := Classification{Decision: DecisionProcess, Status: status, Prior: prior}

	if !force && entity.PreviousStatus != "" && prior == status {
		out.Decision = DecisionSuppress
		out.Reason = "status unchanged"
		return out, nil
	}

	// An on-hold seen while the system itself is attempting a renewal is a
	// wait-and-see: the gateway may recover within the attempt. The decision
	// is deferred rather than made now.
	if status == StatusOnHold && origin == OriginInternal && !force {
		out.Decision = DecisionDefer
		out.RecheckAfter = c.recheckDelay
		out.Reason = "on hold during renewal attempt"
		return out, nil
	}

	return out, nil
}

// ActiveElsewhere returns a predicate reporting whether another entity of
// the same kind and owner, holding the given product, is still active. The
// predicate backs the per-tag removal suppression: a tag justified by a
// sibling must survive this entity's exit.
func (c *Classifier) ActiveElsewhere(ctx context.Context, entity Entity, productID string) (bool, error) {
	if entity.Owner == nil {
		return false, nil
	}
	siblings, err := c.store.ListOwnerEntities(ctx, entity.Kind, entity.Owner.ID)
	if err != nil {
		return false, err
	}
	for _, sibling := range siblings {
		if sibling.ID == entity.ID {
			continue
		}
		if CanonicalStatus(sibling.Status) != StatusActive {
			continue
		}
		for _, item := range sibling.LineItems {
			if item.ProductID == productID {
				return true, nil
			}
		}
	}
	return false, nil
}
