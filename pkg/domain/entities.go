// Package domain defines the entity, rule, and contact value types plus the
// collaborator contracts consumed by the tagsync engine.
package domain

import "time"

// EntityKind identifies the lifecycle family an entity belongs to.
type EntityKind string

// Supported entity kinds. Each kind has its own status vocabulary upstream,
// collapsed onto the canonical keys below before rule lookup.
const (
	// KindOrder identifies an e-commerce order record.
	KindOrder EntityKind = "order"
	// KindSubscription identifies a recurring subscription record.
	KindSubscription EntityKind = "subscription"
	// KindMembership identifies a membership record.
	KindMembership EntityKind = "membership"
)

// StatusKey is a canonical status (or rule-table key) used for rule lookup.
// Upstream systems use wider vocabularies; the classifier collapses synonyms
// onto these keys.
type StatusKey string

// Canonical status keys recognised by the rule tables.
const (
	StatusActive        StatusKey = "active"
	StatusPending       StatusKey = "pending"
	StatusOnHold        StatusKey = "on_hold"
	StatusPendingCancel StatusKey = "pending_cancel"
	StatusCancelled     StatusKey = "cancelled"
	StatusExpired       StatusKey = "expired"
	StatusPaymentFailed StatusKey = "payment_failed"
	StatusRefunded      StatusKey = "refunded"
)

// Rule-table keys that are not statuses. KeyTagLink tags travel with the
// active state; KeyConverted tags are applied once a trial has converted.
const (
	KeyTagLink   StatusKey = "tag_link"
	KeyConverted StatusKey = "converted"
)

// TagID identifies a CRM tag.
type TagID string

// UserRef identifies a registered owner of an entity.
type UserRef struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// LineItem references a purchasable unit carried by an entity. VariationID is
// empty when the product has no variation.
type LineItem struct {
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id,omitempty"`
}

// Entity is any record with a status lifecycle: an order, a subscription, or
// a membership. Entities are owned by an external system of record; the
// engine only writes back the contact id and the completed marker.
type Entity struct {
	ID             string     `json:"id"`
	Kind           EntityKind `json:"kind"`
	Owner          *UserRef   `json:"owner,omitempty"`
	Email          string     `json:"email,omitempty"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	Status         string     `json:"status"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	LineItems      []LineItem `json:"line_items,omitempty"`
	ContactID      string     `json:"contact_id,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TrialEndsAt    *time.Time `json:"trial_ends_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BestEmail returns the entity's own email, falling back to the owner's.
func (e Entity) BestEmail() string {
	if e.Email != "" {
		return e.Email
	}
	if e.Owner != nil {
		return e.Owner.Email
	}
	return ""
}

// TrialConverted reports whether the entity's trial window has passed as of
// now. Entities without a trial end date never convert.
func (e Entity) TrialConverted(now time.Time) bool {
	return e.TrialEndsAt != nil && !e.TrialEndsAt.After(now)
}

// ContactRef links an entity to its CRM contact. OwnerUserID is empty for
// guest entities.
type ContactRef struct {
	ContactID   string `json:"contact_id"`
	OwnerUserID string `json:"owner_user_id,omitempty"`
}
