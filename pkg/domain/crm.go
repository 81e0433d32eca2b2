package domain

import "context"

// ContactFields carries the profile fields available when creating or
// updating a CRM contact.
type ContactFields struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// CRMClient is the narrow contract against the external CRM. All operations
// are at-least-once from the caller's perspective; the engine never assumes
// CRM-side idempotency and never retries inside the synchronizer (retry
// policy belongs to the client implementation).
type CRMClient interface {
	// GetContactID searches for a contact by email. The bool is false when
	// no contact exists; err is reserved for transport failures.
	GetContactID(ctx context.Context, email string) (string, bool, error)
	// AddContact creates a contact and returns its id.
	AddContact(ctx context.Context, fields ContactFields) (string, error)
	// UpdateContact pushes profile fields onto an existing contact.
	UpdateContact(ctx context.Context, contactID string, fields ContactFields) error
	// ApplyTags adds tags to a contact.
	ApplyTags(ctx context.Context, contactID string, tags []TagID) error
	// RemoveTags removes tags from a contact.
	RemoveTags(ctx context.Context, contactID string, tags []TagID) error
}
