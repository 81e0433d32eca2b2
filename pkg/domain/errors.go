package domain

import (
	"errors"
	"fmt"
)

// ErrAlreadyInProgress signals that another worker holds the entity lock.
// Callers treat it as success: duplicate deliveries are expected and harmless
// once processing is idempotent.
var ErrAlreadyInProgress = errors.New("synchronization already in progress")

// NotFoundError is returned when an entity cannot be read from the store.
type NotFoundError struct {
	Kind EntityKind
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NoIdentityError marks an entity that can never be resolved to a contact:
// no email and no owner. The synchronizer marks such entities complete so
// they are not reprocessed forever.
type NoIdentityError struct {
	Kind EntityKind
	ID   string
}

func (e NoIdentityError) Error() string {
	return fmt.Sprintf("%s %s has no email or owner to resolve a contact with", e.Kind, e.ID)
}

// ContactLookupError wraps a CRM failure while searching for an existing
// contact. The entity is left incomplete so a later reprocess can retry.
type ContactLookupError struct {
	Email string
	Err   error
}

func (e ContactLookupError) Error() string {
	return fmt.Sprintf("contact lookup for %s failed: %v", e.Email, e.Err)
}

func (e ContactLookupError) Unwrap() error { return e.Err }

// ContactCreateError wraps a CRM failure while creating a contact. The
// entity is left incomplete so a later reprocess can retry.
type ContactCreateError struct {
	Email string
	Err   error
}

func (e ContactCreateError) Error() string {
	return fmt.Sprintf("contact create for %s failed: %v", e.Email, e.Err)
}

func (e ContactCreateError) Unwrap() error { return e.Err }

// TagApplyError records a failed tag application. Application is best
// effort: the failure is logged per tag set and the entity still completes
// for the parts that succeeded.
type TagApplyError struct {
	ContactID string
	Tags      []TagID
	Err       error
}

func (e TagApplyError) Error() string {
	return fmt.Sprintf("apply %d tags to contact %s failed: %v", len(e.Tags), e.ContactID, e.Err)
}

func (e TagApplyError) Unwrap() error { return e.Err }

// TagRemoveError records a failed tag removal, handled like TagApplyError.
type TagRemoveError struct {
	ContactID string
	Tags      []TagID
	Err       error
}

func (e TagRemoveError) Error() string {
	return fmt.Sprintf("remove %d tags from contact %s failed: %v", len(e.Tags), e.ContactID, e.Err)
}

func (e TagRemoveError) Unwrap() error { return e.Err }
