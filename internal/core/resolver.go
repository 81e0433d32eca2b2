package core

import (
	"context"

	"tagsync/pkg/domain"
)

// ContactResolver finds or lazily creates the CRM contact for an entity.
// Contacts are never deleted by this engine.
type ContactResolver struct {
	store  EntityStore
	cache  ContactCache
	crm    CRMClient
	logger Logger
}

// NewContactResolver constructs a resolver. logger may be nil.
func NewContactResolver(store EntityStore, cache ContactCache, crm CRMClient, logger Logger) *ContactResolver {
	if logger == nil {
		logger = noopLogger{}
	}
	return &ContactResolver{store: store, cache: cache, crm: crm, logger: logger}
}

// Resolve returns the contact reference for the entity, creating the CRM
// contact if necessary. Resolution order: owner's cached contact id, contact
// id already stored on the entity (a prior lifecycle stage may have created
// it), CRM lookup by email, CRM create. Resolved ids are persisted back onto
// the entity and, for registered owners, into the cache.
func (r *ContactResolver) Resolve(ctx context.Context, entity Entity) (ContactRef, error) {
	ref := ContactRef{}
	if entity.Owner != nil {
		ref.OwnerUserID = entity.Owner.ID
		contactID, ok, err := r.cache.ContactForUser(ctx, entity.Owner.ID)
		if err != nil {
			return ContactRef{}, err
		}
		if ok && contactID != "" {
			ref.ContactID = contactID
			return ref, nil
		}
	}

	if entity.ContactID != "" {
		ref.ContactID = entity.ContactID
		if ref.OwnerUserID != "" {
			if err := r.cache.SetContactForUser(ctx, ref.OwnerUserID, ref.ContactID); err != nil {
				return ContactRef{}, err
			}
		}
		return ref, nil
	}

	email := entity.BestEmail()
	if email == "" {
		return ContactRef{}, domain.NoIdentityError{Kind: entity.Kind, ID: entity.ID}
	}

	contactID, found, err := r.crm.GetContactID(ctx, email)
	if err != nil {
		return ContactRef{}, domain.ContactLookupError{Email: email, Err: err}
	}
	if !found {
		contactID, err = r.crm.AddContact(ctx, r.profileFields(entity, email))
		if err != nil {
			return ContactRef{}, domain.ContactCreateError{Email: email, Err: err}
		}
		r.logger.Info("created CRM contact",
			"kind", entity.Kind, "entity_id", entity.ID, "contact_id", contactID, "email", email)
	}
	ref.ContactID = contactID

	if err := r.store.SetContactID(ctx, entity.Kind, entity.ID, contactID); err != nil {
		return ContactRef{}, err
	}
	if ref.OwnerUserID != "" {
		if err := r.cache.SetContactForUser(ctx, ref.OwnerUserID, contactID); err != nil {
			return ContactRef{}, err
		}
	}
	return ref, nil
}

func (r *ContactResolver) profileFields(entity Entity, email string) ContactFields {
	fields := ContactFields{Email: email, FirstName: entity.FirstName, LastName: entity.LastName}
	if entity.Owner != nil {
		if fields.FirstName == "" {
			fields.FirstName = entity.Owner.FirstName
		}
		if fields.LastName == "" {
			fields.LastName = entity.Owner.LastName
		}
	}
	return fields
}
