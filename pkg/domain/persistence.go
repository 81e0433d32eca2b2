package domain

import (
	"context"
	"time"
)

// EntityStore is the engine's read/write surface over the external system of
// record. Reads cover single entities, whole kinds (batch reconciliation),
// and sibling queries (cross-entity suppression). Writes are limited to the
// contact id and the completed marker.
type EntityStore interface {
	GetEntity(ctx context.Context, kind EntityKind, id string) (Entity, bool, error)
	ListEntities(ctx context.Context, kind EntityKind) ([]Entity, error)
	// ListOwnerEntities returns all entities of a kind belonging to the
	// given owner, used to decide whether a tag is still justified by
	// another active entity.
	ListOwnerEntities(ctx context.Context, kind EntityKind, ownerID string) ([]Entity, error)
	// PutEntity upserts an entity record. Adapters feeding the engine from
	// a concrete source system call this on every inbound change.
	PutEntity(ctx context.Context, entity Entity) error
	// SetContactID persists the resolved contact id onto the entity.
	SetContactID(ctx context.Context, kind EntityKind, id, contactID string) error
	// SetCompleted stamps the completed marker for the entity's current
	// logical state.
	SetCompleted(ctx context.Context, kind EntityKind, id string, at time.Time) error
	// ClearCompleted removes the marker; a status change invalidates any
	// prior completion.
	ClearCompleted(ctx context.Context, kind EntityKind, id string) error
}

// LockStore provides per-entity mutual exclusion with a TTL guard against
// locks orphaned by crashes. Acquire is an atomic check-and-set try-lock: it
// never blocks, it reports false when the key is held and unexpired.
type LockStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// ContactCache maps registered users to their CRM contact ids. The CRM
// remains the source of truth for contact existence; the cache only saves
// lookup round-trips.
type ContactCache interface {
	ContactForUser(ctx context.Context, userID string) (string, bool, error)
	SetContactForUser(ctx context.Context, userID, contactID string) error
}

// Store bundles the three persistence contracts implemented by each driver.
type Store interface {
	EntityStore
	LockStore
	ContactCache
}
