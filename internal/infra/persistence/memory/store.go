// Package memory provides the in-memory persistence driver used for tests
// and ephemeral environments. It implements the entity store, the lock
// store, and the contact cache behind a single mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tagsync/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

// Store keeps all state in process memory.
type Store struct {
	mu       sync.RWMutex
	entities map[domain.EntityKind]map[string]domain.Entity
	contacts map[string]string
	locks    map[string]time.Time
	clock    func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		entities: make(map[domain.EntityKind]map[string]domain.Entity),
		contacts: make(map[string]string),
		locks:    make(map[string]time.Time),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the lock-expiry time source, for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func cloneEntity(e domain.Entity) domain.Entity {
	out := e
	if e.Owner != nil {
		owner := *e.Owner
		out.Owner = &owner
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		out.CompletedAt = &at
	}
	if e.TrialEndsAt != nil {
		at := *e.TrialEndsAt
		out.TrialEndsAt = &at
	}
	if len(e.LineItems) > 0 {
		out.LineItems = make([]domain.LineItem, len(e.LineItems))
		copy(out.LineItems, e.LineItems)
	}
	return out
}

// GetEntity returns a copy of the stored entity.
func (s *Store) GetEntity(_ context.Context, kind domain.EntityKind, id string) (domain.Entity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[kind][id]
	if !ok {
		return domain.Entity{}, false, nil
	}
	return cloneEntity(entity), true, nil
}

// ListEntities returns all entities of a kind, sorted by id.
func (s *Store) ListEntities(_ context.Context, kind domain.EntityKind) ([]domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Entity, 0, len(s.entities[kind]))
	for _, entity := range s.entities[kind] {
		out = append(out, cloneEntity(entity))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListOwnerEntities returns all entities of a kind owned by ownerID, sorted
// by id.
func (s *Store) ListOwnerEntities(_ context.Context, kind domain.EntityKind, ownerID string) ([]domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Entity
	for _, entity := range s.entities[kind] {
		if entity.Owner != nil && entity.Owner.ID == ownerID {
			out = append(out, cloneEntity(entity))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutEntity upserts an entity. A status change invalidates any prior
// completed marker and, when the caller did not supply one, records the old
// status as the previous status. The engine-owned fields (contact id,
// completed marker) survive upserts that do not set them.
func (s *Store) PutEntity(_ context.Context, entity domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entities[entity.Kind] == nil {
		s.entities[entity.Kind] = make(map[string]domain.Entity)
	}
	if prior, ok := s.entities[entity.Kind][entity.ID]; ok {
		if prior.Status != entity.Status {
			if entity.PreviousStatus == "" {
				entity.PreviousStatus = prior.Status
			}
			entity.CompletedAt = nil
		} else {
			if entity.PreviousStatus == "" {
				entity.PreviousStatus = prior.PreviousStatus
			}
			if entity.CompletedAt == nil {
				entity.CompletedAt = prior.CompletedAt
			}
		}
		if entity.ContactID == "" {
			entity.ContactID = prior.ContactID
		}
	}
	s.entities[entity.Kind][entity.ID] = cloneEntity(entity)
	return nil
}

// SetContactID persists the resolved contact id onto the entity.
func (s *Store) SetContactID(_ context.Context, kind domain.EntityKind, id, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[kind][id]
	if !ok {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	entity.ContactID = contactID
	s.entities[kind][id] = entity
	return nil
}

// SetCompleted stamps the completed marker.
func (s *Store) SetCompleted(_ context.Context, kind domain.EntityKind, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[kind][id]
	if !ok {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	stamped := at.UTC()
	entity.CompletedAt = &stamped
	s.entities[kind][id] = entity
	return nil
}

// ClearCompleted removes the completed marker.
func (s *Store) ClearCompleted(_ context.Context, kind domain.EntityKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[kind][id]
	if !ok {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	entity.CompletedAt = nil
	s.entities[kind][id] = entity
	return nil
}

// Acquire implements the atomic try-lock. An expired lock may be stolen.
func (s *Store) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if expiry, held := s.locks[key]; held && expiry.After(now) {
		return false, nil
	}
	s.locks[key] = now.Add(ttl)
	return true, nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (s *Store) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

// ContactForUser reads the cached contact id for a user.
func (s *Store) ContactForUser(_ context.Context, userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contactID, ok := s.contacts[userID]
	return contactID, ok, nil
}

// SetContactForUser caches a user's contact id.
func (s *Store) SetContactForUser(_ context.Context, userID, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[userID] = contactID
	return nil
}
