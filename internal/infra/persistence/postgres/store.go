// Package postgres provides the server-backed persistence driver. It mirrors
// the sqlite driver's row layout and uses the same conditional-upsert lock
// acquisition, here against a shared PostgreSQL instance so multiple workers
// coordinate through one lock table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"tagsync/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

const defaultDSN = "postgres://localhost/tagsync?sslmode=disable"

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	kind     TEXT NOT NULL,
	id       TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	payload  JSONB NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS entities_owner ON entities(kind, owner_id);
CREATE TABLE IF NOT EXISTS locks (
	key        TEXT PRIMARY KEY,
	expires_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS contacts (
	user_id    TEXT PRIMARY KEY,
	contact_id TEXT NOT NULL
);`

// Store persists engine state in PostgreSQL.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// New connects to the given DSN and applies the schema. An empty DSN falls
// back to a local default.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, clock: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// SetClock overrides the lock-expiry time source, for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func ownerID(e domain.Entity) string {
	if e.Owner != nil {
		return e.Owner.ID
	}
	return ""
}

func decodeEntity(payload []byte) (domain.Entity, error) {
	var entity domain.Entity
	if err := json.Unmarshal(payload, &entity); err != nil {
		return domain.Entity{}, fmt.Errorf("decode entity: %w", err)
	}
	return entity, nil
}

// GetEntity reads one entity.
func (s *Store) GetEntity(ctx context.Context, kind domain.EntityKind, id string) (domain.Entity, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM entities WHERE kind = $1 AND id = $2`, string(kind), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entity{}, false, nil
	}
	if err != nil {
		return domain.Entity{}, false, err
	}
	entity, err := decodeEntity(payload)
	if err != nil {
		return domain.Entity{}, false, err
	}
	return entity, true, nil
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]domain.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Entity
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		entity, err := decodeEntity(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListEntities returns all entities of a kind, sorted by id.
func (s *Store) ListEntities(ctx context.Context, kind domain.EntityKind) ([]domain.Entity, error) {
	return s.queryEntities(ctx, `SELECT payload FROM entities WHERE kind = $1`, string(kind))
}

// ListOwnerEntities returns all entities of a kind owned by ownerID.
func (s *Store) ListOwnerEntities(ctx context.Context, kind domain.EntityKind, owner string) ([]domain.Entity, error) {
	return s.queryEntities(ctx,
		`SELECT payload FROM entities WHERE kind = $1 AND owner_id = $2`, string(kind), owner)
}

// PutEntity upserts an entity. A status change invalidates any prior
// completed marker and backfills the previous status when absent. The
// engine-owned fields (contact id, completed marker) survive upserts that do
// not set them.
func (s *Store) PutEntity(ctx context.Context, entity domain.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var priorPayload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM entities WHERE kind = $1 AND id = $2 FOR UPDATE`,
		string(entity.Kind), entity.ID).Scan(&priorPayload)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if priorPayload != nil {
		prior, err := decodeEntity(priorPayload)
		if err != nil {
			return err
		}
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

	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entities(kind, id, owner_id, payload) VALUES($1, $2, $3, $4)
		 ON CONFLICT(kind, id) DO UPDATE SET owner_id = excluded.owner_id, payload = excluded.payload`,
		string(entity.Kind), entity.ID, ownerID(entity), payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) mutateEntity(ctx context.Context, kind domain.EntityKind, id string, mutate func(*domain.Entity)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM entities WHERE kind = $1 AND id = $2 FOR UPDATE`, string(kind), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return err
	}
	entity, err := decodeEntity(payload)
	if err != nil {
		return err
	}
	mutate(&entity)
	updated, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode entity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET payload = $1 WHERE kind = $2 AND id = $3`, updated, string(kind), id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetContactID persists the resolved contact id onto the entity.
func (s *Store) SetContactID(ctx context.Context, kind domain.EntityKind, id, contactID string) error {
	return s.mutateEntity(ctx, kind, id, func(e *domain.Entity) { e.ContactID = contactID })
}

// SetCompleted stamps the completed marker.
func (s *Store) SetCompleted(ctx context.Context, kind domain.EntityKind, id string, at time.Time) error {
	stamped := at.UTC()
	return s.mutateEntity(ctx, kind, id, func(e *domain.Entity) { e.CompletedAt = &stamped })
}

// ClearCompleted removes the completed marker.
func (s *Store) ClearCompleted(ctx context.Context, kind domain.EntityKind, id string) error {
	return s.mutateEntity(ctx, kind, id, func(e *domain.Entity) { e.CompletedAt = nil })
}

// Acquire takes the per-entity lock in a single conditional upsert: the row
// is inserted, or stolen when the prior holder's TTL has lapsed.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks(key, expires_at) VALUES($1, $2)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		 WHERE locks.expires_at <= $3`,
		key, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = $1`, key)
	return err
}

// ContactForUser reads the cached contact id for a user.
func (s *Store) ContactForUser(ctx context.Context, userID string) (string, bool, error) {
	var contactID string
	err := s.db.QueryRowContext(ctx,
		`SELECT contact_id FROM contacts WHERE user_id = $1`, userID).Scan(&contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return contactID, true, nil
}

// SetContactForUser caches a user's contact id.
func (s *Store) SetContactForUser(ctx context.Context, userID, contactID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(user_id, contact_id) VALUES($1, $2)
		 ON CONFLICT(user_id) DO UPDATE SET contact_id = excluded.contact_id`,
		userID, contactID)
	return err
}
