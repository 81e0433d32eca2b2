package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tagsync/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "tagsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEntityRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	trialEnd := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	entity := domain.Entity{
		ID:          "s1",
		Kind:        domain.KindSubscription,
		Owner:       &domain.UserRef{ID: "u1", Email: "u1@example.com", FirstName: "Ada"},
		Status:      "pending",
		LineItems:   []domain.LineItem{{ProductID: "plan-1", VariationID: "v2"}},
		TrialEndsAt: &trialEnd,
	}
	if err := store.PutEntity(ctx, entity); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.GetEntity(ctx, domain.KindSubscription, "s1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Owner == nil || got.Owner.ID != "u1" || got.Status != "pending" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.TrialEndsAt == nil || !got.TrialEndsAt.Equal(trialEnd) {
		t.Fatalf("trial end lost: %+v", got.TrialEndsAt)
	}
	if len(got.LineItems) != 1 || got.LineItems[0].VariationID != "v2" {
		t.Fatalf("line items lost: %+v", got.LineItems)
	}

	if _, ok, err := store.GetEntity(ctx, domain.KindSubscription, "missing"); err != nil || ok {
		t.Fatalf("missing entity: ok=%v err=%v", ok, err)
	}
}

func TestPutEntityStatusChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entity := domain.Entity{ID: "s1", Kind: domain.KindSubscription, Status: "active"}
	if err := store.PutEntity(ctx, entity); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.SetContactID(ctx, domain.KindSubscription, "s1", "c1"); err != nil {
		t.Fatalf("set contact: %v", err)
	}
	if err := store.SetCompleted(ctx, domain.KindSubscription, "s1", time.Now()); err != nil {
		t.Fatalf("set completed: %v", err)
	}

	// An upsert with the same status keeps the engine-owned fields.
	if err := store.PutEntity(ctx, entity); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	got, _, err := store.GetEntity(ctx, domain.KindSubscription, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContactID != "c1" || got.CompletedAt == nil {
		t.Fatalf("upsert dropped engine fields: %+v", got)
	}

	// A status change invalidates the marker and records the prior status.
	entity.Status = "cancelled"
	if err := store.PutEntity(ctx, entity); err != nil {
		t.Fatalf("status change put: %v", err)
	}
	got, _, err = store.GetEntity(ctx, domain.KindSubscription, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CompletedAt != nil {
		t.Fatalf("status change must clear the completed marker")
	}
	if got.PreviousStatus != "active" {
		t.Fatalf("expected previous status backfill, got %q", got.PreviousStatus)
	}
	if got.ContactID != "c1" {
		t.Fatalf("contact id must survive a status change")
	}
}

func TestOwnerQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, e := range []domain.Entity{
		{ID: "s2", Kind: domain.KindSubscription, Owner: &domain.UserRef{ID: "u1"}},
		{ID: "s1", Kind: domain.KindSubscription, Owner: &domain.UserRef{ID: "u1"}},
		{ID: "s3", Kind: domain.KindSubscription, Owner: &domain.UserRef{ID: "u2"}},
		{ID: "g1", Kind: domain.KindSubscription},
	} {
		if err := store.PutEntity(ctx, e); err != nil {
			t.Fatalf("put %s: %v", e.ID, err)
		}
	}

	owned, err := store.ListOwnerEntities(ctx, domain.KindSubscription, "u1")
	if err != nil {
		t.Fatalf("list owner: %v", err)
	}
	if len(owned) != 2 || owned[0].ID != "s1" || owned[1].ID != "s2" {
		t.Fatalf("unexpected owner listing: %+v", owned)
	}

	all, err := store.ListEntities(ctx, domain.KindSubscription)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entities, got %d", len(all))
	}
}

func TestMutateMissingEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	err := store.SetContactID(ctx, domain.KindOrder, "missing", "c1")
	if _, ok := err.(domain.NotFoundError); !ok {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestLockConditionalUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	ok, err := store.Acquire(ctx, "subscription:s1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ok, err = store.Acquire(ctx, "subscription:s1", time.Hour)
	if err != nil || ok {
		t.Fatalf("held lock must not be reacquired: ok=%v err=%v", ok, err)
	}

	if err := store.Release(ctx, "subscription:s1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = store.Acquire(ctx, "subscription:s1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("released lock must be reacquirable: ok=%v err=%v", ok, err)
	}

	// Cross the TTL boundary: the orphaned lock is stolen.
	now = now.Add(time.Hour + time.Second)
	ok, err = store.Acquire(ctx, "subscription:s1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("expired lock must be stolen: ok=%v err=%v", ok, err)
	}
}

func TestContactCacheUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, ok, err := store.ContactForUser(ctx, "u1"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	if err := store.SetContactForUser(ctx, "u1", "c1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetContactForUser(ctx, "u1", "c2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	contactID, ok, err := store.ContactForUser(ctx, "u1")
	if err != nil || !ok || contactID != "c2" {
		t.Fatalf("cache read mismatch: %q ok=%v err=%v", contactID, ok, err)
	}
}
