package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tagsync/internal/infra/persistence/memory"
	"tagsync/pkg/domain"
)

// fakeCRM records every call so tests can assert idempotence and ordering.
type fakeCRM struct {
	mu       sync.Mutex
	contacts map[string]string
	nextID   int
	calls    []string

	lookupErr error
	createErr error
	applyErr  error
	removeErr error
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{contacts: make(map[string]string)}
}

func (f *fakeCRM) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeCRM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCRM) GetContactID(_ context.Context, email string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("lookup %s", email)
	if f.lookupErr != nil {
		return "", false, f.lookupErr
	}
	id, ok := f.contacts[email]
	return id, ok, nil
}

func (f *fakeCRM) AddContact(_ context.Context, fields domain.ContactFields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", fields.Email)
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.contacts[fields.Email] = id
	return id, nil
}

func (f *fakeCRM) UpdateContact(_ context.Context, contactID string, fields domain.ContactFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update %s", contactID)
	return nil
}

func (f *fakeCRM) ApplyTags(_ context.Context, contactID string, tags []TagID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("apply %s %v", contactID, tags)
	return f.applyErr
}

func (f *fakeCRM) RemoveTags(_ context.Context, contactID string, tags []TagID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove %s %v", contactID, tags)
	return f.removeErr
}

// staticRules is a fixed in-memory rule source.
type staticRules struct {
	products map[string]RuleSet
	status   map[StatusKey][]TagID
	defaults []TagID
}

func (s staticRules) RulesFor(_ context.Context, productID, variationID string) (RuleSet, bool, error) {
	if variationID != "" {
		if set, ok := s.products[productID+"|"+variationID]; ok {
			return set, true, nil
		}
	}
	set, ok := s.products[productID]
	return set, ok, nil
}

func (s staticRules) StatusTags(_ context.Context, status StatusKey) ([]TagID, error) {
	return s.status[status], nil
}

func (s staticRules) DefaultTags(_ context.Context) ([]TagID, error) {
	return s.defaults, nil
}

func testRules() staticRules {
	return staticRules{products: map[string]RuleSet{"plan-1": planRules()}}
}

func seedSubscription(t *testing.T, store *memory.Store, id, status, prior string) Entity {
	t.Helper()
	entity := domain.Entity{
		ID:             id,
		Kind:           KindSubscription,
		Owner:          &UserRef{ID: "u1", Email: "u1@example.com", FirstName: "Ada"},
		Status:         status,
		PreviousStatus: prior,
		LineItems:      []LineItem{{ProductID: "plan-1"}},
	}
	if err := store.PutEntity(context.Background(), entity); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	return entity
}

func TestProcessPendingToActive(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	seedSubscription(t, store, "s1", "active", "pending")

	svc := NewService(store, testRules(), crm)
	out, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("expected completion, got %s (%s)", out.State, out.Reason)
	}
	if out.ContactID == "" {
		t.Fatalf("expected a resolved contact id")
	}
	if !equalTags(out.Applied, "t1", "t2") {
		t.Fatalf("unexpected applied tags: %v", out.Applied)
	}

	entity, _, err := store.GetEntity(ctx, KindSubscription, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entity.CompletedAt == nil {
		t.Fatalf("expected completed marker")
	}
	if entity.ContactID != out.ContactID {
		t.Fatalf("contact id not persisted onto entity")
	}
}

func TestProcessIdempotentShortCircuit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	seedSubscription(t, store, "s1", "active", "pending")

	svc := NewService(store, testRules(), crm)
	if _, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false); err != nil {
		t.Fatalf("first process: %v", err)
	}
	calls := crm.callCount()

	out, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false)
	if err != nil {
		t.Fatalf("duplicate process: %v", err)
	}
	if out.State != StateSkipped {
		t.Fatalf("duplicate delivery must be skipped, got %s", out.State)
	}
	if crm.callCount() != calls {
		t.Fatalf("duplicate delivery made CRM calls: %v", crm.calls)
	}
}

func TestProcessRemoveBeforeApply(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	crm.contacts["u1@example.com"] = "c9"
	seedSubscription(t, store, "s1", "cancelled", "active")

	svc := NewService(store, testRules(), crm)
	out, err := svc.Process(ctx, KindSubscription, "s1", "cancelled", OriginWebhook, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("expected completion, got %s (%s)", out.State, out.Reason)
	}
	if !equalTags(out.Removed, "t1", "t2") || !equalTags(out.Applied, "t3") {
		t.Fatalf("unexpected diff: applied=%v removed=%v", out.Applied, out.Removed)
	}

	var removeAt, applyAt = -1, -1
	for i, call := range crm.calls {
		switch {
		case strings.HasPrefix(call, "remove"):
			removeAt = i
		case strings.HasPrefix(call, "apply"):
			applyAt = i
		}
	}
	if removeAt < 0 || applyAt < 0 || removeAt > applyAt {
		t.Fatalf("removals must precede applications: %v", crm.calls)
	}
}

func TestProcessLockBusySkips(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedSubscription(t, store, "s1", "active", "pending")

	svc := NewService(store, testRules(), newFakeCRM())
	ok, err := store.Acquire(ctx, LockKey(KindSubscription, "s1"), time.Hour)
	if err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}

	out, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false)
	if err != nil {
		t.Fatalf("busy lock must not be an error: %v", err)
	}
	if out.State != StateSkipped || out.Reason != domain.ErrAlreadyInProgress.Error() {
		t.Fatalf("expected already-in-progress skip, got %s (%s)", out.State, out.Reason)
	}
}

func TestProcessConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	crm.contacts["u1@example.com"] = "c9"
	seedSubscription(t, store, "s1", "active", "pending")

	svc := NewService(store, testRules(), crm)
	const workers = 8
	outcomes := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false)
			if err != nil {
				t.Errorf("process: %v", err)
			}
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)

	completed := 0
	for out := range outcomes {
		if out.State == StateCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("exactly one duplicate must complete, got %d", completed)
	}
}

func TestProcessNoIdentityMarksComplete(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	entity := domain.Entity{
		ID: "o1", Kind: KindOrder, Status: "completed",
		LineItems: []LineItem{{ProductID: "plan-1"}},
	}
	if err := store.PutEntity(ctx, entity); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := NewService(store, testRules(), crm)
	out, err := svc.Process(ctx, KindOrder, "o1", "completed", OriginWebhook, false)
	if err != nil {
		t.Fatalf("missing identity is terminal, not retryable: %v", err)
	}
	if out.State != StateFailed {
		t.Fatalf("expected failed outcome, got %s", out.State)
	}
	got, _, _ := store.GetEntity(ctx, KindOrder, "o1")
	if got.CompletedAt == nil {
		t.Fatalf("identityless entity must be marked complete to stop reprocessing")
	}
	if crm.callCount() != 0 {
		t.Fatalf("no CRM calls expected: %v", crm.calls)
	}
}

func TestProcessContactLookupFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	crm.lookupErr = errors.New("crm unavailable")
	seedSubscription(t, store, "s1", "active", "pending")

	svc := NewService(store, testRules(), crm)
	out, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false)
	if err == nil {
		t.Fatalf("transport failure must surface an error")
	}
	var lookupErr domain.ContactLookupError
	if !errors.As(err, &lookupErr) {
		t.Fatalf("expected contact lookup error, got %v", err)
	}
	if out.State != StateFailed {
		t.Fatalf("expected failed outcome, got %s", out.State)
	}
	entity, _, _ := store.GetEntity(ctx, KindSubscription, "s1")
	if entity.CompletedAt != nil {
		t.Fatalf("failed resolution must leave the entity incomplete for retry")
	}
}

func TestProcessTagFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	crm.contacts["u1@example.com"] = "c9"
	crm.applyErr = errors.New("tag endpoint down")
	seedSubscription(t, store, "s1", "active", "pending")

	svc := NewService(store, testRules(), crm)
	out, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false)
	if err != nil {
		t.Fatalf("tag failures are best effort: %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("expected completion despite tag failure, got %s", out.State)
	}
	if len(out.Applied) != 0 {
		t.Fatalf("failed applications must not be reported as applied: %v", out.Applied)
	}
	entity, _, _ := store.GetEntity(ctx, KindSubscription, "s1")
	if entity.CompletedAt == nil {
		t.Fatalf("expected completed marker despite tag failure")
	}
}

func TestProcessStatusAndDefaultTags(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	crm.contacts["u1@example.com"] = "c9"
	seedSubscription(t, store, "s1", "active", "pending")

	rules := testRules()
	rules.status = map[StatusKey][]TagID{StatusActive: {"status-active"}, StatusCancelled: {"status-cancelled"}}
	rules.defaults = []TagID{"customer"}

	svc := NewService(store, rules, crm)
	out, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !equalTags(out.Applied, "customer", "status-active", "t1", "t2") {
		t.Fatalf("unexpected applied tags: %v", out.Applied)
	}

	// Default customer tags are bound to activation, not to every status.
	if err := store.PutEntity(ctx, Entity{
		ID: "s2", Kind: KindSubscription, Owner: &UserRef{ID: "u1", Email: "u1@example.com"},
		Status: "cancelled", PreviousStatus: "active",
		LineItems: []LineItem{{ProductID: "plan-1"}},
	}); err != nil {
		t.Fatalf("seed s2: %v", err)
	}
	out, err = svc.Process(ctx, KindSubscription, "s2", "cancelled", OriginWebhook, false)
	if err != nil {
		t.Fatalf("process s2: %v", err)
	}
	for _, tag := range out.Applied {
		if tag == "customer" {
			t.Fatalf("default tags must not apply on deactivation: %v", out.Applied)
		}
	}
	if !equalTags(out.Applied, "status-cancelled", "t3") {
		t.Fatalf("unexpected applied tags: %v", out.Applied)
	}
}

func TestProcessActiveSiblingKeepsTags(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	crm.contacts["u1@example.com"] = "c9"
	seedSubscription(t, store, "s1", "cancelled", "active")
	seedSubscription(t, store, "s2", "active", "")

	svc := NewService(store, testRules(), crm)
	out, err := svc.Process(ctx, KindSubscription, "s1", "cancelled", OriginWebhook, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("expected completion, got %s (%s)", out.State, out.Reason)
	}
	if len(out.Removed) != 0 {
		t.Fatalf("tags justified by the active sibling must be kept, removed=%v", out.Removed)
	}
	if !equalTags(out.Applied, "t3") {
		t.Fatalf("cancelled tag must still apply: %v", out.Applied)
	}
}

func TestProcessEmitsCompletionEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	crm := newFakeCRM()
	seedSubscription(t, store, "s1", "active", "pending")

	svc := NewService(store, testRules(), crm)
	var mu sync.Mutex
	var events []CompletionEvent
	svc.RegisterCompletionListener(KindSubscription, domain.CompletionListenerFunc(func(_ context.Context, event CompletionEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}))
	svc.RegisterCompletionListener(KindOrder, domain.CompletionListenerFunc(func(_ context.Context, event CompletionEvent) {
		t.Errorf("order listener must not see subscription events: %+v", event)
	}))

	if _, err := svc.Process(ctx, KindSubscription, "s1", "active", OriginWebhook, false); err != nil {
		t.Fatalf("process: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected one completion event, got %d", len(events))
	}
	event := events[0]
	if event.ID == "" || event.EntityID != "s1" || event.Kind != KindSubscription || event.ContactID == "" {
		t.Fatalf("malformed completion event: %+v", event)
	}
}

func TestProcessUnknownEntity(t *testing.T) {
	svc := NewService(memory.New(), testRules(), newFakeCRM())
	_, err := svc.Process(context.Background(), KindSubscription, "nope", "active", OriginWebhook, false)
	var notFound domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
