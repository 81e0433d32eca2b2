package crm

import (
	"context"
	"strings"
	"testing"

	"tagsync/pkg/domain"
)

type captureLogger struct {
	entries []string
}

func (l *captureLogger) Info(msg string, _ ...any) {
	l.entries = append(l.entries, msg)
}

func TestDryRunDeterministicContactIDs(t *testing.T) {
	ctx := context.Background()
	client := NewDryRun(&captureLogger{})

	id1, found, err := client.GetContactID(ctx, "user@example.com")
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	id2, _, _ := client.GetContactID(ctx, "  User@Example.COM ")
	if id1 != id2 {
		t.Fatalf("case and whitespace variants must map to one id: %q vs %q", id1, id2)
	}
	if !strings.HasPrefix(id1, "dryrun-") {
		t.Fatalf("unexpected id shape %q", id1)
	}

	created, err := client.AddContact(ctx, domain.ContactFields{Email: "user@example.com"})
	if err != nil || created != id1 {
		t.Fatalf("create must derive the same id: %q err=%v", created, err)
	}

	other, _, _ := client.GetContactID(ctx, "someone@example.com")
	if other == id1 {
		t.Fatalf("distinct emails must not collide")
	}
}

func TestDryRunLogsInsteadOfExecuting(t *testing.T) {
	ctx := context.Background()
	logger := &captureLogger{}
	client := NewDryRun(logger)

	if err := client.ApplyTags(ctx, "c1", []domain.TagID{"t1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := client.RemoveTags(ctx, "c1", []domain.TagID{"t2"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := client.UpdateContact(ctx, "c1", domain.ContactFields{Email: "u@example.com"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(logger.entries) != 3 {
		t.Fatalf("expected 3 logged operations, got %d: %v", len(logger.entries), logger.entries)
	}
	for _, entry := range logger.entries {
		if !strings.HasPrefix(entry, "dry-run:") {
			t.Fatalf("operation not marked dry-run: %q", entry)
		}
	}
}
