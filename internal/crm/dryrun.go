// Package crm provides CRM client implementations that do not talk to a
// real CRM. The production client lives with the deployment; the engine only
// depends on the domain contract.
package crm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"tagsync/pkg/domain"
)

// DryRun implements the CRM contract without side effects: contact ids are
// derived deterministically from the email address, and every tag operation
// is logged instead of executed. Used by the CLI's --dry-run reconciliation.
type DryRun struct {
	logger Logger
}

// Logger matches the engine's structured logger surface.
type Logger interface {
	Info(msg string, args ...any)
}

// NewDryRun constructs a dry-run client. logger must not be nil.
func NewDryRun(logger Logger) *DryRun {
	return &DryRun{logger: logger}
}

// Compile-time contract assertion.
var _ domain.CRMClient = (*DryRun)(nil)

func contactIDFor(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "dryrun-" + hex.EncodeToString(sum[:6])
}

// GetContactID always resolves, deriving the id from the email.
func (d *DryRun) GetContactID(_ context.Context, email string) (string, bool, error) {
	return contactIDFor(email), true, nil
}

// AddContact fabricates a contact id without creating anything.
func (d *DryRun) AddContact(_ context.Context, fields domain.ContactFields) (string, error) {
	id := contactIDFor(fields.Email)
	d.logger.Info("dry-run: would create contact", "contact_id", id, "email", fields.Email)
	return id, nil
}

// UpdateContact logs the would-be update.
func (d *DryRun) UpdateContact(_ context.Context, contactID string, fields domain.ContactFields) error {
	d.logger.Info("dry-run: would update contact", "contact_id", contactID, "email", fields.Email)
	return nil
}

// ApplyTags logs the would-be application.
func (d *DryRun) ApplyTags(_ context.Context, contactID string, tags []domain.TagID) error {
	d.logger.Info("dry-run: would apply tags", "contact_id", contactID, "tags", tags)
	return nil
}

// RemoveTags logs the would-be removal.
func (d *DryRun) RemoveTags(_ context.Context, contactID string, tags []domain.TagID) error {
	d.logger.Info("dry-run: would remove tags", "contact_id", contactID, "tags", tags)
	return nil
}
