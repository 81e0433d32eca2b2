package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tagsync/internal/archive"
)

// EntityOutcome records one entity's result within a reconciliation run.
type EntityOutcome struct {
	EntityID string       `json:"entity_id"`
	State    ProcessState `json:"state"`
	Reason   string       `json:"reason,omitempty"`
	Error    string       `json:"error,omitempty"`
	Applied  []TagID      `json:"applied,omitempty"`
	Removed  []TagID      `json:"removed,omitempty"`
}

// ReconcileReport summarizes a full reconciliation sweep over one kind.
type ReconcileReport struct {
	ID         string          `json:"id"`
	Kind       EntityKind      `json:"kind"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Processed  int             `json:"processed"`
	Completed  int             `json:"completed"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Entities   []EntityOutcome `json:"entities"`
}

// Reconciler re-derives correct tag state for every entity of a kind. It is
// the out-of-band repair path for backfills and drift correction, reusing
// the synchronizer with force set so the idempotent short-circuit is
// bypassed. One entity's failure never aborts the sweep.
type Reconciler struct {
	service *Service
	store   EntityStore
	archive archive.Store
	logger  Logger
	clock   func() time.Time
}

// NewReconciler constructs a reconciler. archiveStore may be nil, in which
// case reports are not persisted. logger may be nil.
func NewReconciler(service *Service, store EntityStore, archiveStore archive.Store, logger Logger) *Reconciler {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Reconciler{
		service: service,
		store:   store,
		archive: archiveStore,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps all entities of kind, forcing a resynchronization of each
// against its current status, and archives the run report.
func (r *Reconciler) Run(ctx context.Context, kind EntityKind) (ReconcileReport, error) {
	report := ReconcileReport{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: r.clock(),
	}

	entities, err := r.store.ListEntities(ctx, kind)
	if err != nil {
		return report, err
	}
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := EntityOutcome{EntityID: entity.ID}
		out, err := r.service.Process(ctx, kind, entity.ID, entity.Status, OriginInternal, true)
		outcome.State = out.State
		outcome.Reason = out.Reason
		outcome.Applied = out.Applied
		outcome.Removed = out.Removed
		if err != nil {
			outcome.Error = err.Error()
			r.logger.Error("reconcile entity failed", "kind", kind, "entity_id", entity.ID, "error", err)
		}
		report.Processed++
		switch {
		case err != nil || out.State == StateFailed:
			report.Failed++
		case out.State == StateCompleted:
			report.Completed++
		default:
			report.Skipped++
		}
		report.Entities = append(report.Entities, outcome)
	}
	report.FinishedAt = r.clock()

	if r.archive != nil {
		if err := r.persist(ctx, report); err != nil {
			r.logger.Error("archive reconcile report failed", "report_id", report.ID, "error", err)
		}
	}
	r.logger.Info("reconciliation finished",
		"kind", kind, "report_id", report.ID,
		"processed", report.Processed, "completed", report.Completed,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

func (r *Reconciler) persist(ctx context.Context, report ReconcileReport) error {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	key := fmt.Sprintf("reconcile/%s/%s-%s.json",
		report.Kind, report.StartedAt.Format("20060102T150405Z"), report.ID)
	_, err = r.archive.Put(ctx, key, payload, "application/json")
	return err
}
