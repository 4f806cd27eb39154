// Package audit records one append-only log entry per sync run.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
)

// maxErrors bounds the stored error list; ErrorCount keeps the full count.
const maxErrors = 100

// Store persists finished runs.
type Store interface {
	InsertSyncLog(ctx context.Context, l *repo.SyncLog) error
}

// Recorder opens runs.
type Recorder struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Recorder. metrics may be nil.
func New(store Store, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "audit"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run accumulates counts for one sync run. It is safe for concurrent use by
// the run's workers.
type Run struct {
	rec *Recorder
	mu  sync.Mutex
	log repo.SyncLog
}

// Start opens a run.
func (r *Recorder) Start(shopID int64, entity, trigger string) *Run {
	r.logger.Info("sync run started", "shop_id", shopID, "entity_type", entity, "trigger", trigger)
	return &Run{
		rec: r,
		log: repo.SyncLog{
			ShopID:     shopID,
			EntityType: entity,
			Trigger:    trigger,
			StartedAt:  r.now(),
		},
	}
}

// Fetched counts n entities received from upstream.
func (run *Run) Fetched(n int) {
	run.mu.Lock()
	run.log.Fetched += n
	run.mu.Unlock()
}

// Record counts one upsert outcome. Unchanged rows count as skipped.
func (run *Run) Record(o repo.Outcome) {
	run.mu.Lock()
	switch o {
	case repo.OutcomeCreated:
		run.log.Created++
	case repo.OutcomeUpdated:
		run.log.Updated++
	default:
		run.log.Skipped++
	}
	run.mu.Unlock()
	run.observe(string(o))
}

// Skip counts an entity that was deliberately not written.
func (run *Run) Skip() {
	run.mu.Lock()
	run.log.Skipped++
	run.mu.Unlock()
	run.observe("skipped")
}

// Fail records an entity-level error. The run continues.
func (run *Run) Fail(entityID int64, stage string, err error) {
	run.mu.Lock()
	run.log.ErrorCount++
	if len(run.log.Errors) < maxErrors {
		run.log.Errors = append(run.log.Errors, repo.SyncError{EntityID: entityID, Stage: stage, Message: err.Error()})
	}
	run.mu.Unlock()
	run.observe("error")
	run.rec.logger.Warn("sync entity failed",
		"shop_id", run.log.ShopID,
		"entity_type", run.log.EntityType,
		"entity_id", entityID,
		"stage", stage,
		"error", err,
	)
}

// Finish closes the run and stores its log entry. runErr marks the run
// failed; otherwise any entity error makes it partial. The entry is written
// even when ctx was cancelled.
func (run *Run) Finish(ctx context.Context, runErr error) (*repo.SyncLog, error) {
	run.mu.Lock()
	entry := run.log
	entry.Errors = append([]repo.SyncError(nil), run.log.Errors...)
	run.mu.Unlock()

	entry.FinishedAt = run.rec.now()
	switch {
	case runErr != nil:
		entry.Status = repo.SyncFailed
		entry.ErrorCount++
		entry.Errors = append(entry.Errors, repo.SyncError{Stage: "run", Message: runErr.Error()})
	case entry.ErrorCount > 0:
		entry.Status = repo.SyncPartial
	default:
		entry.Status = repo.SyncCompleted
	}

	if m := run.rec.metrics; m != nil {
		m.SyncRuns.WithLabelValues(entry.EntityType, entry.Status).Inc()
		m.SyncDuration.WithLabelValues(entry.EntityType).Observe(entry.FinishedAt.Sub(entry.StartedAt).Seconds())
	}

	attrs := []any{
		"shop_id", entry.ShopID,
		"entity_type", entry.EntityType,
		"status", entry.Status,
		"fetched", entry.Fetched,
		"created", entry.Created,
		"updated", entry.Updated,
		"skipped", entry.Skipped,
		"errors", entry.ErrorCount,
		"duration", entry.FinishedAt.Sub(entry.StartedAt).String(),
	}
	if runErr != nil {
		run.rec.logger.Error("sync run failed", append(attrs, "error", runErr)...)
	} else {
		run.rec.logger.Info("sync run finished", attrs...)
	}

	if err := run.rec.store.InsertSyncLog(context.WithoutCancel(ctx), &entry); err != nil {
		return &entry, err
	}
	return &entry, nil
}

func (run *Run) observe(outcome string) {
	if m := run.rec.metrics; m != nil {
		m.SyncEntities.WithLabelValues(run.log.EntityType, outcome).Inc()
	}
}
