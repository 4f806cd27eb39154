// Package snapshot freezes an order's reconciled metrics when it reaches a
// terminal state, or when an operator asks for a rebuild.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
	"github.com/davefmurray/tm-fastapi-backend/internal/money"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
	"github.com/davefmurray/tm-fastapi-backend/internal/variance"
)

// ErrNoTerminalDate is returned by Rebuild for an order that was never
// posted or completed and no date was given.
var ErrNoTerminalDate = errors.New("order has no terminal date")

// Store is the persistence the builder needs.
type Store interface {
	InsertSnapshot(ctx context.Context, snap repo.Snapshot) (bool, error)
	NextManualRevision(ctx context.Context, shopID, orderID int64, date string) (int, error)
}

// Builder creates immutable snapshots and attaches the variance record.
type Builder struct {
	store     Store
	validator variance.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New returns a Builder. metrics may be nil.
func New(store Store, validator variance.Validator, m *metrics.Metrics, logger *slog.Logger) *Builder {
	return &Builder{
		store:     store,
		validator: validator,
		metrics:   m,
		logger:    logger.With("component", "snapshot"),
	}
}

// Outcome reports what Capture or Rebuild did.
type Outcome struct {
	Snapshot repo.Snapshot
	Created  bool
}

// TriggerFor maps an order's status to its automatic trigger and the
// shop-local date the snapshot belongs to. Only posted and complete orders
// with a known date qualify.
func TriggerFor(o repo.Order) (trigger, date string, ok bool) {
	switch o.Status {
	case tekmetric.StatusPosted:
		if o.PostedDate != "" {
			return repo.TriggerPosted, o.PostedDate, true
		}
	case tekmetric.StatusComplete:
		if o.CompletedDate != "" {
			return repo.TriggerCompleted, o.CompletedDate, true
		}
	}
	return "", "", false
}

// Capture records the automatic snapshot for a terminal order. Non-terminal
// orders are ignored and a repeat capture is a no-op.
func (b *Builder) Capture(ctx context.Context, o repo.Order) (*Outcome, error) {
	trigger, date, ok := TriggerFor(o)
	if !ok {
		return nil, nil
	}
	return b.insert(ctx, b.build(o, trigger, date, 0))
}

// Rebuild appends a manual snapshot. Earlier snapshots are left untouched.
// An empty date selects the order's terminal date.
func (b *Builder) Rebuild(ctx context.Context, o repo.Order, date string) (*Outcome, error) {
	if date == "" {
		date = terminalDate(o)
	}
	if date == "" {
		return nil, fmt.Errorf("rebuild order %d: %w", o.UpstreamID, ErrNoTerminalDate)
	}
	rev, err := b.store.NextManualRevision(ctx, o.ShopID, o.UpstreamID, date)
	if err != nil {
		return nil, err
	}
	return b.insert(ctx, b.build(o, repo.TriggerManual, date, rev))
}

func (b *Builder) insert(ctx context.Context, snap repo.Snapshot) (*Outcome, error) {
	created, err := b.store.InsertSnapshot(ctx, snap)
	if err != nil {
		b.observe(snap.Trigger, "error")
		return nil, err
	}
	if !created {
		b.observe(snap.Trigger, "duplicate")
		return &Outcome{Snapshot: snap}, nil
	}
	b.observe(snap.Trigger, "created")
	if snap.VarianceFlagged {
		if b.metrics != nil {
			b.metrics.VarianceFlags.WithLabelValues(snap.VarianceReason).Inc()
		}
		b.logger.Warn("gp variance over threshold",
			"shop_id", snap.ShopID,
			"order_id", snap.OrderID,
			"gp_percent", snap.GPPercent,
			"variance_percent", *snap.VariancePercent,
			"reason", snap.VarianceReason,
		)
	}
	return &Outcome{Snapshot: snap, Created: true}, nil
}

func (b *Builder) build(o repo.Order, trigger, date string, revision int) repo.Snapshot {
	m := o.Metrics
	v := b.validator.Evaluate(m.Estimated.GPPercent(), m.UpstreamGPPercent, m.Diagnostics)
	return repo.Snapshot{
		ShopID:          o.ShopID,
		OrderID:         o.UpstreamID,
		OrderNumber:     o.Number,
		SnapshotDate:    date,
		Trigger:         trigger,
		Revision:        revision,
		Status:          o.Status,
		GPPercent:       money.Round2(m.Authorized.GPPercent()),
		VariancePercent: v.Percent,
		VarianceFlagged: v.Flagged,
		VarianceReason:  string(v.Reason),
		Metrics:         m,
	}
}

func (b *Builder) observe(trigger, result string) {
	if b.metrics == nil {
		return
	}
	b.metrics.Snapshots.WithLabelValues(trigger, result).Inc()
}

func terminalDate(o repo.Order) string {
	if o.PostedDate != "" {
		return o.PostedDate
	}
	return o.CompletedDate
}
