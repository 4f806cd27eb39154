package repo

import (
	"time"

	"github.com/davefmurray/tm-fastapi-backend/internal/gp"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// Outcome reports what an upsert did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// Entity types used by cursors and sync logs.
const (
	EntityEmployees    = "employees"
	EntityRepairOrders = "repair_orders"
	EntityCustomers    = "customers"
	EntityVehicles     = "vehicles"
)

// Snapshot triggers.
const (
	TriggerPosted    = "posted"
	TriggerCompleted = "completed"
	TriggerManual    = "manual"
)

// OrderMetrics is the reconciled metric payload kept on an order and copied
// verbatim into its snapshots.
type OrderMetrics struct {
	Potential           gp.Rollup             `json:"potential"`
	Authorized          gp.Rollup             `json:"authorized"`
	Estimated           gp.Rollup             `json:"estimated"`
	PendingRevenueCents int64                 `json:"pending_revenue_cents"`
	AuthorizedSource    gp.AuthorizedSource   `json:"authorized_source"`
	ProfitSource        gp.ProfitSource       `json:"profit_source"`
	UpstreamGPPercent   *float64              `json:"upstream_gp_percent,omitempty"`
	Diagnostics         gp.Diagnostics        `json:"diagnostics"`
	Technicians         []gp.TechnicianLabor  `json:"technicians,omitempty"`
	RateSources         map[gp.RateSource]int `json:"rate_sources,omitempty"`
}

// MetricsFrom flattens a reconciliation result for storage.
func MetricsFrom(res gp.Result) OrderMetrics {
	m := OrderMetrics{
		Potential:           res.Potential,
		Authorized:          res.Authorized,
		Estimated:           res.Estimated,
		PendingRevenueCents: res.PendingRevenueCents,
		AuthorizedSource:    res.AuthorizedSource,
		ProfitSource:        res.ProfitSource,
		UpstreamGPPercent:   res.UpstreamGPPercent,
		Diagnostics:         res.Diagnostics,
		Technicians:         res.Technicians(),
	}
	for _, jf := range res.Jobs {
		for _, l := range jf.Labor {
			if m.RateSources == nil {
				m.RateSources = make(map[gp.RateSource]int)
			}
			m.RateSources[l.RateSource]++
		}
	}
	return m
}

// Order is a stored repair order header with its reconciled metrics.
type Order struct {
	ID                string
	ShopID            int64
	UpstreamID        int64
	Number            int64
	Status            tekmetric.OrderStatus
	CustomerID        int64
	VehicleID         int64
	AdvisorID         int64
	PostedDate        string
	CompletedDate     string
	UpstreamUpdatedAt *time.Time
	TaxCents          int64
	DiscountCents     int64
	Metrics           OrderMetrics
	Fingerprint       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderInput is everything written for one order in a single transaction.
type OrderInput struct {
	Order Order
	Jobs  []gp.JobFigures
}

// Technician is an employee row as the rate book sees it.
type Technician struct {
	UpstreamID int64
	Name       string
	RateCents  int64
	Active     bool
}

// Snapshot is an immutable point-in-time metric record for one order.
type Snapshot struct {
	ID              string
	ShopID          int64
	OrderID         int64
	OrderNumber     int64
	SnapshotDate    string
	Trigger         string
	Revision        int
	Status          tekmetric.OrderStatus
	GPPercent       float64
	VariancePercent *float64
	VarianceFlagged bool
	VarianceReason  string
	Metrics         OrderMetrics
	CreatedAt       time.Time

	// CanonicalDate is derived on read: the day the order is counted on.
	// See CanonicalDate.
	CanonicalDate string
}

// CanonicalDate picks the day an order is counted on from its snapshot
// history: the date of its latest posted snapshot, else of its latest
// completed one, else of its latest snapshot of any kind. It is "" for an
// empty history. ListSnapshots derives the same date in SQL.
func CanonicalDate(history []Snapshot) string {
	var best *Snapshot
	for i := range history {
		s := &history[i]
		if best == nil {
			best = s
			continue
		}
		rs, rb := canonicalRank(s.Trigger), canonicalRank(best.Trigger)
		switch {
		case rs > rb:
			best = s
		case rs == rb && (s.CreatedAt.After(best.CreatedAt) ||
			s.CreatedAt.Equal(best.CreatedAt) && s.SnapshotDate > best.SnapshotDate):
			best = s
		}
	}
	if best == nil {
		return ""
	}
	return best.SnapshotDate
}

func canonicalRank(trigger string) int {
	switch trigger {
	case TriggerPosted:
		return 2
	case TriggerCompleted:
		return 1
	}
	return 0
}

// DailyMetric is the per-shop, per-day rollup of snapshots.
type DailyMetric struct {
	ShopID     int64
	MetricDate string

	OrderCount           int
	PostedCount          int
	CompletedCount       int
	VarianceFlaggedCount int

	AuthorizedRevenueCents int64
	AuthorizedCostCents    int64
	AuthorizedProfitCents  int64
	PartsRevenueCents      int64
	PartsProfitCents       int64
	LaborRevenueCents      int64
	LaborProfitCents       int64
	SubletRevenueCents     int64
	FeesRevenueCents       int64
	LaborHours             float64
	PotentialRevenueCents  int64
	PendingRevenueCents    int64

	GPPercent            float64
	AvgOrderValueCents   int64
	AvgOrderProfitCents  int64
	AvgLaborRateCents    int64
	GPPerLaborHourCents  int64
	AuthorizationPercent float64

	UpdatedAt time.Time
}

// TechnicianDailyMetric is one technician's authorized labor on one day.
type TechnicianDailyMetric struct {
	ShopID         int64
	TechnicianID   int64
	MetricDate     string
	TechnicianName string
	OrderCount     int
	LineCount      int
	Hours          float64
	RevenueCents   int64
	CostCents      int64
	ProfitCents    int64
	GPPercent      float64
	UpdatedAt      time.Time
}

// Cursor tracks incremental sync progress for one shop and entity type.
type Cursor struct {
	ShopID       int64
	EntityType   string
	LastSyncedAt *time.Time
	MaxUpdatedAt *time.Time
	LastID       int64
	UpdatedAt    time.Time
}

// SyncError is one entity-level failure recorded on a sync log.
type SyncError struct {
	EntityID int64  `json:"entity_id,omitempty"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// SyncLog is the append-only audit record of one run.
type SyncLog struct {
	ID         string
	ShopID     int64
	EntityType string
	Trigger    string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Fetched    int
	Created    int
	Updated    int
	Skipped    int
	ErrorCount int
	Errors     []SyncError
}
