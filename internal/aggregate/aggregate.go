// Package aggregate rolls a day's snapshots into the shop and technician
// daily metric rows. It never reads line items.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/davefmurray/tm-fastapi-backend/internal/money"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// UnassignedName labels labor with no technician.
const UnassignedName = "Unassigned"

// Store is the persistence the aggregator needs.
type Store interface {
	ListSnapshots(ctx context.Context, shopID int64, date string) ([]repo.Snapshot, error)
	ListSnapshotDates(ctx context.Context, shopID int64, from, to string) ([]string, error)
	UpsertDailyMetric(ctx context.Context, m repo.DailyMetric) error
	ReplaceTechnicianMetrics(ctx context.Context, shopID int64, date string, techs []repo.TechnicianDailyMetric) error
}

// Aggregator rebuilds daily rows from snapshots.
type Aggregator struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger.With("component", "aggregate")}
}

// RebuildDay recomputes the rows for one date. A day with no snapshots is
// left alone and reports nil. A day whose snapshots were all superseded
// gets a zero row.
func (a *Aggregator) RebuildDay(ctx context.Context, shopID int64, date string) (*repo.DailyMetric, error) {
	snaps, err := a.store.ListSnapshots(ctx, shopID, date)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	chosen := Select(snaps)
	daily := Summarize(shopID, date, chosen)
	if err := a.store.UpsertDailyMetric(ctx, daily); err != nil {
		return nil, err
	}
	if err := a.store.ReplaceTechnicianMetrics(ctx, shopID, date, Technicians(shopID, date, chosen)); err != nil {
		return nil, err
	}
	a.logger.Debug("daily metric rebuilt",
		"shop_id", shopID,
		"date", date,
		"orders", daily.OrderCount,
		"gp_percent", daily.GPPercent,
	)
	return &daily, nil
}

// RebuildRange rebuilds every date in [from, to] that has snapshots and
// returns how many days were written.
func (a *Aggregator) RebuildRange(ctx context.Context, shopID int64, from, to string) (int, error) {
	dates, err := a.store.ListSnapshotDates(ctx, shopID, from, to)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		daily, err := a.RebuildDay(ctx, shopID, date)
		if err != nil {
			return n, fmt.Errorf("rebuild %s: %w", date, err)
		}
		if daily != nil {
			n++
		}
	}
	return n, nil
}

// Select keeps one snapshot per order: the latest manual revision, else the
// posted one, else the completed one. Snapshots off the order's canonical
// date are dropped, so an order completed one day and posted the next is
// counted on its posting day only.
func Select(snaps []repo.Snapshot) []repo.Snapshot {
	best := make(map[int64]repo.Snapshot, len(snaps))
	for _, s := range snaps {
		if s.CanonicalDate != "" && s.SnapshotDate != s.CanonicalDate {
			continue
		}
		cur, ok := best[s.OrderID]
		if !ok || outranks(s, cur) {
			best[s.OrderID] = s
		}
	}
	out := make([]repo.Snapshot, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func outranks(a, b repo.Snapshot) bool {
	ra, rb := rank(a.Trigger), rank(b.Trigger)
	if ra != rb {
		return ra > rb
	}
	return a.Revision > b.Revision
}

func rank(trigger string) int {
	switch trigger {
	case repo.TriggerManual:
		return 3
	case repo.TriggerPosted:
		return 2
	case repo.TriggerCompleted:
		return 1
	}
	return 0
}

// Summarize sums the snapshots and derives every ratio from the sums.
func Summarize(shopID int64, date string, snaps []repo.Snapshot) repo.DailyMetric {
	d := repo.DailyMetric{ShopID: shopID, MetricDate: date, OrderCount: len(snaps)}
	for _, s := range snaps {
		switch s.Status {
		case tekmetric.StatusPosted:
			d.PostedCount++
		case tekmetric.StatusComplete:
			d.CompletedCount++
		}
		if s.VarianceFlagged {
			d.VarianceFlaggedCount++
		}
		a := s.Metrics.Authorized
		d.AuthorizedRevenueCents += a.RevenueCents
		d.AuthorizedCostCents += a.CostCents
		d.AuthorizedProfitCents += a.ProfitCents
		d.PartsRevenueCents += a.PartsRevenueCents
		d.PartsProfitCents += a.PartsProfitCents
		d.LaborRevenueCents += a.LaborRevenueCents
		d.LaborProfitCents += a.LaborProfitCents
		d.SubletRevenueCents += a.SubletRevenueCents
		d.FeesRevenueCents += a.FeesRevenueCents
		d.LaborHours += a.LaborHours
		d.PotentialRevenueCents += s.Metrics.Potential.RevenueCents
		d.PendingRevenueCents += s.Metrics.PendingRevenueCents
	}
	d.LaborHours = money.Round2(d.LaborHours)
	d.GPPercent = money.Percent(d.AuthorizedProfitCents, d.AuthorizedRevenueCents)
	if d.OrderCount > 0 {
		d.AvgOrderValueCents = d.AuthorizedRevenueCents / int64(d.OrderCount)
		d.AvgOrderProfitCents = d.AuthorizedProfitCents / int64(d.OrderCount)
	}
	d.AvgLaborRateCents = money.PerHour(d.LaborRevenueCents, d.LaborHours)
	d.GPPerLaborHourCents = money.PerHour(d.LaborProfitCents, d.LaborHours)
	d.AuthorizationPercent = money.Percent(d.AuthorizedRevenueCents, d.PotentialRevenueCents)
	return d
}

// Technicians groups the authorized labor embedded in the snapshots by
// technician.
func Technicians(shopID int64, date string, snaps []repo.Snapshot) []repo.TechnicianDailyMetric {
	byID := make(map[int64]*repo.TechnicianDailyMetric)
	for _, s := range snaps {
		for _, t := range s.Metrics.Technicians {
			m, ok := byID[t.TechnicianID]
			if !ok {
				m = &repo.TechnicianDailyMetric{ShopID: shopID, TechnicianID: t.TechnicianID, MetricDate: date}
				byID[t.TechnicianID] = m
			}
			if m.TechnicianName == "" {
				m.TechnicianName = t.Name
			}
			m.OrderCount++
			m.LineCount += t.Lines
			m.Hours += t.Hours
			m.RevenueCents += t.RevenueCents
			m.CostCents += t.CostCents
		}
	}
	out := make([]repo.TechnicianDailyMetric, 0, len(byID))
	for _, m := range byID {
		if m.TechnicianID == 0 {
			m.TechnicianName = UnassignedName
		}
		m.Hours = money.Round2(m.Hours)
		m.ProfitCents = m.RevenueCents - m.CostCents
		m.GPPercent = money.Percent(m.ProfitCents, m.RevenueCents)
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TechnicianID < out[j].TechnicianID })
	return out
}
