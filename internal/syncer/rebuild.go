package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
)

// RebuildResult summarises an offline rebuild.
type RebuildResult struct {
	Orders    int `json:"orders"`
	Snapshots int `json:"snapshots"`
	Days      int `json:"days"`
	Errors    int `json:"errors"`
}

// Rebuild regenerates manual snapshots for every stored terminal order
// counted in [from, to], then rebuilds the daily rows of that range. An
// order is counted on its canonical date, so one completed inside the range
// but posted after it is left to the posting day. With metricsOnly only the
// daily rows are rebuilt. Nothing is fetched from upstream.
func (s *Syncer) Rebuild(ctx context.Context, shopID int64, from, to time.Time, metricsOnly bool) (*RebuildResult, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("rebuild range ends before it starts: %s > %s", from.Format(dateLayout), to.Format(dateLayout))
	}
	start, end := from.Format(dateLayout), to.Format(dateLayout)
	logger := s.logger.With("shop_id", shopID, "from", start, "to", end)
	res := &RebuildResult{}

	if !metricsOnly {
		orders, err := s.store.ListTerminalOrders(ctx, shopID, start, end)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		for _, o := range orders {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			history, err := s.store.ListOrderSnapshots(ctx, shopID, o.UpstreamID)
			if err != nil {
				res.Errors++
				logger.Warn("load snapshot history failed", "order_id", o.UpstreamID, "error", err)
				continue
			}
			date := countedOn(o, history)
			if date < start || date > end {
				continue
			}
			res.Orders++
			out, err := s.snapshots.Rebuild(ctx, o, date)
			if err != nil {
				res.Errors++
				logger.Warn("rebuild snapshot failed", "order_id", o.UpstreamID, "error", err)
				continue
			}
			if out.Created {
				res.Snapshots++
			}
		}
	}

	days, err := s.aggregator.RebuildRange(ctx, shopID, start, end)
	res.Days = days
	if err != nil {
		return res, err
	}
	logger.Info("rebuild finished", "orders", res.Orders, "snapshots", res.Snapshots, "days", res.Days, "errors", res.Errors)
	return res, nil
}

// countedOn is the order's canonical date, falling back to its own
// terminal date before it has any snapshot.
func countedOn(o repo.Order, history []repo.Snapshot) string {
	if d := repo.CanonicalDate(history); d != "" {
		return d
	}
	if o.PostedDate != "" {
		return o.PostedDate
	}
	return o.CompletedDate
}
