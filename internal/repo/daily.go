package repo

import (
	"context"
	"fmt"
)

const dailyColumns = `shop_id, metric_date, order_count, posted_count, completed_count, variance_flagged_count,
    authorized_revenue_cents, authorized_cost_cents, authorized_profit_cents,
    parts_revenue_cents, parts_profit_cents, labor_revenue_cents, labor_profit_cents,
    sublet_revenue_cents, fees_revenue_cents, labor_hours, potential_revenue_cents, pending_revenue_cents,
    gp_percent, avg_order_value_cents, avg_order_profit_cents, avg_labor_rate_cents,
    gp_per_labor_hour_cents, authorization_percent, updated_at`

// UpsertDailyMetric replaces the rollup row for (shop, date).
func (s *Store) UpsertDailyMetric(ctx context.Context, m DailyMetric) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = s.now()
	}
	_, err := s.exec(ctx, `
INSERT INTO daily_shop_metrics (`+dailyColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, metric_date) DO UPDATE SET
    order_count = excluded.order_count,
    posted_count = excluded.posted_count,
    completed_count = excluded.completed_count,
    variance_flagged_count = excluded.variance_flagged_count,
    authorized_revenue_cents = excluded.authorized_revenue_cents,
    authorized_cost_cents = excluded.authorized_cost_cents,
    authorized_profit_cents = excluded.authorized_profit_cents,
    parts_revenue_cents = excluded.parts_revenue_cents,
    parts_profit_cents = excluded.parts_profit_cents,
    labor_revenue_cents = excluded.labor_revenue_cents,
    labor_profit_cents = excluded.labor_profit_cents,
    sublet_revenue_cents = excluded.sublet_revenue_cents,
    fees_revenue_cents = excluded.fees_revenue_cents,
    labor_hours = excluded.labor_hours,
    potential_revenue_cents = excluded.potential_revenue_cents,
    pending_revenue_cents = excluded.pending_revenue_cents,
    gp_percent = excluded.gp_percent,
    avg_order_value_cents = excluded.avg_order_value_cents,
    avg_order_profit_cents = excluded.avg_order_profit_cents,
    avg_labor_rate_cents = excluded.avg_labor_rate_cents,
    gp_per_labor_hour_cents = excluded.gp_per_labor_hour_cents,
    authorization_percent = excluded.authorization_percent,
    updated_at = excluded.updated_at;`,
		m.ShopID, m.MetricDate, m.OrderCount, m.PostedCount, m.CompletedCount, m.VarianceFlaggedCount,
		m.AuthorizedRevenueCents, m.AuthorizedCostCents, m.AuthorizedProfitCents,
		m.PartsRevenueCents, m.PartsProfitCents, m.LaborRevenueCents, m.LaborProfitCents,
		m.SubletRevenueCents, m.FeesRevenueCents, m.LaborHours, m.PotentialRevenueCents, m.PendingRevenueCents,
		m.GPPercent, m.AvgOrderValueCents, m.AvgOrderProfitCents, m.AvgLaborRateCents,
		m.GPPerLaborHourCents, m.AuthorizationPercent, m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert daily metric %s: %w", m.MetricDate, err)
	}
	return nil
}

// GetDailyMetric loads the rollup for one day.
func (s *Store) GetDailyMetric(ctx context.Context, shopID int64, date string) (*DailyMetric, error) {
	q := "SELECT " + selectDaily + " FROM daily_shop_metrics WHERE shop_id = ? AND metric_date = ?"
	m, err := scanDaily(s.queryRow(ctx, q, shopID, date))
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily metric %s: %w", date, err)
	}
	return &m, nil
}

// ListDailyMetrics returns the rollups in [from, to] ordered by date.
func (s *Store) ListDailyMetrics(ctx context.Context, shopID int64, from, to string) ([]DailyMetric, error) {
	q := "SELECT " + selectDaily + `
FROM daily_shop_metrics
WHERE shop_id = ? AND metric_date >= ? AND metric_date <= ?
ORDER BY metric_date;`
	rs, err := s.query(ctx, q, shopID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list daily metrics: %w", err)
	}
	return collect(rs, scanDaily)
}

// selectDaily is dailyColumns with the date rendered as text.
const selectDaily = `shop_id, CAST(metric_date AS TEXT), order_count, posted_count, completed_count, variance_flagged_count,
    authorized_revenue_cents, authorized_cost_cents, authorized_profit_cents,
    parts_revenue_cents, parts_profit_cents, labor_revenue_cents, labor_profit_cents,
    sublet_revenue_cents, fees_revenue_cents, labor_hours, potential_revenue_cents, pending_revenue_cents,
    gp_percent, avg_order_value_cents, avg_order_profit_cents, avg_labor_rate_cents,
    gp_per_labor_hour_cents, authorization_percent, updated_at`

func scanDaily(row scanner) (DailyMetric, error) {
	var m DailyMetric
	err := row.Scan(&m.ShopID, &m.MetricDate, &m.OrderCount, &m.PostedCount, &m.CompletedCount, &m.VarianceFlaggedCount,
		&m.AuthorizedRevenueCents, &m.AuthorizedCostCents, &m.AuthorizedProfitCents,
		&m.PartsRevenueCents, &m.PartsProfitCents, &m.LaborRevenueCents, &m.LaborProfitCents,
		&m.SubletRevenueCents, &m.FeesRevenueCents, &m.LaborHours, &m.PotentialRevenueCents, &m.PendingRevenueCents,
		&m.GPPercent, &m.AvgOrderValueCents, &m.AvgOrderProfitCents, &m.AvgLaborRateCents,
		&m.GPPerLaborHourCents, &m.AuthorizationPercent, &m.UpdatedAt)
	m.MetricDate = dateOnly(m.MetricDate)
	return m, err
}

// ReplaceTechnicianMetrics swaps the technician rows of one day for techs.
func (s *Store) ReplaceTechnicianMetrics(ctx context.Context, shopID int64, date string, techs []TechnicianDailyMetric) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.exec(ctx,
			"DELETE FROM technician_daily_metrics WHERE shop_id = ? AND metric_date = ?", shopID, date); err != nil {
			return fmt.Errorf("clear technician metrics %s: %w", date, err)
		}
		now := tx.now()
		for _, m := range techs {
			_, err := tx.exec(ctx, `
INSERT INTO technician_daily_metrics (shop_id, technician_id, metric_date, technician_name, order_count, line_count,
    hours, revenue_cents, cost_cents, profit_cents, gp_percent, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
				shopID, m.TechnicianID, date, m.TechnicianName, m.OrderCount, m.LineCount,
				m.Hours, m.RevenueCents, m.CostCents, m.ProfitCents, m.GPPercent, now)
			if err != nil {
				return fmt.Errorf("insert technician metric %d: %w", m.TechnicianID, err)
			}
		}
		return nil
	})
}

// ListTechnicianMetrics returns one day's technician rows ordered by id.
func (s *Store) ListTechnicianMetrics(ctx context.Context, shopID int64, date string) ([]TechnicianDailyMetric, error) {
	rs, err := s.query(ctx, `
SELECT shop_id, technician_id, CAST(metric_date AS TEXT), technician_name, order_count, line_count,
    hours, revenue_cents, cost_cents, profit_cents, gp_percent, updated_at
FROM technician_daily_metrics
WHERE shop_id = ? AND metric_date = ?
ORDER BY technician_id;`, shopID, date)
	if err != nil {
		return nil, fmt.Errorf("list technician metrics: %w", err)
	}
	return collect(rs, func(row scanner) (TechnicianDailyMetric, error) {
		var m TechnicianDailyMetric
		err := row.Scan(&m.ShopID, &m.TechnicianID, &m.MetricDate, &m.TechnicianName, &m.OrderCount, &m.LineCount,
			&m.Hours, &m.RevenueCents, &m.CostCents, &m.ProfitCents, &m.GPPercent, &m.UpdatedAt)
		m.MetricDate = dateOnly(m.MetricDate)
		return m, err
	})
}
