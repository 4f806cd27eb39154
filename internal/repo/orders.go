package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/davefmurray/tm-fastapi-backend/internal/gp"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

const orderColumns = `id, shop_id, upstream_id, ro_number, status,
    COALESCE(customer_upstream_id, 0), COALESCE(vehicle_upstream_id, 0), COALESCE(advisor_upstream_id, 0),
    COALESCE(CAST(posted_date AS TEXT), ''), COALESCE(CAST(completed_date AS TEXT), ''),
    upstream_updated_at, tax_cents, discount_cents, metrics, fingerprint, created_at, updated_at`

// UpsertOrder writes the order header, its jobs and their line items in one
// transaction. An unchanged fingerprint skips every write.
func (s *Store) UpsertOrder(ctx context.Context, in OrderInput) (Outcome, error) {
	o := in.Order
	fp, err := fingerprint(struct {
		Number        int64
		Status        tekmetric.OrderStatus
		CustomerID    int64
		VehicleID     int64
		AdvisorID     int64
		PostedDate    string
		CompletedDate string
		TaxCents      int64
		DiscountCents int64
		Metrics       OrderMetrics
		Jobs          []gp.JobFigures
	}{o.Number, o.Status, o.CustomerID, o.VehicleID, o.AdvisorID, o.PostedDate, o.CompletedDate,
		o.TaxCents, o.DiscountCents, o.Metrics, in.Jobs})
	if err != nil {
		return "", err
	}
	metrics, err := toJSON(o.Metrics)
	if err != nil {
		return "", err
	}

	var outcome Outcome
	err = s.retryOnConflict(ctx, "repair_orders", func() error {
		return s.WithTx(ctx, func(tx *Store) error {
			id, res, err := tx.upsert(ctx, upsertSpec{
				table:   "repair_orders",
				keyCols: []string{"shop_id", "upstream_id"},
				keyVals: []any{o.ShopID, o.UpstreamID},
				cols: []string{
					"ro_number", "status", "customer_upstream_id", "vehicle_upstream_id", "advisor_upstream_id",
					"posted_date", "completed_date", "upstream_updated_at", "tax_cents", "discount_cents",
					"potential_revenue_cents", "potential_job_count",
					"authorized_revenue_cents", "authorized_cost_cents", "authorized_profit_cents", "authorized_job_count",
					"pending_revenue_cents", "authorized_source", "profit_source", "metrics",
				},
				vals: []any{
					o.Number, string(o.Status), nullID(o.CustomerID), nullID(o.VehicleID), nullID(o.AdvisorID),
					nullString(o.PostedDate), nullString(o.CompletedDate), nullTime(o.UpstreamUpdatedAt), o.TaxCents, o.DiscountCents,
					o.Metrics.Potential.RevenueCents, o.Metrics.Potential.JobCount,
					o.Metrics.Authorized.RevenueCents, o.Metrics.Authorized.CostCents, o.Metrics.Authorized.ProfitCents, o.Metrics.Authorized.JobCount,
					o.Metrics.PendingRevenueCents, string(o.Metrics.AuthorizedSource), string(o.Metrics.ProfitSource), metrics,
				},
				fp: fp,
			})
			if err != nil {
				return err
			}
			outcome = res
			if res == OutcomeUnchanged {
				return nil
			}
			return tx.replaceJobs(ctx, id, o.ShopID, in.Jobs)
		})
	})
	if err != nil {
		return "", fmt.Errorf("upsert order %d: %w", o.UpstreamID, err)
	}
	return outcome, nil
}

func (s *Store) replaceJobs(ctx context.Context, orderID string, shopID int64, jobs []gp.JobFigures) error {
	keep := make([]any, 0, len(jobs)+1)
	keep = append(keep, orderID)
	for _, jf := range jobs {
		keep = append(keep, jf.Job.ID)
	}
	stale := "DELETE FROM jobs WHERE order_id = ?"
	if len(jobs) > 0 {
		stale += " AND upstream_id NOT IN (" + placeholders(len(jobs)) + ")"
	}
	if _, err := s.exec(ctx, stale, keep...); err != nil {
		return fmt.Errorf("delete stale jobs: %w", err)
	}

	for _, jf := range jobs {
		fp, err := fingerprint(jf)
		if err != nil {
			return err
		}
		var subtotal any
		if jf.Job.SubtotalPresent {
			subtotal = jf.Job.TotalCents
		}
		jobID, res, err := s.upsert(ctx, upsertSpec{
			table:   "jobs",
			keyCols: []string{"shop_id", "upstream_id"},
			keyVals: []any{shopID, jf.Job.ID},
			cols: []string{
				"order_id", "name", "authorized", "authorized_date", "declined",
				"subtotal_cents", "revenue_cents", "cost_cents", "profit_cents",
			},
			vals: []any{
				orderID, jf.Job.Name, jf.Job.Authorized, nullTime(jf.Job.AuthorizedAt), jf.Job.Declined,
				subtotal, jf.Totals.RevenueCents, jf.Totals.CostCents, jf.Totals.ProfitCents,
			},
			fp: fp,
		})
		if err != nil {
			return err
		}
		if res == OutcomeUnchanged {
			continue
		}
		if err := s.replaceLineItems(ctx, jobID, shopID, jf); err != nil {
			return fmt.Errorf("job %d: %w", jf.Job.ID, err)
		}
	}
	return nil
}

func (s *Store) replaceLineItems(ctx context.Context, jobID string, shopID int64, jf gp.JobFigures) error {
	for _, table := range []string{"job_parts", "job_labor", "job_sublets", "job_fees"} {
		if _, err := s.exec(ctx, "DELETE FROM "+table+" WHERE job_id = ?", jobID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, p := range jf.Parts {
		_, err := s.exec(ctx, `
INSERT INTO job_parts (id, job_id, shop_id, upstream_id, name, quantity, unit_cost_cents, unit_retail_cents,
    revenue_cents, cost_cents, cost_format, quantity_ambiguous)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			randomUUID(), jobID, shopID, nullID(p.Part.ID), p.Part.Name, p.Part.Quantity, p.UnitCostCents, p.UnitRetail,
			p.RevenueCents, p.CostCents, string(p.Format), p.Ambiguous)
		if err != nil {
			return fmt.Errorf("insert part: %w", err)
		}
	}
	for _, l := range jf.Labor {
		_, err := s.exec(ctx, `
INSERT INTO job_labor (id, job_id, shop_id, upstream_id, name, hours, rate_cents, revenue_cents,
    technician_upstream_id, technician_name, cost_rate_cents, cost_cents, rate_source)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			randomUUID(), jobID, shopID, nullID(l.Labor.ID), l.Labor.Name, l.Labor.Hours, l.Labor.RateCents, l.RevenueCents,
			nullID(l.Labor.TechnicianID), nullString(l.Labor.TechnicianName), l.CostRateCents, l.CostCents, string(l.RateSource))
		if err != nil {
			return fmt.Errorf("insert labor: %w", err)
		}
	}
	for _, sub := range jf.Sublets {
		_, err := s.exec(ctx, `
INSERT INTO job_sublets (id, job_id, shop_id, upstream_id, name, revenue_cents, cost_cents)
VALUES (?, ?, ?, ?, ?, ?, ?);`,
			randomUUID(), jobID, shopID, nullID(sub.ID), sub.Name, sub.RetailCents, sub.CostCents)
		if err != nil {
			return fmt.Errorf("insert sublet: %w", err)
		}
	}
	for _, f := range jf.Fees {
		_, err := s.exec(ctx, `
INSERT INTO job_fees (id, job_id, shop_id, upstream_id, name, fee_type, revenue_cents, cost_cents, taxable, cost_bearing)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			randomUUID(), jobID, shopID, nullID(f.Fee.ID), f.Fee.Name, string(f.Fee.Type), f.RevenueCents, f.CostCents,
			f.Fee.Taxable, f.Fee.CostBearing)
		if err != nil {
			return fmt.Errorf("insert fee: %w", err)
		}
	}
	return nil
}

// GetOrder loads one stored order by natural key.
func (s *Store) GetOrder(ctx context.Context, shopID, upstreamID int64) (*Order, error) {
	row := s.queryRow(ctx,
		"SELECT "+orderColumns+" FROM repair_orders WHERE shop_id = ? AND upstream_id = ?",
		shopID, upstreamID)
	o, err := scanOrder(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", upstreamID, err)
	}
	return o, nil
}

// ListTerminalOrders returns orders posted or completed within [from, to].
func (s *Store) ListTerminalOrders(ctx context.Context, shopID int64, from, to string) ([]Order, error) {
	q := "SELECT " + orderColumns + `
FROM repair_orders
WHERE shop_id = ?
  AND ((posted_date >= ? AND posted_date <= ?) OR (completed_date >= ? AND completed_date <= ?))
ORDER BY upstream_id;`
	rs, err := s.query(ctx, q, shopID, from, to, from, to)
	if err != nil {
		return nil, fmt.Errorf("list terminal orders: %w", err)
	}
	defer rs.Close()

	var out []Order
	for rs.Next() {
		o, err := scanOrder(rs)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

// DeleteOrder removes an order with its jobs and line items. Snapshots are
// immutable history and are kept. Nothing in the sync path calls this.
func (s *Store) DeleteOrder(ctx context.Context, shopID, upstreamID int64) error {
	n, err := s.exec(ctx, "DELETE FROM repair_orders WHERE shop_id = ? AND upstream_id = ?", shopID, upstreamID)
	if err != nil {
		return fmt.Errorf("delete order %d: %w", upstreamID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrder(row scanner) (*Order, error) {
	var (
		o       Order
		status  string
		metrics []byte
	)
	err := row.Scan(&o.ID, &o.ShopID, &o.UpstreamID, &o.Number, &status,
		&o.CustomerID, &o.VehicleID, &o.AdvisorID,
		&o.PostedDate, &o.CompletedDate,
		&o.UpstreamUpdatedAt, &o.TaxCents, &o.DiscountCents, &metrics, &o.Fingerprint, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = tekmetric.OrderStatus(status)
	o.PostedDate = dateOnly(o.PostedDate)
	o.CompletedDate = dateOnly(o.CompletedDate)
	if err := fromJSON(metrics, &o.Metrics); err != nil {
		return nil, err
	}
	return &o, nil
}

// dateOnly trims any time suffix a driver may render on a date column.
func dateOnly(s string) string {
	if len(s) > 10 && strings.IndexByte(s, '-') == 4 {
		return s[:10]
	}
	return s
}
