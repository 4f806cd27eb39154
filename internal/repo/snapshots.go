package repo

import (
	"context"
	"fmt"

	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// InsertSnapshot stores an immutable snapshot. A second insert with the same
// identity (order, date, trigger, revision) is a no-op and reports false.
func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot) (bool, error) {
	metrics, err := toJSON(snap.Metrics)
	if err != nil {
		return false, err
	}
	if snap.ID == "" {
		snap.ID = randomUUID()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	n, err := s.exec(ctx, `
INSERT INTO order_snapshots (id, shop_id, order_id, ro_number, snapshot_date, trigger_type, revision, status,
    gp_percent, variance_percent, variance_flagged, variance_reason, metrics, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (shop_id, order_id, snapshot_date, trigger_type, revision) DO NOTHING;`,
		snap.ID, snap.ShopID, snap.OrderID, snap.OrderNumber, snap.SnapshotDate, snap.Trigger, snap.Revision,
		string(snap.Status), snap.GPPercent, snap.VariancePercent, snap.VarianceFlagged, nullString(snap.VarianceReason),
		metrics, snap.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert snapshot for order %d: %w", snap.OrderID, err)
	}
	return n > 0, nil
}

// NextManualRevision returns the revision a new manual snapshot of the order
// on date should carry.
func (s *Store) NextManualRevision(ctx context.Context, shopID, orderID int64, date string) (int, error) {
	var rev int
	err := s.queryRow(ctx, `
SELECT COALESCE(MAX(revision), 0)
FROM order_snapshots
WHERE shop_id = ? AND order_id = ? AND snapshot_date = ? AND trigger_type = ?;`,
		shopID, orderID, date, TriggerManual,
	).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("next manual revision: %w", err)
	}
	return rev + 1, nil
}

const snapshotColumns = `s.id, s.shop_id, s.order_id, s.ro_number, CAST(s.snapshot_date AS TEXT), s.trigger_type, s.revision,
    s.status, s.gp_percent, s.variance_percent, s.variance_flagged, COALESCE(s.variance_reason, ''), s.metrics, s.created_at`

// ListSnapshots returns every snapshot dated date, each with the
// CanonicalDate of its order derived from the order's whole history.
func (s *Store) ListSnapshots(ctx context.Context, shopID int64, date string) ([]Snapshot, error) {
	q := "SELECT " + snapshotColumns + `,
    COALESCE(
        (SELECT CAST(p.snapshot_date AS TEXT) FROM order_snapshots p
         WHERE p.shop_id = s.shop_id AND p.order_id = s.order_id AND p.trigger_type = ?
         ORDER BY p.created_at DESC, p.snapshot_date DESC LIMIT 1),
        (SELECT CAST(c.snapshot_date AS TEXT) FROM order_snapshots c
         WHERE c.shop_id = s.shop_id AND c.order_id = s.order_id AND c.trigger_type = ?
         ORDER BY c.created_at DESC, c.snapshot_date DESC LIMIT 1),
        (SELECT CAST(m.snapshot_date AS TEXT) FROM order_snapshots m
         WHERE m.shop_id = s.shop_id AND m.order_id = s.order_id
         ORDER BY m.created_at DESC, m.snapshot_date DESC LIMIT 1))
FROM order_snapshots s
WHERE s.shop_id = ? AND s.snapshot_date = ?
ORDER BY s.order_id, s.trigger_type, s.revision;`
	rs, err := s.query(ctx, q, TriggerPosted, TriggerCompleted, shopID, date)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return collect(rs, func(row scanner) (Snapshot, error) {
		snap, err := scanSnapshot(row, true)
		if err != nil {
			return Snapshot{}, err
		}
		return *snap, nil
	})
}

// ListOrderSnapshots returns the snapshot history of one order, oldest first.
func (s *Store) ListOrderSnapshots(ctx context.Context, shopID, orderID int64) ([]Snapshot, error) {
	q := "SELECT " + snapshotColumns + `
FROM order_snapshots s
WHERE s.shop_id = ? AND s.order_id = ?
ORDER BY s.snapshot_date, s.created_at, s.revision;`
	rs, err := s.query(ctx, q, shopID, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order snapshots: %w", err)
	}
	return collect(rs, func(row scanner) (Snapshot, error) {
		snap, err := scanSnapshot(row, false)
		if err != nil {
			return Snapshot{}, err
		}
		return *snap, nil
	})
}

// ListSnapshotDates returns the distinct snapshot dates in [from, to].
func (s *Store) ListSnapshotDates(ctx context.Context, shopID int64, from, to string) ([]string, error) {
	rs, err := s.query(ctx, `
SELECT DISTINCT CAST(snapshot_date AS TEXT)
FROM order_snapshots
WHERE shop_id = ? AND snapshot_date >= ? AND snapshot_date <= ?
ORDER BY 1;`, shopID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list snapshot dates: %w", err)
	}
	return collect(rs, func(row scanner) (string, error) {
		var d string
		if err := row.Scan(&d); err != nil {
			return "", err
		}
		return dateOnly(d), nil
	})
}

func scanSnapshot(row scanner, withCanonical bool) (*Snapshot, error) {
	var (
		snap    Snapshot
		status  string
		metrics []byte
	)
	dest := []any{&snap.ID, &snap.ShopID, &snap.OrderID, &snap.OrderNumber, &snap.SnapshotDate, &snap.Trigger, &snap.Revision,
		&status, &snap.GPPercent, &snap.VariancePercent, &snap.VarianceFlagged, &snap.VarianceReason, &metrics, &snap.CreatedAt}
	if withCanonical {
		dest = append(dest, &snap.CanonicalDate)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	snap.Status = tekmetric.OrderStatus(status)
	snap.SnapshotDate = dateOnly(snap.SnapshotDate)
	if snap.CanonicalDate != "" {
		snap.CanonicalDate = dateOnly(snap.CanonicalDate)
	}
	if err := fromJSON(metrics, &snap.Metrics); err != nil {
		return nil, err
	}
	return &snap, nil
}

// collect drains rs through scan and closes it.
func collect[T any](rs rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rs.Close()
	var out []T
	for rs.Next() {
		v, err := scan(rs)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
