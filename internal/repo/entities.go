package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// upsertSpec describes an insert-or-update on a natural key.
type upsertSpec struct {
	table   string
	keyCols []string
	keyVals []any
	cols    []string
	vals    []any
	fp      string
}

// upsert skips the write when the stored fingerprint matches, otherwise
// inserts or updates atomically on the natural key. It returns the row id.
func (s *Store) upsert(ctx context.Context, spec upsertSpec) (string, Outcome, error) {
	var (
		id      string
		outcome Outcome
	)
	err := s.retryOnConflict(ctx, spec.table, func() error {
		where := make([]string, len(spec.keyCols))
		for i, c := range spec.keyCols {
			where[i] = c + " = ?"
		}
		var existing string
		err := s.queryRow(ctx,
			"SELECT id, fingerprint FROM "+spec.table+" WHERE "+strings.Join(where, " AND "),
			spec.keyVals...,
		).Scan(&id, &existing)
		switch {
		case isNoRows(err):
			outcome = OutcomeCreated
		case err != nil:
			return fmt.Errorf("lookup %s: %w", spec.table, err)
		case existing == spec.fp:
			outcome = OutcomeUnchanged
			return nil
		default:
			outcome = OutcomeUpdated
		}

		now := s.now()
		cols := make([]string, 0, len(spec.keyCols)+len(spec.cols)+4)
		cols = append(cols, "id")
		cols = append(cols, spec.keyCols...)
		cols = append(cols, spec.cols...)
		cols = append(cols, "fingerprint", "created_at", "updated_at")

		args := make([]any, 0, len(cols))
		args = append(args, randomUUID())
		args = append(args, spec.keyVals...)
		args = append(args, spec.vals...)
		args = append(args, spec.fp, now, now)

		sets := make([]string, 0, len(spec.cols)+2)
		for _, c := range spec.cols {
			sets = append(sets, c+" = excluded."+c)
		}
		sets = append(sets, "fingerprint = excluded.fingerprint", "updated_at = excluded.updated_at")

		q := "INSERT INTO " + spec.table + " (" + strings.Join(cols, ", ") + ")\n" +
			"VALUES (" + placeholders(len(cols)) + ")\n" +
			"ON CONFLICT (" + strings.Join(spec.keyCols, ", ") + ") DO UPDATE SET\n    " +
			strings.Join(sets, ",\n    ") + "\nRETURNING id;"
		if err := s.queryRow(ctx, q, args...).Scan(&id); err != nil {
			return fmt.Errorf("upsert %s: %w", spec.table, err)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return id, outcome, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// UpsertShop stores the shop header.
func (s *Store) UpsertShop(ctx context.Context, shop tekmetric.Shop) (Outcome, error) {
	fp, err := fingerprint(shop)
	if err != nil {
		return "", err
	}
	_, outcome, err := s.upsert(ctx, upsertSpec{
		table:   "shops",
		keyCols: []string{"upstream_id"},
		keyVals: []any{shop.ID},
		cols:    []string{"name", "timezone"},
		vals:    []any{shop.Name, shop.Timezone},
		fp:      fp,
	})
	return outcome, err
}

// UpsertEmployee stores an employee. Employees are never deleted locally.
func (s *Store) UpsertEmployee(ctx context.Context, shopID int64, e tekmetric.Employee) (Outcome, error) {
	fp, err := fingerprint(e)
	if err != nil {
		return "", err
	}
	_, outcome, err := s.upsert(ctx, upsertSpec{
		table:   "employees",
		keyCols: []string{"shop_id", "upstream_id"},
		keyVals: []any{shopID, e.ID},
		cols: []string{
			"first_name", "last_name", "display_name", "email", "role",
			"hourly_rate_cents", "can_perform_work", "active", "upstream_updated_at",
		},
		vals: []any{
			e.FirstName, e.LastName, e.Name(), nullString(e.Email), string(e.Role),
			e.HourlyRateCents, e.CanPerformWork, e.Active, nullTime(e.UpdatedAt),
		},
		fp: fp,
	})
	return outcome, err
}

// ListTechnicians returns employees who can carry labor cost rates.
func (s *Store) ListTechnicians(ctx context.Context, shopID int64) ([]Technician, error) {
	const q = `
SELECT upstream_id, display_name, hourly_rate_cents, active
FROM employees
WHERE shop_id = ? AND (role = ? OR can_perform_work = ?)
ORDER BY upstream_id;
`
	rs, err := s.query(ctx, q, shopID, string(tekmetric.RoleTechnician), true)
	if err != nil {
		return nil, fmt.Errorf("list technicians: %w", err)
	}
	defer rs.Close()

	var techs []Technician
	for rs.Next() {
		var t Technician
		if err := rs.Scan(&t.UpstreamID, &t.Name, &t.RateCents, &t.Active); err != nil {
			return nil, fmt.Errorf("scan technician: %w", err)
		}
		techs = append(techs, t)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate technicians: %w", err)
	}
	return techs, nil
}

// UpsertCustomer stores a customer resolved on demand.
func (s *Store) UpsertCustomer(ctx context.Context, shopID int64, c tekmetric.Customer) (Outcome, error) {
	fp, err := fingerprint(c)
	if err != nil {
		return "", err
	}
	_, outcome, err := s.upsert(ctx, upsertSpec{
		table:   "customers",
		keyCols: []string{"shop_id", "upstream_id"},
		keyVals: []any{shopID, c.ID},
		cols: []string{
			"first_name", "last_name", "display_name", "company_name", "email", "phone", "upstream_updated_at",
		},
		vals: []any{
			c.FirstName, c.LastName, c.Name(), nullString(c.CompanyName), nullString(c.Email),
			nullString(c.Phone), nullTime(c.UpdatedAt),
		},
		fp: fp,
	})
	return outcome, err
}

// UpsertVehicle stores a vehicle resolved on demand.
func (s *Store) UpsertVehicle(ctx context.Context, shopID int64, v tekmetric.Vehicle) (Outcome, error) {
	fp, err := fingerprint(v)
	if err != nil {
		return "", err
	}
	var year any
	if v.Year > 0 {
		year = v.Year
	}
	_, outcome, err := s.upsert(ctx, upsertSpec{
		table:   "vehicles",
		keyCols: []string{"shop_id", "upstream_id"},
		keyVals: []any{shopID, v.ID},
		cols: []string{
			"customer_upstream_id", "year", "make", "model", "display_name", "vin", "license_plate", "upstream_updated_at",
		},
		vals: []any{
			nullID(v.CustomerID), year, nullString(v.Make), nullString(v.Model), v.Name(),
			nullString(v.VIN), nullString(v.LicensePlate), nullTime(v.UpdatedAt),
		},
		fp: fp,
	})
	return outcome, err
}

// CustomerExists reports whether the customer was already resolved.
func (s *Store) CustomerExists(ctx context.Context, shopID, upstreamID int64) (bool, error) {
	return s.exists(ctx, "customers", shopID, upstreamID)
}

// VehicleExists reports whether the vehicle was already resolved.
func (s *Store) VehicleExists(ctx context.Context, shopID, upstreamID int64) (bool, error) {
	return s.exists(ctx, "vehicles", shopID, upstreamID)
}

func (s *Store) exists(ctx context.Context, table string, shopID, upstreamID int64) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE shop_id = ? AND upstream_id = ?",
		shopID, upstreamID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", table, err)
	}
	return n > 0, nil
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
