package repo

import (
	"context"
	"io/fs"

	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Reference entities
	UpsertShop(ctx context.Context, shop tekmetric.Shop) (Outcome, error)
	UpsertEmployee(ctx context.Context, shopID int64, e tekmetric.Employee) (Outcome, error)
	ListTechnicians(ctx context.Context, shopID int64) ([]Technician, error)
	UpsertCustomer(ctx context.Context, shopID int64, c tekmetric.Customer) (Outcome, error)
	UpsertVehicle(ctx context.Context, shopID int64, v tekmetric.Vehicle) (Outcome, error)
	CustomerExists(ctx context.Context, shopID, upstreamID int64) (bool, error)
	VehicleExists(ctx context.Context, shopID, upstreamID int64) (bool, error)

	// Orders
	UpsertOrder(ctx context.Context, in OrderInput) (Outcome, error)
	GetOrder(ctx context.Context, shopID, upstreamID int64) (*Order, error)
	ListTerminalOrders(ctx context.Context, shopID int64, from, to string) ([]Order, error)
	DeleteOrder(ctx context.Context, shopID, upstreamID int64) error

	// Snapshots
	InsertSnapshot(ctx context.Context, snap Snapshot) (bool, error)
	NextManualRevision(ctx context.Context, shopID, orderID int64, date string) (int, error)
	ListSnapshots(ctx context.Context, shopID int64, date string) ([]Snapshot, error)
	ListOrderSnapshots(ctx context.Context, shopID, orderID int64) ([]Snapshot, error)
	ListSnapshotDates(ctx context.Context, shopID int64, from, to string) ([]string, error)

	// Daily rollups
	UpsertDailyMetric(ctx context.Context, m DailyMetric) error
	GetDailyMetric(ctx context.Context, shopID int64, date string) (*DailyMetric, error)
	ListDailyMetrics(ctx context.Context, shopID int64, from, to string) ([]DailyMetric, error)
	ReplaceTechnicianMetrics(ctx context.Context, shopID int64, date string, techs []TechnicianDailyMetric) error
	ListTechnicianMetrics(ctx context.Context, shopID int64, date string) ([]TechnicianDailyMetric, error)

	// Sync bookkeeping
	GetCursor(ctx context.Context, shopID int64, entity string) (*Cursor, error)
	SaveCursor(ctx context.Context, c Cursor) error
	InsertSyncLog(ctx context.Context, l *SyncLog) error
	ListSyncLogs(ctx context.Context, shopID int64, entity string, limit int) ([]SyncLog, error)
}

var _ Repository = (*Store)(nil)
