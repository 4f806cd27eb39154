package syncer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
)

// ScheduleConfig drives the periodic runs.
type ScheduleConfig struct {
	ShopIDs       []int64
	OrderInterval time.Duration
	// EmployeeHour is the shop-local hour of the daily employee sync.
	EmployeeHour int
	Timezone     string
}

// Scheduler runs employee and order syncs for each configured shop until its
// context ends.
type Scheduler struct {
	syncer *Syncer
	cfg    ScheduleConfig
	loc    *time.Location
}

func NewScheduler(s *Syncer, cfg ScheduleConfig) *Scheduler {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	if cfg.OrderInterval <= 0 {
		cfg.OrderInterval = 10 * time.Minute
	}
	return &Scheduler{syncer: s, cfg: cfg, loc: loc}
}

// Run blocks until ctx is cancelled. Each shop gets its own loop; a failing
// run is logged and never stops the loop.
func (sc *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, shopID := range sc.cfg.ShopIDs {
		g.Go(func() error {
			sc.loop(ctx, shopID)
			return nil
		})
	}
	return g.Wait()
}

func (sc *Scheduler) loop(ctx context.Context, shopID int64) {
	logger := sc.syncer.logger.With("shop_id", shopID)
	logger.Info("scheduler started", "order_interval", sc.cfg.OrderInterval.String(), "employee_hour", sc.cfg.EmployeeHour)

	sc.employees(ctx, shopID, TriggerStartup)
	sc.orders(ctx, shopID, TriggerStartup)

	ticker := time.NewTicker(sc.cfg.OrderInterval)
	defer ticker.Stop()
	daily := time.NewTimer(time.Until(nextDaily(sc.syncer.now(), sc.cfg.EmployeeHour, sc.loc)))
	defer daily.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			sc.orders(ctx, shopID, TriggerScheduled)
		case <-daily.C:
			sc.employees(ctx, shopID, TriggerScheduled)
			daily.Reset(time.Until(nextDaily(sc.syncer.now(), sc.cfg.EmployeeHour, sc.loc)))
		}
	}
}

func (sc *Scheduler) employees(ctx context.Context, shopID int64, trigger string) {
	entry, err := sc.syncer.SyncEmployees(ctx, shopID, trigger)
	sc.report(shopID, repo.EntityEmployees, entry, err)
}

func (sc *Scheduler) orders(ctx context.Context, shopID int64, trigger string) {
	entry, err := sc.syncer.SyncOrders(ctx, shopID, trigger)
	sc.report(shopID, repo.EntityRepairOrders, entry, err)
}

func (sc *Scheduler) report(shopID int64, entity string, entry *repo.SyncLog, err error) {
	logger := sc.syncer.logger.With("shop_id", shopID, "entity_type", entity)
	switch {
	case errors.Is(err, ErrRunInProgress):
		logger.Info("skipping run, previous run still active")
	case errors.Is(err, context.Canceled):
	case err != nil:
		logger.Error("sync run failed", "error", err)
	case entry != nil:
		logger.Info("sync run finished", "status", entry.Status, "fetched", entry.Fetched,
			"created", entry.Created, "updated", entry.Updated, "skipped", entry.Skipped, "errors", entry.ErrorCount)
	}
}

// nextDaily returns the next instant at hour:00 in loc strictly after now.
func nextDaily(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}
