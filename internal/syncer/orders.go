package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/davefmurray/tm-fastapi-backend/internal/audit"
	"github.com/davefmurray/tm-fastapi-backend/internal/gp"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

const dateLayout = "2006-01-02"

// orderJob carries what every worker of a run shares.
type orderJob struct {
	shopID int64
	loc    *time.Location
	book   *gp.RateBook
	run    *audit.Run

	mu    sync.Mutex
	dates map[string]struct{}
}

func (j *orderJob) touch(date string) {
	j.mu.Lock()
	j.dates[date] = struct{}{}
	j.mu.Unlock()
}

func (j *orderJob) touched() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.dates))
	for d := range j.dates {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// SyncOrders discovers orders changed since the cursor, processes them on a
// bounded worker pool and advances the cursor as the last step.
func (s *Syncer) SyncOrders(ctx context.Context, shopID int64, trigger string) (*repo.SyncLog, error) {
	release, err := s.lock(ctx, shopID, repo.EntityRepairOrders)
	if err != nil {
		return nil, err
	}
	defer release()

	run := s.audit.Start(shopID, repo.EntityRepairOrders, trigger)
	prev, err := s.store.GetCursor(ctx, shopID, repo.EntityRepairOrders)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		prev = &repo.Cursor{ShopID: shopID, EntityType: repo.EntityRepairOrders}
	case err != nil:
		return s.abort(ctx, run, fmt.Errorf("load cursor: %w", err))
	}
	tracker := newCursorTracker(*prev)

	job, err := s.prepare(ctx, shopID, run)
	if err != nil {
		return s.abort(ctx, run, err)
	}

	opts := tekmetric.DiscoveryOptions{
		Boards: s.opts.Boards,
		Resume: tracker.resume(),
		Since:  s.now().AddDate(0, 0, -s.opts.LookbackDays),
	}
	runErr := s.process(ctx, job, s.api.RepairOrders(ctx, shopID, opts), tracker)

	// snapshots written before a cancellation still get their daily rows
	settled := s.refreshDays(context.WithoutCancel(ctx), job)
	switch {
	case runErr != nil:
	case !settled:
		// the next run rediscovers these orders and retries their days
		s.logger.Warn("daily rollups incomplete, cursor held", "shop_id", shopID)
	default:
		if err := s.store.SaveCursor(ctx, tracker.next(s.now())); err != nil {
			run.Fail(0, "cursor", err)
		}
	}
	entry, err := run.Finish(ctx, runErr)
	if runErr != nil {
		return entry, runErr
	}
	return entry, err
}

// SyncOrder processes one order on demand. The cursor is not touched.
func (s *Syncer) SyncOrder(ctx context.Context, shopID, orderID int64) (*repo.SyncLog, error) {
	run := s.audit.Start(shopID, repo.EntityRepairOrders, TriggerManual)
	job, err := s.prepare(ctx, shopID, run)
	if err != nil {
		return s.abort(ctx, run, err)
	}
	run.Fetched(1)
	// the detail endpoint fills in the header; without it the order is
	// treated as work in progress
	ro := tekmetric.RepairOrder{ID: orderID, Status: tekmetric.StatusInProgress}
	outcome, err := s.processOrder(ctx, job, ro)
	if err != nil {
		run.Fail(orderID, "order", err)
	} else {
		run.Record(outcome)
	}
	s.refreshDays(context.WithoutCancel(ctx), job)
	return run.Finish(ctx, nil)
}

// Backfill re-ingests orders posted between from and to via the reporting
// endpoint. The cursor is not touched.
func (s *Syncer) Backfill(ctx context.Context, shopID int64, from, to time.Time) (*repo.SyncLog, error) {
	release, err := s.lock(ctx, shopID, repo.EntityRepairOrders)
	if err != nil {
		return nil, err
	}
	defer release()

	run := s.audit.Start(shopID, repo.EntityRepairOrders, TriggerBackfill)
	job, err := s.prepare(ctx, shopID, run)
	if err != nil {
		return s.abort(ctx, run, err)
	}
	runErr := s.process(ctx, job, s.api.ProfitReport(ctx, shopID, from, to, job.loc), nil)
	s.refreshDays(context.WithoutCancel(ctx), job)
	entry, err := run.Finish(ctx, runErr)
	if runErr != nil {
		return entry, runErr
	}
	return entry, err
}

func (s *Syncer) prepare(ctx context.Context, shopID int64, run *audit.Run) (*orderJob, error) {
	loc, err := s.location(ctx, shopID)
	if err != nil {
		return nil, err
	}
	book, err := s.RateBook(ctx, shopID)
	if err != nil {
		return nil, fmt.Errorf("load rate book: %w", err)
	}
	return &orderJob{shopID: shopID, loc: loc, book: book, run: run, dates: make(map[string]struct{})}, nil
}

func (s *Syncer) abort(ctx context.Context, run *audit.Run, runErr error) (*repo.SyncLog, error) {
	entry, _ := run.Finish(ctx, runErr)
	return entry, runErr
}

// process fans discovered orders out to the worker pool. It returns a
// run-level error only when discovery never reached upstream or ctx ended.
func (s *Syncer) process(ctx context.Context, job *orderJob, orders iter.Seq2[tekmetric.RepairOrder, error], tracker *cursorTracker) error {
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)

	var runErr error
	discovered := 0
	for ro, err := range orders {
		if err != nil {
			if discovered == 0 && errors.Is(err, tekmetric.ErrUnreachable) {
				runErr = fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
				break
			}
			job.run.Fail(ro.ID, "discover", err)
			// a lost page may hide orders older than anything written
			if tracker != nil {
				tracker.failed(tekmetric.RepairOrder{})
			}
			continue
		}
		if ctx.Err() != nil {
			break
		}
		discovered++
		job.run.Fetched(1)
		g.Go(func() error {
			outcome, err := s.processOrder(ctx, job, ro)
			if err != nil {
				job.run.Fail(ro.ID, "order", err)
				if tracker != nil {
					tracker.failed(ro)
				}
				return nil
			}
			job.run.Record(outcome)
			if tracker != nil {
				tracker.succeeded(ro)
			}
			return nil
		})
	}
	_ = g.Wait()

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	return runErr
}

// processOrder is the fetch, reconcile, upsert and snapshot sequence for one
// order. The order write is all-or-nothing.
func (s *Syncer) processOrder(ctx context.Context, job *orderJob, ro tekmetric.RepairOrder) (repo.Outcome, error) {
	logger := s.logger.With("shop_id", job.shopID, "order_id", ro.ID)

	header := ro
	detail, err := s.api.RepairOrder(ctx, job.shopID, ro.ID)
	switch {
	case err == nil:
		header = mergeHeader(ro, *detail)
	case tekmetric.IsExpectedAbsence(err):
		logger.Info("order detail not served, continuing with estimate and profit")
	default:
		return "", fmt.Errorf("fetch detail: %w", err)
	}

	est, err := s.api.Estimate(ctx, ro.ID)
	if err != nil {
		return "", fmt.Errorf("fetch estimate: %w", err)
	}
	profit, err := s.api.Profit(ctx, ro.ID)
	switch {
	case err == nil:
	case tekmetric.IsExpectedAbsence(err):
		logger.Info("profit endpoint has no data, authorized figures use the job sum")
		profit = nil
	default:
		return "", fmt.Errorf("fetch profit: %w", err)
	}

	res := gp.Reconcile(*est, profit, job.book)
	order := repo.Order{
		ShopID:            job.shopID,
		UpstreamID:        ro.ID,
		Number:            header.Number,
		Status:            header.Status,
		CustomerID:        header.CustomerID,
		VehicleID:         header.VehicleID,
		AdvisorID:         header.AdvisorID,
		PostedDate:        localDate(header.PostedAt, job.loc),
		CompletedDate:     localDate(header.CompletedAt, job.loc),
		UpstreamUpdatedAt: header.UpdatedAt,
		TaxCents:          res.TaxCents,
		DiscountCents:     res.DiscountCents,
		Metrics:           repo.MetricsFrom(res),
	}
	s.observeRates(order.Metrics)
	s.resolveReferences(ctx, job, order)

	outcome, err := s.store.UpsertOrder(ctx, repo.OrderInput{Order: order, Jobs: res.Jobs})
	if err != nil {
		return "", err
	}

	out, err := s.snapshots.Capture(ctx, order)
	if err != nil {
		return outcome, fmt.Errorf("capture snapshot: %w", err)
	}
	if out == nil {
		return outcome, nil
	}
	// an existing snapshot still marks its days: the run that wrote it may
	// have stopped before aggregating
	job.touch(out.Snapshot.SnapshotDate)
	if err := s.touchHistory(ctx, job, order.UpstreamID); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// touchHistory marks every date the order has a snapshot on. A posted
// snapshot moves the order off its completion day, which then needs a
// rebuild too.
func (s *Syncer) touchHistory(ctx context.Context, job *orderJob, orderID int64) error {
	history, err := s.store.ListOrderSnapshots(ctx, job.shopID, orderID)
	if err != nil {
		return fmt.Errorf("load snapshot history: %w", err)
	}
	for _, snap := range history {
		job.touch(snap.SnapshotDate)
	}
	return nil
}

// resolveReferences upserts the customer and vehicle the first time an order
// mentions them. Failures are logged; they never fail the order.
func (s *Syncer) resolveReferences(ctx context.Context, job *orderJob, o repo.Order) {
	if o.CustomerID != 0 {
		s.resolve(ctx, job.shopID, repo.EntityCustomers, o.CustomerID, s.store.CustomerExists,
			func(ctx context.Context) (repo.Outcome, error) {
				c, err := s.api.Customer(ctx, job.shopID, o.CustomerID)
				if err != nil {
					return "", err
				}
				return s.store.UpsertCustomer(ctx, job.shopID, *c)
			})
	}
	if o.VehicleID != 0 {
		s.resolve(ctx, job.shopID, repo.EntityVehicles, o.VehicleID, s.store.VehicleExists,
			func(ctx context.Context) (repo.Outcome, error) {
				v, err := s.api.Vehicle(ctx, job.shopID, o.VehicleID)
				if err != nil {
					return "", err
				}
				return s.store.UpsertVehicle(ctx, job.shopID, *v)
			})
	}
}

func (s *Syncer) resolve(ctx context.Context, shopID int64, entity string, id int64,
	exists func(context.Context, int64, int64) (bool, error),
	fetch func(context.Context) (repo.Outcome, error)) {
	ok, err := exists(ctx, shopID, id)
	if err != nil {
		s.logger.Warn("reference lookup failed", "shop_id", shopID, "entity_type", entity, "entity_id", id, "error", err)
		return
	}
	if ok {
		return
	}
	outcome, err := fetch(ctx)
	switch {
	case tekmetric.IsExpectedAbsence(err):
		s.logger.Info("reference not found upstream", "shop_id", shopID, "entity_type", entity, "entity_id", id)
	case err != nil:
		s.logger.Warn("resolve reference failed", "shop_id", shopID, "entity_type", entity, "entity_id", id, "error", err)
	default:
		if s.metrics != nil {
			s.metrics.SyncEntities.WithLabelValues(entity, string(outcome)).Inc()
		}
	}
}

// refreshDays rebuilds the daily rows of every touched date and reports
// whether all of them were written. It runs after the worker pool drains so
// concurrent orders of one day cannot overwrite each other's rollup.
func (s *Syncer) refreshDays(ctx context.Context, job *orderJob) bool {
	ok := true
	for _, date := range job.touched() {
		if _, err := s.aggregator.RebuildDay(ctx, job.shopID, date); err != nil {
			job.run.Fail(0, "aggregate", fmt.Errorf("%s: %w", date, err))
			ok = false
		}
	}
	return ok
}

func (s *Syncer) observeRates(m repo.OrderMetrics) {
	if s.metrics == nil {
		return
	}
	for source, n := range m.RateSources {
		s.metrics.RateSources.WithLabelValues(string(source)).Add(float64(n))
	}
}

// mergeHeader lets the detail endpoint win over board data field by field.
func mergeHeader(board, detail tekmetric.RepairOrder) tekmetric.RepairOrder {
	out := board
	if detail.Number != 0 {
		out.Number = detail.Number
	}
	if detail.Status != "" {
		out.Status = detail.Status
	}
	if detail.CustomerID != 0 {
		out.CustomerID = detail.CustomerID
	}
	if detail.VehicleID != 0 {
		out.VehicleID = detail.VehicleID
	}
	if detail.AdvisorID != 0 {
		out.AdvisorID = detail.AdvisorID
	}
	if detail.UpdatedAt != nil {
		out.UpdatedAt = detail.UpdatedAt
	}
	if detail.PostedAt != nil {
		out.PostedAt = detail.PostedAt
	}
	if detail.CompletedAt != nil {
		out.CompletedAt = detail.CompletedAt
	}
	return out
}

// localDate converts an instant to the shop's calendar date.
func localDate(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(dateLayout)
}
