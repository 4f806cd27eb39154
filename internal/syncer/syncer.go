// Package syncer orchestrates sync runs: it pulls entities from the upstream
// API, writes them through the repository, captures snapshots of terminal
// orders and refreshes the daily rollups they touch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/davefmurray/tm-fastapi-backend/internal/aggregate"
	"github.com/davefmurray/tm-fastapi-backend/internal/audit"
	"github.com/davefmurray/tm-fastapi-backend/internal/cache"
	"github.com/davefmurray/tm-fastapi-backend/internal/gp"
	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/snapshot"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

var (
	// ErrRunInProgress means another run holds the (shop, entity) lease.
	ErrRunInProgress = errors.New("sync run already in progress")
	// ErrUpstreamUnreachable is the only run-level failure: nothing could be
	// fetched at all.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// Run triggers recorded on sync logs.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerBackfill  = "backfill"
	TriggerStartup   = "startup"
)

// Upstream is the part of the API client a run consumes.
type Upstream interface {
	Shop(ctx context.Context, shopID int64) (*tekmetric.Shop, error)
	Employees(ctx context.Context, shopID int64) iter.Seq2[tekmetric.Employee, error]
	RepairOrders(ctx context.Context, shopID int64, opts tekmetric.DiscoveryOptions) iter.Seq2[tekmetric.RepairOrder, error]
	ProfitReport(ctx context.Context, shopID int64, from, to time.Time, loc *time.Location) iter.Seq2[tekmetric.RepairOrder, error]
	RepairOrder(ctx context.Context, shopID, orderID int64) (*tekmetric.RepairOrder, error)
	Estimate(ctx context.Context, orderID int64) (*tekmetric.Estimate, error)
	Profit(ctx context.Context, orderID int64) (*tekmetric.ProfitSummary, error)
	Customer(ctx context.Context, shopID, customerID int64) (*tekmetric.Customer, error)
	Vehicle(ctx context.Context, shopID, vehicleID int64) (*tekmetric.Vehicle, error)
}

// Locker hands out exclusive run leases.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// Cache stores derived per-shop configuration between runs.
type Cache interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Options tune a Syncer. Zero values select the defaults.
type Options struct {
	Workers              int
	Boards               []string
	LookbackDays         int
	LockTTL              time.Duration
	RateBookTTL          time.Duration
	DefaultTechRateCents int64
	// Timezone applies when the shop reports none.
	Timezone string

	// Locker and Cache are optional; without Redis runs are serialised
	// in-process and the rate book is rebuilt every run.
	Locker Locker
	Cache  Cache
}

// Syncer runs syncs for any number of shops.
type Syncer struct {
	api        Upstream
	store      repo.Repository
	snapshots  *snapshot.Builder
	aggregator *aggregate.Aggregator
	audit      *audit.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       Options
	now        func() time.Time
}

// New wires a Syncer. m may be nil.
func New(api Upstream, store repo.Repository, snapshots *snapshot.Builder, aggregator *aggregate.Aggregator,
	recorder *audit.Recorder, opts Options, m *metrics.Metrics, logger *slog.Logger) *Syncer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 3
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 15 * time.Minute
	}
	if opts.RateBookTTL <= 0 {
		opts.RateBookTTL = 5 * time.Minute
	}
	if opts.DefaultTechRateCents <= 0 {
		opts.DefaultTechRateCents = gp.DefaultTechRateCents
	}
	if opts.Locker == nil {
		opts.Locker = newLocalLocker()
	}
	return &Syncer{
		api:        api,
		store:      store,
		snapshots:  snapshots,
		aggregator: aggregator,
		audit:      recorder,
		metrics:    m,
		logger:     logger.With("component", "syncer"),
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Syncer) lock(ctx context.Context, shopID int64, entity string) (func(), error) {
	release, err := s.opts.Locker.Lock(ctx, "sync:"+strconv.FormatInt(shopID, 10)+":"+entity, s.opts.LockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, fmt.Errorf("%w: shop %d %s", ErrRunInProgress, shopID, entity)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

// location fetches the shop header, stores it, and resolves its timezone.
// Failure to fetch the header falls back to the configured zone.
func (s *Syncer) location(ctx context.Context, shopID int64) (*time.Location, error) {
	tz := s.opts.Timezone
	shop, err := s.api.Shop(ctx, shopID)
	switch {
	case errors.Is(err, tekmetric.ErrUnreachable):
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	case err != nil:
		s.logger.Warn("shop header unavailable, using configured timezone", "shop_id", shopID, "error", err)
	default:
		if _, err := s.store.UpsertShop(ctx, *shop); err != nil {
			s.logger.Warn("store shop failed", "shop_id", shopID, "error", err)
		}
		if shop.Timezone != "" {
			tz = shop.Timezone
		}
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.logger.Warn("unknown shop timezone, using UTC", "shop_id", shopID, "timezone", tz)
		return time.UTC, nil
	}
	return loc, nil
}

func (s *Syncer) rateBookKey(shopID int64) string {
	return s.opts.Cache.Key("ratebook", strconv.FormatInt(shopID, 10))
}

// RateBook returns the technician cost rates for a shop, from cache when
// possible.
func (s *Syncer) RateBook(ctx context.Context, shopID int64) (*gp.RateBook, error) {
	if s.opts.Cache != nil {
		var book gp.RateBook
		ok, err := s.opts.Cache.GetJSON(ctx, s.rateBookKey(shopID), &book)
		if err != nil {
			s.logger.Warn("read rate book cache failed", "shop_id", shopID, "error", err)
		} else if ok {
			return &book, nil
		}
	}

	techs, err := s.store.ListTechnicians(ctx, shopID)
	if err != nil {
		return nil, err
	}
	rates := make([]gp.Technician, 0, len(techs))
	for _, t := range techs {
		rates = append(rates, gp.Technician{ID: t.UpstreamID, RateCents: t.RateCents, Active: t.Active})
	}
	book := gp.NewRateBook(rates, s.opts.DefaultTechRateCents)

	if s.opts.Cache != nil {
		if err := s.opts.Cache.SetJSON(ctx, s.rateBookKey(shopID), book, s.opts.RateBookTTL); err != nil {
			s.logger.Warn("set rate book cache failed", "shop_id", shopID, "error", err)
		}
	}
	return book, nil
}

func (s *Syncer) invalidateRateBook(ctx context.Context, shopID int64) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.Delete(ctx, s.rateBookKey(shopID)); err != nil {
		s.logger.Warn("invalidate rate book failed", "shop_id", shopID, "error", err)
	}
}

// localLocker serialises runs within one process.
type localLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLocalLocker() *localLocker {
	return &localLocker{held: make(map[string]struct{})}
}

func (l *localLocker) Lock(_ context.Context, name string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, fmt.Errorf("%w: %s", cache.ErrLockHeld, name)
	}
	l.held[name] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, nil
}
