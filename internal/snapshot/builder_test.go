package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davefmurray/tm-fastapi-backend/internal/gp"
	"github.com/davefmurray/tm-fastapi-backend/internal/logging"
	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
	"github.com/davefmurray/tm-fastapi-backend/internal/variance"
	"github.com/davefmurray/tm-fastapi-backend/migrations"
)

func newStore(t *testing.T) *repo.Store {
	t.Helper()
	ctx := context.Background()
	s, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "snap.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx, migrations.Files))
	return s
}

func postedOrder() repo.Order {
	upstream := 60.0
	return repo.Order{
		ShopID: 1, UpstreamID: 500, Number: 1001, Status: tekmetric.StatusPosted, PostedDate: "2026-03-02",
		Metrics: repo.OrderMetrics{
			Potential:         gp.Rollup{JobCount: 2, RevenueCents: 12000, CostCents: 4000, ProfitCents: 8000},
			Authorized:        gp.Rollup{JobCount: 1, RevenueCents: 10000, CostCents: 4000, ProfitCents: 6000},
			Estimated:         gp.Rollup{JobCount: 1, RevenueCents: 10000, CostCents: 5000, ProfitCents: 5000},
			UpstreamGPPercent: &upstream,
			Diagnostics:       gp.Diagnostics{RateFallbackUsed: true},
		},
	}
}

func TestTriggerFor(t *testing.T) {
	o := postedOrder()
	trigger, date, ok := TriggerFor(o)
	require.True(t, ok)
	assert.Equal(t, repo.TriggerPosted, trigger)
	assert.Equal(t, "2026-03-02", date)

	o.Status = tekmetric.StatusComplete
	o.CompletedDate = "2026-03-01"
	trigger, date, ok = TriggerFor(o)
	require.True(t, ok)
	assert.Equal(t, repo.TriggerCompleted, trigger)
	assert.Equal(t, "2026-03-01", date)

	for _, status := range []tekmetric.OrderStatus{tekmetric.StatusEstimate, tekmetric.StatusInProgress, tekmetric.StatusVoid} {
		o.Status = status
		_, _, ok = TriggerFor(o)
		assert.False(t, ok, status)
	}

	o.Status = tekmetric.StatusPosted
	o.PostedDate = ""
	_, _, ok = TriggerFor(o)
	assert.False(t, ok)
}

func TestCaptureIsIdempotentAndRecordsVariance(t *testing.T) {
	store := newStore(t)
	m := metrics.NewUnregistered("test")
	b := New(store, variance.New(0.5), m, logging.Discard())
	ctx := context.Background()

	out, err := b.Capture(ctx, postedOrder())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Created)
	assert.InDelta(t, 60.0, out.Snapshot.GPPercent, 0.001)
	assert.True(t, out.Snapshot.VarianceFlagged)
	require.NotNil(t, out.Snapshot.VariancePercent)
	assert.InDelta(t, 10.0, *out.Snapshot.VariancePercent, 0.001)
	assert.Equal(t, string(variance.ReasonRateFallbackUsed), out.Snapshot.VarianceReason)

	out, err = b.Capture(ctx, postedOrder())
	require.NoError(t, err)
	assert.False(t, out.Created)

	snaps, err := store.ListSnapshots(ctx, 1, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(10000), snaps[0].Metrics.Authorized.RevenueCents)
	assert.Equal(t, int64(12000), snaps[0].Metrics.Potential.RevenueCents)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Snapshots.WithLabelValues(repo.TriggerPosted, "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Snapshots.WithLabelValues(repo.TriggerPosted, "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VarianceFlags.WithLabelValues(string(variance.ReasonRateFallbackUsed))))
}

func TestCaptureIgnoresOpenOrders(t *testing.T) {
	b := New(newStore(t), variance.New(0), nil, logging.Discard())
	o := postedOrder()
	o.Status = tekmetric.StatusInProgress

	out, err := b.Capture(context.Background(), o)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCaptureWithoutUpstreamMarginIsNotFlagged(t *testing.T) {
	b := New(newStore(t), variance.New(0), nil, logging.Discard())
	o := postedOrder()
	o.Metrics.UpstreamGPPercent = nil

	out, err := b.Capture(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Nil(t, out.Snapshot.VariancePercent)
	assert.False(t, out.Snapshot.VarianceFlagged)
	assert.Empty(t, out.Snapshot.VarianceReason)
}

func TestRebuildAppendsManualRevisions(t *testing.T) {
	store := newStore(t)
	b := New(store, variance.New(0), nil, logging.Discard())
	ctx := context.Background()
	o := postedOrder()

	_, err := b.Capture(ctx, o)
	require.NoError(t, err)

	first, err := b.Rebuild(ctx, o, "")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, repo.TriggerManual, first.Snapshot.Trigger)
	assert.Equal(t, 1, first.Snapshot.Revision)
	assert.Equal(t, "2026-03-02", first.Snapshot.SnapshotDate)

	second, err := b.Rebuild(ctx, o, "")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Snapshot.Revision)

	history, err := store.ListOrderSnapshots(ctx, 1, 500)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, repo.TriggerPosted, history[0].Trigger)
}

func TestRebuildWithoutTerminalDate(t *testing.T) {
	b := New(newStore(t), variance.New(0), nil, logging.Discard())
	o := postedOrder()
	o.Status = tekmetric.StatusInProgress
	o.PostedDate = ""

	_, err := b.Rebuild(context.Background(), o, "")
	assert.ErrorIs(t, err, ErrNoTerminalDate)
}
