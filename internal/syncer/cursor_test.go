package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

func ro(id int64, updated string) tekmetric.RepairOrder {
	return tekmetric.RepairOrder{ID: id, UpdatedAt: at(updated)}
}

func TestCursorAdvancesToNewestWrittenOrder(t *testing.T) {
	tr := newCursorTracker(repo.Cursor{ShopID: 1, EntityType: repo.EntityRepairOrders})
	tr.succeeded(ro(3, "2026-03-02T12:00:00Z"))
	tr.succeeded(ro(1, "2026-03-02T10:00:00Z"))
	tr.succeeded(ro(2, "2026-03-02T12:00:00Z"))

	now := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	c := tr.next(now)
	require.NotNil(t, c.MaxUpdatedAt)
	assert.True(t, c.MaxUpdatedAt.Equal(*at("2026-03-02T12:00:00Z")))
	assert.Equal(t, int64(3), c.LastID)
	assert.Equal(t, now, *c.LastSyncedAt)
}

func TestCursorStopsBeforeEarliestFailure(t *testing.T) {
	tr := newCursorTracker(repo.Cursor{})
	tr.succeeded(ro(1, "2026-03-02T10:00:00Z"))
	tr.failed(ro(2, "2026-03-02T11:00:00Z"))
	tr.succeeded(ro(3, "2026-03-02T12:00:00Z"))
	tr.failed(ro(4, "2026-03-02T13:00:00Z"))

	c := tr.next(time.Now())
	require.NotNil(t, c.MaxUpdatedAt)
	assert.True(t, c.MaxUpdatedAt.Equal(*at("2026-03-02T10:00:00Z")))
	assert.Equal(t, int64(1), c.LastID)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	prev := repo.Cursor{MaxUpdatedAt: at("2026-03-05T00:00:00Z"), LastID: 9}
	tr := newCursorTracker(prev)
	tr.succeeded(ro(1, "2026-03-02T10:00:00Z"))

	c := tr.next(time.Now())
	assert.True(t, c.MaxUpdatedAt.Equal(*prev.MaxUpdatedAt))
	assert.Equal(t, int64(9), c.LastID)
}

func TestCursorHoldsOnUndatedFailure(t *testing.T) {
	tr := newCursorTracker(repo.Cursor{})
	tr.succeeded(ro(1, "2026-03-02T10:00:00Z"))
	tr.failed(tekmetric.RepairOrder{ID: 2})

	c := tr.next(time.Now())
	assert.Nil(t, c.MaxUpdatedAt)
	assert.NotNil(t, c.LastSyncedAt)
}

func TestCursorResume(t *testing.T) {
	assert.True(t, newCursorTracker(repo.Cursor{}).resume().IsZero())

	r := newCursorTracker(repo.Cursor{MaxUpdatedAt: at("2026-03-02T10:00:00Z"), LastID: 4}).resume()
	assert.True(t, r.UpdatedAfter.Equal(*at("2026-03-02T10:00:00Z")))
	assert.Equal(t, int64(4), r.AfterID)
}

func TestNextDaily(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 09:00 UTC is 05:00 in New York, before the 06:00 run
	next := nextDaily(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), 6, ny)
	assert.Equal(t, time.Date(2026, 3, 3, 6, 0, 0, 0, ny), next)

	// exactly on the hour rolls to the following day
	next = nextDaily(time.Date(2026, 3, 3, 6, 0, 0, 0, ny), 6, ny)
	assert.Equal(t, time.Date(2026, 3, 4, 6, 0, 0, 0, ny), next)
}
