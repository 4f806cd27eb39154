package syncer

import (
	"sync"
	"time"

	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/tekmetric"
)

// position is an (updatedAt, id) point in discovery order.
type position struct {
	at time.Time
	id int64
}

func (p position) after(o position) bool {
	return p.at.After(o.at) || (p.at.Equal(o.at) && p.id > o.id)
}

// cursorTracker decides how far a run may move the cursor: up to the newest
// order written before the oldest order that failed.
type cursorTracker struct {
	mu           sync.Mutex
	prev         repo.Cursor
	done         []position
	firstFailure *time.Time
	undatedFail  bool
}

func newCursorTracker(prev repo.Cursor) *cursorTracker {
	return &cursorTracker{prev: prev}
}

func (t *cursorTracker) resume() tekmetric.Resume {
	if t.prev.MaxUpdatedAt == nil {
		return tekmetric.Resume{}
	}
	return tekmetric.Resume{UpdatedAfter: *t.prev.MaxUpdatedAt, AfterID: t.prev.LastID}
}

func (t *cursorTracker) succeeded(ro tekmetric.RepairOrder) {
	if ro.UpdatedAt == nil {
		return
	}
	t.mu.Lock()
	t.done = append(t.done, position{at: *ro.UpdatedAt, id: ro.ID})
	t.mu.Unlock()
}

func (t *cursorTracker) failed(ro tekmetric.RepairOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ro.UpdatedAt == nil {
		t.undatedFail = true
		return
	}
	if t.firstFailure == nil || ro.UpdatedAt.Before(*t.firstFailure) {
		at := *ro.UpdatedAt
		t.firstFailure = &at
	}
}

// next returns the cursor to store at the end of a run. It never moves
// backwards, and does not move at all past an undated failure.
func (t *cursorTracker) next(now time.Time) repo.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.prev
	c.LastSyncedAt = &now
	if t.undatedFail {
		return c
	}

	var best *position
	for i := range t.done {
		p := t.done[i]
		if t.firstFailure != nil && !p.at.Before(*t.firstFailure) {
			continue
		}
		if best == nil || p.after(*best) {
			best = &p
		}
	}
	if best == nil {
		return c
	}
	if c.MaxUpdatedAt != nil && !best.after(position{at: *c.MaxUpdatedAt, id: c.LastID}) {
		return c
	}
	at := best.at
	c.MaxUpdatedAt = &at
	c.LastID = best.id
	return c
}
