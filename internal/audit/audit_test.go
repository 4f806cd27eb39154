package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davefmurray/tm-fastapi-backend/internal/logging"
	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
)

type memStore struct {
	mu   sync.Mutex
	logs []repo.SyncLog
	err  error
}

func (m *memStore) InsertSyncLog(_ context.Context, l *repo.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, *l)
	return nil
}

func TestRunCountsOutcomesConcurrently(t *testing.T) {
	store := &memStore{}
	m := metrics.NewUnregistered("test")
	run := New(store, m, logging.Discard()).Start(1, repo.EntityRepairOrders, "scheduled")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run.Fetched(1)
			switch i % 3 {
			case 0:
				run.Record(repo.OutcomeCreated)
			case 1:
				run.Record(repo.OutcomeUpdated)
			default:
				run.Record(repo.OutcomeUnchanged)
			}
		}(i)
	}
	wg.Wait()

	entry, err := run.Finish(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, repo.SyncCompleted, entry.Status)
	assert.Equal(t, 10, entry.Fetched)
	assert.Equal(t, 4, entry.Created)
	assert.Equal(t, 3, entry.Updated)
	assert.Equal(t, 3, entry.Skipped)
	require.Len(t, store.logs, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRuns.WithLabelValues(repo.EntityRepairOrders, repo.SyncCompleted)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SyncEntities.WithLabelValues(repo.EntityRepairOrders, "created")))
}

func TestRunWithEntityErrorsIsPartial(t *testing.T) {
	store := &memStore{}
	run := New(store, nil, logging.Discard()).Start(1, repo.EntityRepairOrders, "manual")
	run.Fetched(2)
	run.Record(repo.OutcomeCreated)
	run.Fail(42, "estimate", errors.New("upstream 502"))

	entry, err := run.Finish(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, repo.SyncPartial, entry.Status)
	assert.Equal(t, 1, entry.ErrorCount)
	require.Len(t, entry.Errors, 1)
	assert.Equal(t, repo.SyncError{EntityID: 42, Stage: "estimate", Message: "upstream 502"}, entry.Errors[0])
}

func TestRunLevelFailureIsStoredEvenWhenCancelled(t *testing.T) {
	store := &memStore{}
	run := New(store, nil, logging.Discard()).Start(1, repo.EntityEmployees, "scheduled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entry, err := run.Finish(ctx, errors.New("upstream unreachable"))
	require.NoError(t, err)
	assert.Equal(t, repo.SyncFailed, entry.Status)
	assert.Equal(t, 1, entry.ErrorCount)
	require.Len(t, store.logs, 1)
	assert.Equal(t, "run", store.logs[0].Errors[0].Stage)
}

func TestErrorListIsBounded(t *testing.T) {
	run := New(&memStore{}, nil, logging.Discard()).Start(1, repo.EntityRepairOrders, "scheduled")
	for i := 0; i < maxErrors+20; i++ {
		run.Fail(int64(i), "detail", errors.New("boom"))
	}
	entry, err := run.Finish(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, maxErrors+20, entry.ErrorCount)
	assert.Len(t, entry.Errors, maxErrors)
}

func TestFinishReturnsStoreError(t *testing.T) {
	run := New(&memStore{err: errors.New("db down")}, nil, logging.Discard()).Start(1, repo.EntityEmployees, "scheduled")
	entry, err := run.Finish(context.Background(), nil)
	require.Error(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, repo.SyncCompleted, entry.Status)
}
