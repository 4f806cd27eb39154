package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davefmurray/tm-fastapi-backend/internal/logging"
	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/syncer"
)

type fakeSyncer struct {
	err        error
	lastEntity string
	lastOrder  int64
	from, to   time.Time
	metrics    bool
}

func (f *fakeSyncer) entry(entity string) *repo.SyncLog {
	return &repo.SyncLog{ID: "run-1", ShopID: 1, EntityType: entity, Trigger: syncer.TriggerManual, Status: repo.SyncCompleted, Fetched: 3, Created: 3}
}

func (f *fakeSyncer) SyncEmployees(_ context.Context, _ int64, _ string) (*repo.SyncLog, error) {
	f.lastEntity = repo.EntityEmployees
	if f.err != nil {
		return nil, f.err
	}
	return f.entry(repo.EntityEmployees), nil
}

func (f *fakeSyncer) SyncOrders(_ context.Context, _ int64, _ string) (*repo.SyncLog, error) {
	f.lastEntity = repo.EntityRepairOrders
	if f.err != nil {
		return nil, f.err
	}
	return f.entry(repo.EntityRepairOrders), nil
}

func (f *fakeSyncer) SyncOrder(_ context.Context, _, orderID int64) (*repo.SyncLog, error) {
	f.lastOrder = orderID
	return f.entry(repo.EntityRepairOrders), f.err
}

func (f *fakeSyncer) Rebuild(_ context.Context, _ int64, from, to time.Time, metricsOnly bool) (*syncer.RebuildResult, error) {
	f.from, f.to, f.metrics = from, to, metricsOnly
	if f.err != nil {
		return nil, f.err
	}
	return &syncer.RebuildResult{Orders: 2, Snapshots: 2, Days: 1}, nil
}

type fakeStore struct {
	pingErr error
	logs    []repo.SyncLog
	limit   int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) ListSyncLogs(_ context.Context, _ int64, _ string, limit int) ([]repo.SyncLog, error) {
	f.limit = limit
	return f.logs, nil
}

func newTestServer(s *fakeSyncer, st *fakeStore) http.Handler {
	return New(":0", logging.Discard(), metrics.NewUnregistered("test"), Dependencies{Syncer: s, Store: st}, "").Handler()
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := serve(newTestServer(&fakeSyncer{}, &fakeStore{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(newTestServer(&fakeSyncer{}, &fakeStore{pingErr: errors.New("db down")}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSyncDispatchesByEntity(t *testing.T) {
	s := &fakeSyncer{}
	h := newTestServer(s, &fakeStore{})

	rec := serve(h, http.MethodPost, "/admin/sync?shop=1&entity=employees")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, repo.EntityEmployees, s.lastEntity)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, []any{}, body["errors"])

	rec = serve(h, http.MethodPost, "/admin/sync?shop=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, repo.EntityRepairOrders, s.lastEntity)

	rec = serve(h, http.MethodPost, "/admin/sync?shop=1&entity=invoices")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/admin/sync?shop=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodGet, "/admin/sync?shop=1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncMapsRunErrors(t *testing.T) {
	rec := serve(newTestServer(&fakeSyncer{err: syncer.ErrRunInProgress}, &fakeStore{}), http.MethodPost, "/admin/sync?shop=1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(newTestServer(&fakeSyncer{err: syncer.ErrUpstreamUnreachable}, &fakeStore{}), http.MethodPost, "/admin/sync?shop=1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSyncOrder(t *testing.T) {
	s := &fakeSyncer{}
	h := newTestServer(s, &fakeStore{})

	rec := serve(h, http.MethodPost, "/admin/sync/order?shop=1&id=9001")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(9001), s.lastOrder)

	rec = serve(h, http.MethodPost, "/admin/sync/order?shop=1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRebuild(t *testing.T) {
	s := &fakeSyncer{}
	h := newTestServer(s, &fakeStore{})

	rec := serve(h, http.MethodPost, "/admin/rebuild?shop=1&from=2026-03-01&to=2026-03-07&metrics_only=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orders":2,"snapshots":2,"days":1,"errors":0}`, rec.Body.String())
	assert.Equal(t, "2026-03-01", s.from.Format(dateLayout))
	assert.Equal(t, "2026-03-07", s.to.Format(dateLayout))
	assert.True(t, s.metrics)

	rec = serve(h, http.MethodPost, "/admin/rebuild?shop=1&from=2026-03-07&to=2026-03-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/admin/rebuild?shop=1&from=March")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncLogs(t *testing.T) {
	st := &fakeStore{logs: []repo.SyncLog{{ID: "a", ShopID: 1, Status: repo.SyncPartial, ErrorCount: 1,
		Errors: []repo.SyncError{{EntityID: 5, Stage: "order", Message: "boom"}}}}}
	h := newTestServer(&fakeSyncer{}, st)

	rec := serve(h, http.MethodGet, "/admin/sync-logs?shop=1&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, st.limit)

	var body []syncLogView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, repo.SyncPartial, body[0].Status)
	assert.Equal(t, "boom", body[0].Errors[0].Message)

	rec = serve(h, http.MethodGet, "/admin/sync-logs?shop=1&limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBasePath(t *testing.T) {
	h := New(":0", logging.Discard(), nil, Dependencies{}, "/tm/").Handler()
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/tm/healthz").Code)
	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/healthz").Code)
}
