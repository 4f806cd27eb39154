package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davefmurray/tm-fastapi-backend/internal/metrics"
	"github.com/davefmurray/tm-fastapi-backend/internal/repo"
	"github.com/davefmurray/tm-fastapi-backend/internal/syncer"
)

const dateLayout = "2006-01-02"

// Syncer is the operator-facing part of the sync orchestrator.
type Syncer interface {
	SyncEmployees(ctx context.Context, shopID int64, trigger string) (*repo.SyncLog, error)
	SyncOrders(ctx context.Context, shopID int64, trigger string) (*repo.SyncLog, error)
	SyncOrder(ctx context.Context, shopID, orderID int64) (*repo.SyncLog, error)
	Rebuild(ctx context.Context, shopID int64, from, to time.Time, metricsOnly bool) (*syncer.RebuildResult, error)
}

// Store is what the read endpoints need from the repository.
type Store interface {
	Ping(ctx context.Context) error
	ListSyncLogs(ctx context.Context, shopID int64, entity string, limit int) ([]repo.SyncLog, error)
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Syncer Syncer
	Store  Store
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics and
// operator endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mountWithBasePath(server.basePath, server.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	return server
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /admin/sync", s.handleSync)
	mux.HandleFunc("POST /admin/sync/order", s.handleSyncOrder)
	mux.HandleFunc("POST /admin/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /admin/sync-logs", s.handleSyncLogs)
	return mux
}

// Handler exposes the routed handler, base path included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		http.Error(w, "syncer unavailable", http.StatusServiceUnavailable)
		return
	}
	shopID, ok := shopParam(w, r)
	if !ok {
		return
	}

	var (
		entry *repo.SyncLog
		err   error
	)
	switch entity := r.URL.Query().Get("entity"); entity {
	case repo.EntityEmployees:
		entry, err = s.deps.Syncer.SyncEmployees(r.Context(), shopID, syncer.TriggerManual)
	case repo.EntityRepairOrders, "":
		entry, err = s.deps.Syncer.SyncOrders(r.Context(), shopID, syncer.TriggerManual)
	default:
		http.Error(w, fmt.Sprintf("unknown entity %q", entity), http.StatusBadRequest)
		return
	}
	s.writeRun(w, entry, err)
}

func (s *Server) handleSyncOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		http.Error(w, "syncer unavailable", http.StatusServiceUnavailable)
		return
	}
	shopID, ok := shopParam(w, r)
	if !ok {
		return
	}
	orderID, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || orderID <= 0 {
		http.Error(w, "id must be a repair order id", http.StatusBadRequest)
		return
	}
	entry, err := s.deps.Syncer.SyncOrder(r.Context(), shopID, orderID)
	s.writeRun(w, entry, err)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		http.Error(w, "syncer unavailable", http.StatusServiceUnavailable)
		return
	}
	shopID, ok := shopParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := time.Parse(dateLayout, q.Get("from"))
	if err != nil {
		http.Error(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to := from
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(dateLayout, raw); err != nil {
			http.Error(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}
	if to.Before(from) {
		http.Error(w, "to is before from", http.StatusBadRequest)
		return
	}
	metricsOnly, _ := strconv.ParseBool(q.Get("metrics_only"))

	res, err := s.deps.Syncer.Rebuild(r.Context(), shopID, from, to, metricsOnly)
	if err != nil {
		s.countError()
		s.logger.Error("rebuild failed", "shop_id", shopID, "error", err)
		http.Error(w, "rebuild failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	shopID, ok := shopParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	logs, err := s.deps.Store.ListSyncLogs(r.Context(), shopID, q.Get("entity"), limit)
	if err != nil {
		s.logger.Error("list sync logs failed", "shop_id", shopID, "error", err)
		http.Error(w, "failed listing sync logs", http.StatusInternalServerError)
		return
	}
	out := make([]syncLogView, 0, len(logs))
	for _, l := range logs {
		out = append(out, newSyncLogView(l))
	}
	writeJSON(w, out)
}

// writeRun maps a run outcome onto a status code. Entity-level failures are
// part of a successful response.
func (s *Server) writeRun(w http.ResponseWriter, entry *repo.SyncLog, err error) {
	switch {
	case errors.Is(err, syncer.ErrRunInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, syncer.ErrUpstreamUnreachable):
		s.countError()
		s.logger.Error("sync run failed", "error", err)
		if entry != nil {
			writeStatus(w, http.StatusBadGateway, newSyncLogView(*entry))
			return
		}
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
	case err != nil && entry == nil:
		s.countError()
		s.logger.Error("sync run failed", "error", err)
		http.Error(w, "sync failed", http.StatusInternalServerError)
	default:
		if err != nil {
			s.logger.Warn("sync run finished with error", "error", err)
		}
		writeJSON(w, newSyncLogView(*entry))
	}
}

func (s *Server) countError() {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues("http").Inc()
	}
}

type syncLogView struct {
	ID         string           `json:"id"`
	ShopID     int64            `json:"shop_id"`
	EntityType string           `json:"entity_type"`
	Trigger    string           `json:"trigger"`
	Status     string           `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Fetched    int              `json:"fetched"`
	Created    int              `json:"created"`
	Updated    int              `json:"updated"`
	Skipped    int              `json:"skipped"`
	ErrorCount int              `json:"error_count"`
	Errors     []repo.SyncError `json:"errors"`
}

func newSyncLogView(l repo.SyncLog) syncLogView {
	errs := l.Errors
	if errs == nil {
		errs = []repo.SyncError{}
	}
	return syncLogView{
		ID: l.ID, ShopID: l.ShopID, EntityType: l.EntityType, Trigger: l.Trigger, Status: l.Status,
		StartedAt: l.StartedAt, FinishedAt: l.FinishedAt,
		Fetched: l.Fetched, Created: l.Created, Updated: l.Updated, Skipped: l.Skipped,
		ErrorCount: l.ErrorCount, Errors: errs,
	}
}

func shopParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("shop"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "shop must be a shop id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, data any) {
	writeStatus(w, http.StatusOK, data)
}

func writeStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Warn("encode response failed", "error", err)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
