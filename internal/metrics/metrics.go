package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	UpstreamRetries  *prometheus.CounterVec
	SyncRuns         *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	SyncEntities     *prometheus.CounterVec
	Snapshots        *prometheus.CounterVec
	VarianceFlags    *prometheus.CounterVec
	RateSources      *prometheus.CounterVec
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = build(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered returns collectors that are not attached to the default
// registry. Tests use it to observe counters without global state.
func NewUnregistered(namespace string) *Metrics {
	return build(namespace)
}

func build(namespace string) *Metrics {
	return &Metrics{
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total shop-management API requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency distribution for shop-management API requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retried upstream requests after a transient failure.",
		}, []string{"endpoint"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync runs by entity type and final status.",
		}, []string{"entity", "status"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"entity"}),
		SyncEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_entities_total",
			Help:      "Entities processed by sync runs grouped by outcome.",
		}, []string{"entity", "outcome"}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot capture attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		VarianceFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variance_flags_total",
			Help:      "Snapshots whose gp percent disagreed with the upstream margin.",
		}, []string{"reason"}),
		RateSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labor_rate_sources_total",
			Help:      "Labor lines by technician rate source.",
		}, []string{"source"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.UpstreamRequests,
		m.UpstreamLatency,
		m.UpstreamRetries,
		m.SyncRuns,
		m.SyncDuration,
		m.SyncEntities,
		m.Snapshots,
		m.VarianceFlags,
		m.RateSources,
		m.Errors,
	}
}
