// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Reconstruction metrics
	EventsReplayed       *prometheus.CounterVec
	HistoryBuildDuration *prometheus.HistogramVec
	PriceResolutions     *prometheus.CounterVec
	RateDefaults         prometheus.Counter

	// Snapshot metrics
	SnapshotsTotal         *prometheus.CounterVec
	SnapshotDuration       prometheus.Histogram
	PoolExclusions         *prometheus.CounterVec
	CacheRequests          *prometheus.CounterVec
	DedupShared            prometheus.Counter
	LastSuccessfulSnapshot prometheus.Gauge

	// Protocol RPC metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCCallErrors  *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lendfolio"
	}

	return &Metrics{
		EventsReplayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balance",
			Name:      "events_replayed_total",
			Help:      "Total number of ledger events replayed by kind",
		}, []string{"kind"}),
		HistoryBuildDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "balance",
			Name:      "history_build_seconds",
			Help:      "Daily balance history reconstruction duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		PriceResolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "price_resolutions_total",
			Help:      "Total number of price lookups by provenance",
		}, []string{"source"}),
		RateDefaults: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "rate_defaults_total",
			Help:      "Total number of rate lookups that fell back to 1.0",
		}),

		SnapshotsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "builds_total",
			Help:      "Total number of wallet snapshot builds by status",
		}, []string{"status"}),
		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "build_seconds",
			Help:      "Wallet snapshot build duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		PoolExclusions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "pool_exclusions_total",
			Help:      "Total number of pools excluded from a snapshot by failing stage",
		}, []string{"stage"}),
		CacheRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "cache_requests_total",
			Help:      "Total number of TTL cache reads by cache and result",
		}, []string{"cache", "result"}),
		DedupShared: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "dedup_shared_total",
			Help:      "Total number of snapshot requests served by an in-flight computation",
		}),
		LastSuccessfulSnapshot: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_snapshot_timestamp",
			Help:      "Unix timestamp of last successful wallet snapshot",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "rpc_call_latency_seconds",
			Help:      "Protocol RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "rpc_call_errors_total",
			Help:      "Total number of failed protocol RPC calls",
		}, []string{"method"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordEventsReplayed adds n replayed events of the given kind (pool or backstop).
func RecordEventsReplayed(kind string, n int) {
	DefaultMetrics.EventsReplayed.WithLabelValues(kind).Add(float64(n))
}

// RecordHistoryBuild records a history reconstruction duration.
func RecordHistoryBuild(kind string, seconds float64) {
	DefaultMetrics.HistoryBuildDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordPriceResolution counts a resolved price by provenance.
func RecordPriceResolution(source string) {
	DefaultMetrics.PriceResolutions.WithLabelValues(source).Inc()
}

// RecordRateDefault counts a rate lookup that used the 1.0 default.
func RecordRateDefault() {
	DefaultMetrics.RateDefaults.Inc()
}

// RecordSnapshot records a wallet snapshot build.
func RecordSnapshot(status string, seconds float64, finishedAtUnix int64) {
	DefaultMetrics.SnapshotsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.SnapshotDuration.Observe(seconds)
	if status == "ok" {
		DefaultMetrics.LastSuccessfulSnapshot.Set(float64(finishedAtUnix))
	}
}

// RecordPoolExcluded counts a pool dropped from a snapshot.
func RecordPoolExcluded(stage string) {
	DefaultMetrics.PoolExclusions.WithLabelValues(stage).Inc()
}

// RecordCacheRead records a cache hit or miss.
func RecordCacheRead(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	DefaultMetrics.CacheRequests.WithLabelValues(cache, result).Inc()
}

// RecordDedupShared counts a request that joined an in-flight computation.
func RecordDedupShared() {
	DefaultMetrics.DedupShared.Inc()
}

// RecordRPCCall records protocol RPC call latency and failures.
func RecordRPCCall(method string, seconds float64, err error) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
	if err != nil {
		DefaultMetrics.RPCCallErrors.WithLabelValues(method).Inc()
	}
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
