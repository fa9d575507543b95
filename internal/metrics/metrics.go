// Package metrics provides Prometheus metrics for the lokal application.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Cache tier metrics
	CacheRequestsTotal     *prometheus.CounterVec
	CacheStoreErrorsTotal  *prometheus.CounterVec
	CacheOversizeSkipTotal prometheus.Counter
	CacheInvalidatedTotal  prometheus.Counter
	CacheStoreReady        prometheus.Gauge

	// Upstream provider metrics
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	SnapshotFallbacksTotal  *prometheus.CounterVec

	// Planner metrics
	PlannerPlansTotal *prometheus.CounterVec
	PlannerDuration   prometheus.Histogram

	// Publisher metrics
	PublisherMessagesTotal *prometheus.CounterVec
	PublisherConnected     prometheus.Gauge

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitSecondsTotal prometheus.Counter

	// logger for error reporting
	logger *slog.Logger

	// collectorStarted prevents spawning multiple collector goroutines
	collectorStarted atomic.Bool

	// cancel stops the DB stats collector goroutine
	cancel context.CancelFunc

	// wg tracks the DB stats collector goroutine for graceful shutdown
	wg sync.WaitGroup
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lokal_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lokal_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	cacheRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lokal_cache_requests_total",
			Help: "Cache lookups by result (hit, miss, bypass)",
		},
		[]string{"result"},
	)

	cacheStoreErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lokal_cache_store_errors_total",
			Help: "Cache store operation failures",
		},
		[]string{"op"},
	)

	cacheOversizeSkipTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lokal_cache_oversize_skips_total",
		Help: "Values not written because they exceeded the size ceiling",
	})

	cacheInvalidatedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lokal_cache_invalidated_keys_total",
		Help: "Keys removed by explicit invalidation",
	})

	cacheStoreReady := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lokal_cache_store_ready",
		Help: "1 when the cache store is connected and ready, 0 when degraded",
	})

	upstreamRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lokal_upstream_requests_total",
			Help: "Requests to the transit provider by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	upstreamRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lokal_upstream_request_duration_seconds",
			Help:    "Transit provider request latency distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	snapshotFallbacksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lokal_snapshot_fallbacks_total",
			Help: "Reads served from the persisted snapshot after a provider failure",
		},
		[]string{"kind"},
	)

	plannerPlansTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lokal_planner_plans_total",
			Help: "Plan requests by outcome",
		},
		[]string{"outcome"},
	)

	plannerDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lokal_planner_duration_seconds",
		Help:    "Itinerary planning latency distribution",
		Buckets: prometheus.DefBuckets,
	})

	publisherMessagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lokal_publisher_messages_total",
			Help: "Vehicle snapshot messages published by result",
		},
		[]string{"result"},
	)

	publisherConnected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lokal_publisher_connected",
		Help: "1 when the message broker connection is up",
	})

	dbConnectionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lokal_db_connections_open",
		Help: "Number of open database connections",
	})

	dbConnectionsInUse := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lokal_db_connections_in_use",
		Help: "Number of database connections currently in use",
	})

	dbConnectionsIdle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lokal_db_connections_idle",
		Help: "Number of idle database connections",
	})

	dbWaitSecondsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lokal_db_wait_seconds_total",
		Help: "Total time blocked waiting for a database connection",
	})

	// Register all metrics with the custom registry
	registry.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		cacheRequestsTotal,
		cacheStoreErrorsTotal,
		cacheOversizeSkipTotal,
		cacheInvalidatedTotal,
		cacheStoreReady,
		upstreamRequestsTotal,
		upstreamRequestDuration,
		snapshotFallbacksTotal,
		plannerPlansTotal,
		plannerDuration,
		publisherMessagesTotal,
		publisherConnected,
		dbConnectionsOpen,
		dbConnectionsInUse,
		dbConnectionsIdle,
		dbWaitSecondsTotal,
	)

	return &Metrics{
		Registry:            registry,
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,

		CacheRequestsTotal:     cacheRequestsTotal,
		CacheStoreErrorsTotal:  cacheStoreErrorsTotal,
		CacheOversizeSkipTotal: cacheOversizeSkipTotal,
		CacheInvalidatedTotal:  cacheInvalidatedTotal,
		CacheStoreReady:        cacheStoreReady,

		UpstreamRequestsTotal:   upstreamRequestsTotal,
		UpstreamRequestDuration: upstreamRequestDuration,
		SnapshotFallbacksTotal:  snapshotFallbacksTotal,

		PlannerPlansTotal: plannerPlansTotal,
		PlannerDuration:   plannerDuration,

		PublisherMessagesTotal: publisherMessagesTotal,
		PublisherConnected:     publisherConnected,

		DBConnectionsOpen:  dbConnectionsOpen,
		DBConnectionsInUse: dbConnectionsInUse,
		DBConnectionsIdle:  dbConnectionsIdle,
		DBWaitSecondsTotal: dbWaitSecondsTotal,
		logger:             logger,
	}
}

// StartDBStatsCollector starts a goroutine that periodically collects database
// connection pool statistics and updates the corresponding metrics.
// The interval specifies how often to collect stats.
// This method is idempotent - calling it multiple times has no effect after the first call.
// Call Shutdown() to stop the collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}

	// Prevent spawning multiple collectors
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var lastWaitDuration time.Duration

	// Add to WaitGroup BEFORE exposing cancel to avoid race with Shutdown
	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if m.logger != nil {
					m.logger.Error("panic in DB stats collector", "error", r)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))
				m.DBConnectionsIdle.Set(float64(stats.Idle))

				// Add the delta of wait duration since last check
				waitDelta := stats.WaitDuration - lastWaitDuration
				if waitDelta > 0 {
					m.DBWaitSecondsTotal.Add(waitDelta.Seconds())
				}
				lastWaitDuration = stats.WaitDuration

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector goroutine and waits for it to exit.
// This method is safe to call multiple times.
func (m *Metrics) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// The helpers below are nil-safe so components can run without metrics.

func (m *Metrics) CacheResult(result string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheStoreError(op string) {
	if m == nil {
		return
	}
	m.CacheStoreErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) CacheOversize() {
	if m == nil {
		return
	}
	m.CacheOversizeSkipTotal.Inc()
}

func (m *Metrics) CacheInvalidated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheInvalidatedTotal.Add(float64(n))
}

func (m *Metrics) SetCacheReady(ready bool) {
	if m == nil {
		return
	}
	m.CacheStoreReady.Set(boolToFloat(ready))
}

func (m *Metrics) ObserveUpstream(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) SnapshotFallback(kind string) {
	if m == nil {
		return
	}
	m.SnapshotFallbacksTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePlan(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PlannerPlansTotal.WithLabelValues(outcome).Inc()
	m.PlannerDuration.Observe(d.Seconds())
}

func (m *Metrics) PublisherResult(result string) {
	if m == nil {
		return
	}
	m.PublisherMessagesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPublisherConnected(up bool) {
	if m == nil {
		return
	}
	m.PublisherConnected.Set(boolToFloat(up))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
