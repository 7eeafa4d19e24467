// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for gatecache.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access on the admission hot path.
type Metrics struct {
	// Atomic counters for hot-path reads (no mutex, no allocation).
	cacheHits     int64
	cacheMisses   int64
	fetchFailures int64
	allowed       int64
	denied        int64
	eventsDropped int64

	// Prometheus counters for scraping.
	promCacheHits    prometheus.Counter
	promCacheMisses  prometheus.Counter
	promSweepRemoved prometheus.Counter
	promEventsDrop   prometheus.Counter

	// Fetch outcomes are a bounded label set (success, not_found,
	// unavailable, timeout, malformed, error).
	promFetches       *prometheus.CounterVec
	promFetchDuration prometheus.Histogram

	// Admission decisions per service and reason. Reasons are a closed
	// taxonomy and services are a fixed set, so labels are safe from
	// cardinality explosions. Per-project labels are deliberately not
	// used — project ids are unbounded.
	promDecisions *prometheus.CounterVec

	// Active local connections / in-flight operations per service.
	promActive *prometheus.GaugeVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatecache",
			Name:      "snapshot_cache_hits_total",
			Help:      "Total snapshot lookups served from a fresh cache entry.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatecache",
			Name:      "snapshot_cache_misses_total",
			Help:      "Total snapshot lookups that required a control-plane fetch.",
		}),
		promSweepRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatecache",
			Name:      "snapshot_cache_sweep_removed_total",
			Help:      "Total expired cache entries removed by the periodic sweep.",
		}),
		promEventsDrop: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatecache",
			Name:      "events_dropped_total",
			Help:      "Total decision events dropped due to a full buffer.",
		}),
		promFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatecache",
			Name:      "snapshot_fetches_total",
			Help:      "Total snapshot fetches by classified outcome.",
		}, []string{"outcome"}),
		promFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatecache",
			Name:      "snapshot_fetch_duration_seconds",
			Help:      "Snapshot fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		promDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatecache",
			Name:      "admission_decisions_total",
			Help:      "Total admission decisions by service and reason.",
		}, []string{"service", "reason"}),
		promActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatecache",
			Name:      "active_local_count",
			Help:      "Locally tracked connections or in-flight operations per service.",
		}, []string{"service"}),
	}
}

// IncCacheHit records a snapshot lookup served from fresh cache.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMiss records a snapshot lookup that needed a fetch.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// AddSweepRemoved records entries removed by a cache sweep.
func (m *Metrics) AddSweepRemoved(n int) {
	if n > 0 {
		m.promSweepRemoved.Add(float64(n))
	}
}

// ObserveFetch records one classified fetch outcome and its duration.
func (m *Metrics) ObserveFetch(outcome string, elapsed time.Duration) {
	if outcome != "success" {
		atomic.AddInt64(&m.fetchFailures, 1)
	}
	m.promFetches.WithLabelValues(outcome).Inc()
	m.promFetchDuration.Observe(elapsed.Seconds())
}

// IncDecision records one admission decision. An empty reason marks an
// allowed decision.
func (m *Metrics) IncDecision(service, reason string) {
	if reason == "" {
		atomic.AddInt64(&m.allowed, 1)
		reason = "allowed"
	} else {
		atomic.AddInt64(&m.denied, 1)
	}
	m.promDecisions.WithLabelValues(service, reason).Inc()
}

// SetActive reports the locally tracked usage count for a service.
func (m *Metrics) SetActive(service string, n int64) {
	m.promActive.WithLabelValues(service).Set(float64(n))
}

// IncEventsDropped records a decision event dropped on buffer overflow.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDrop.Inc()
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	CacheHits     int64
	CacheMisses   int64
	FetchFailures int64
	Allowed       int64
	Denied        int64
	EventsDropped int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CacheHits:     atomic.LoadInt64(&m.cacheHits),
		CacheMisses:   atomic.LoadInt64(&m.cacheMisses),
		FetchFailures: atomic.LoadInt64(&m.fetchFailures),
		Allowed:       atomic.LoadInt64(&m.allowed),
		Denied:        atomic.LoadInt64(&m.denied),
		EventsDropped: atomic.LoadInt64(&m.eventsDropped),
	}
}
