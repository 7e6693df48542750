package metabase

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector records Prometheus metrics for dispatched operations,
// retries, the response cache and session management. A nil collector is
// valid and records nothing.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheSize          *prometheus.GaugeVec
	cacheInvalidations *prometheus.CounterVec

	deduplicationHits *prometheus.CounterVec

	authentications *prometheus.CounterVec
	sessionRefresh  *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a collector on a private registry.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
}

// NewMetricsCollectorWithRegistry creates a collector on registerer.
func NewMetricsCollectorWithRegistry(registerer prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registerer)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_requests_total",
				Help: "Total number of dispatched operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metabase_client_request_duration_seconds",
				Help:    "Duration of dispatched operations including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "outcome"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metabase_client_requests_in_flight",
				Help: "Number of operations currently in flight",
			},
			[]string{"operation"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_retries_total",
				Help: "Total number of scheduled retries",
			},
			[]string{"operation", "attempt"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"operation"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"operation"},
		),
		cacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metabase_client_cache_entries",
				Help: "Current number of entries in the response cache",
			},
			[]string{"store"},
		),
		cacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_cache_invalidations_total",
				Help: "Total number of cache entries removed by writes",
			},
			[]string{"kind"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_deduplication_hits_total",
				Help: "Total number of reads served by an identical in-flight read",
			},
			[]string{"operation"},
		),
		authentications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_authentications_total",
				Help: "Total number of login attempts by method and result",
			},
			[]string{"method", "result"},
		),
		sessionRefresh: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_session_refreshes_total",
				Help: "Total number of session refreshes by result",
			},
			[]string{"result"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metabase_client_errors_total",
				Help: "Total number of errors surfaced to callers",
			},
			[]string{"type", "operation"},
		),
	}
	if reg, ok := registerer.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records operation count and duration.
func (mc *MetricsCollector) RecordRequest(operation string, outcome OutcomeKind, duration time.Duration) {
	if mc == nil {
		return
	}

	label := outcome.String()
	mc.requestsTotal.WithLabelValues(operation, label).Inc()
	mc.requestDuration.WithLabelValues(operation, label).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(operation string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(operation).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(operation string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(operation).Dec()
}

// RecordRetry increments the retry counter for the attempt about to run.
func (mc *MetricsCollector) RecordRetry(operation string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(operation string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(operation).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(operation string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(operation).Inc()
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(store string, size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.WithLabelValues(store).Set(float64(size))
}

// RecordCacheInvalidation counts removed entries under namespace. The label
// is the entity kind, not the full namespace, to bound cardinality.
func (mc *MetricsCollector) RecordCacheInvalidation(namespace string, removed int) {
	if mc == nil || removed <= 0 {
		return
	}

	kind := namespace
	if idx := strings.IndexByte(namespace, ':'); idx != -1 {
		kind = namespace[:idx]
	}
	mc.cacheInvalidations.WithLabelValues(kind).Add(float64(removed))
}

// RecordDeduplicationHit increments the coalesced read counter.
func (mc *MetricsCollector) RecordDeduplicationHit(operation string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(operation).Inc()
}

// RecordAuthentication counts a login by method and result.
func (mc *MetricsCollector) RecordAuthentication(method string, err error) {
	if mc == nil {
		return
	}

	mc.authentications.WithLabelValues(method, resultLabel(err)).Inc()
}

// RecordSessionRefresh counts a refresh by result.
func (mc *MetricsCollector) RecordSessionRefresh(err error) {
	if mc == nil {
		return
	}

	mc.sessionRefresh.WithLabelValues(resultLabel(err)).Inc()
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, operation string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, operation).Inc()
}

// GetRegistry exposes the underlying registry, nil when the collector was
// built on a foreign Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
