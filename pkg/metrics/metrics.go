package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "projectoor"

// Metrics contains all Prometheus metrics for projectoor.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Remote API.
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec

	// Cache.
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheWritesTotal        *prometheus.CounterVec
	CacheErrorsTotal        *prometheus.CounterVec
	CacheInvalidationsTotal prometheus.Counter
	CachePrunedTotal        prometheus.Counter

	// Rate limiter.
	RateLimitWaitsTotal  *prometheus.CounterVec
	RateLimitWaitSeconds *prometheus.HistogramVec

	// Resolver.
	ResolutionsTotal *prometheus.CounterVec

	// Gateway.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Build info.
	BuildInfo *prometheus.GaugeVec
}

// New creates a new Metrics instance and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Remote API.
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of remote API calls",
			},
			[]string{"method", "resource", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Remote API call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "resource"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_retries_total",
				Help:      "Total number of retried remote API calls",
			},
			[]string{"resource", "status"},
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_failures_total",
				Help:      "Total number of requests that failed after all attempts",
			},
			[]string{"resource"},
		),

		// Cache.
		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"ttl_class"},
		),
		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"ttl_class"},
		),
		CacheWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_writes_total",
				Help:      "Total number of cache writes",
			},
			[]string{"ttl_class"},
		),
		CacheErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Total number of cache backend errors",
			},
			[]string{"op"},
		),
		CacheInvalidationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidated_entries_total",
				Help:      "Total number of cache entries removed by invalidation",
			},
		),
		CachePrunedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_pruned_entries_total",
				Help:      "Total number of expired cache entries pruned",
			},
		),

		// Rate limiter.
		RateLimitWaitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_waits_total",
				Help:      "Total number of times a caller waited for window capacity",
			},
			[]string{"class"},
		),
		RateLimitWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ratelimit_wait_seconds",
				Help:      "Time spent waiting for window capacity",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"class"},
		),

		// Resolver.
		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of identifier resolutions",
			},
			[]string{"type", "outcome"},
		),

		// Gateway.
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of gateway HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Gateway HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Build info.
		BuildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information",
			},
			[]string{"version", "commit", "date"},
		),
	}

	return m
}

// SetBuildInfo sets the build info metric.
func (m *Metrics) SetBuildInfo(version, commit, date string) {
	if m == nil {
		return
	}

	m.BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// RecordRequest records one remote API call.
func (m *Metrics) RecordRequest(method, resource, status string, duration float64) {
	if m == nil {
		return
	}

	m.RequestsTotal.WithLabelValues(method, resource, status).Inc()
	m.RequestDuration.WithLabelValues(method, resource).Observe(duration)
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry(resource, status string) {
	if m == nil {
		return
	}

	m.RetriesTotal.WithLabelValues(resource, status).Inc()
}

// RecordFailure increments the terminal failure counter.
func (m *Metrics) RecordFailure(resource string) {
	if m == nil {
		return
	}

	m.FailuresTotal.WithLabelValues(resource).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit(ttlClass string) {
	if m == nil {
		return
	}

	m.CacheHitsTotal.WithLabelValues(ttlClass).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss(ttlClass string) {
	if m == nil {
		return
	}

	m.CacheMissesTotal.WithLabelValues(ttlClass).Inc()
}

// RecordCacheWrite increments the cache write counter.
func (m *Metrics) RecordCacheWrite(ttlClass string) {
	if m == nil {
		return
	}

	m.CacheWritesTotal.WithLabelValues(ttlClass).Inc()
}

// RecordCacheError increments the cache backend error counter.
func (m *Metrics) RecordCacheError(op string) {
	if m == nil {
		return
	}

	m.CacheErrorsTotal.WithLabelValues(op).Inc()
}

// RecordCacheInvalidation adds removed entries to the invalidation counter.
func (m *Metrics) RecordCacheInvalidation(removed int) {
	if m == nil {
		return
	}

	m.CacheInvalidationsTotal.Add(float64(removed))
}

// RecordCachePrune adds pruned entries to the prune counter.
func (m *Metrics) RecordCachePrune(removed int) {
	if m == nil {
		return
	}

	m.CachePrunedTotal.Add(float64(removed))
}

// RecordRateLimitWait records a rate limiter wait.
func (m *Metrics) RecordRateLimitWait(class string, seconds float64) {
	if m == nil {
		return
	}

	m.RateLimitWaitsTotal.WithLabelValues(class).Inc()
	m.RateLimitWaitSeconds.WithLabelValues(class).Observe(seconds)
}

// RecordResolution records an identifier resolution outcome.
func (m *Metrics) RecordResolution(resourceType, outcome string) {
	if m == nil {
		return
	}

	m.ResolutionsTotal.WithLabelValues(resourceType, outcome).Inc()
}

// RecordHTTPRequest records a gateway HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}

	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
