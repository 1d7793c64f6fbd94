// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration *prometheus.HistogramVec
	UpstreamFailures *prometheus.CounterVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheBytes     prometheus.Gauge

	RateLimitRejected *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdn_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdn_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdn_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdn_proxy_upstream_request_duration_seconds",
			Help:    "Upstream attempt latency in seconds by pool.",
			Buckets: defaultBuckets,
		}, []string{"pool"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdn_proxy_upstream_failures_total",
			Help: "Total failed upstream attempts by pool.",
		}, []string{"pool"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdn_proxy_cache_hits_total",
			Help: "Total cache lookups served from the store.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdn_proxy_cache_misses_total",
			Help: "Total cache lookups that required an upstream fetch.",
		}),

		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdn_proxy_cache_evictions_total",
			Help: "Total entries evicted to stay under the byte budget.",
		}),

		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdn_proxy_cache_bytes",
			Help: "Bytes currently held by the response cache.",
		}),

		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdn_proxy_ratelimit_rejected_total",
			Help: "Total requests rejected by rate limiting, by zone.",
		}, []string{"zone"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamFailures,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.CacheBytes,
		m.RateLimitRejected,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label: the first matching prefix
// from the given set (configured route prefixes plus the control
// endpoints), or "other".
func NormalizePath(path string, prefixes []string) string {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix) {
			return prefix
		}
	}
	return "other"
}
