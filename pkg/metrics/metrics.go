// Package metrics holds the Prometheus collectors shared by the live board
// components. Collectors are registered with the default registry on init and
// exposed by the microservice server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CacheRequests counts cache lookups by result: hit, miss or error.
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveboard_cache_requests_total",
			Help: "Cache lookups by result.",
		},
		[]string{"backend", "result"},
	)

	// CacheBackendErrors counts swallowed backend failures by operation.
	CacheBackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveboard_cache_backend_errors_total",
			Help: "Cache backend failures that were degraded to a miss or a dropped write.",
		},
		[]string{"backend", "op"},
	)

	// CacheCompactedEntries counts expired entries removed by compaction.
	CacheCompactedEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveboard_cache_compacted_entries_total",
			Help: "Expired entries removed by backend compaction.",
		},
		[]string{"backend"},
	)

	// UpstreamRequests counts upstream API calls by source and outcome.
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveboard_upstream_requests_total",
			Help: "Upstream API requests by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	// UpstreamDuration observes upstream API latencies in seconds.
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "liveboard_upstream_request_duration_seconds",
			Help:    "Upstream API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// PrefetchJobs counts prefetch jobs by kind and outcome.
	PrefetchJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveboard_prefetch_jobs_total",
			Help: "Prefetch jobs by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// PrefetchInFlight tracks claimed prefetch jobs, queued or running.
	PrefetchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "liveboard_prefetch_in_flight",
			Help: "Prefetch jobs currently claimed (queued or running).",
		},
	)

	// HTTPRequests counts served HTTP requests.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveboard_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration observes HTTP request latencies in seconds.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "liveboard_http_request_duration_seconds",
			Help: "HTTP request latencies in seconds.",
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		CacheRequests,
		CacheBackendErrors,
		CacheCompactedEntries,
		UpstreamRequests,
		UpstreamDuration,
		PrefetchJobs,
		PrefetchInFlight,
		HTTPRequests,
		HTTPDuration,
	)
}
