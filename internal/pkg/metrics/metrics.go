// Package metrics provides Prometheus metrics for the request security
// pipeline. Scrapeable /metrics; dashboards and alert rules rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "toolshare"

var (
	// HTTPRequestTotal counts requests by method, path, status.
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram.
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// SecurityDecisionsTotal counts pipeline stage decisions.
	SecurityDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_decisions_total",
			Help:      "Security pipeline decisions by stage, decision, and rejection code.",
		},
		[]string{"stage", "decision", "code"},
	)

	// StageFailuresTotal counts stage errors resolved by failure policy.
	StageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_stage_failures_total",
			Help:      "Stage evaluation errors, labeled by stage and applied policy (open/closed).",
		},
		[]string{"stage", "policy"},
	)

	// RateLimitRejectionsTotal counts 429s by violation type.
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Rate limit rejections by violation type.",
		},
		[]string{"violation"},
	)

	// AttackBlocksTotal counts new blocks issued by the attack pattern tracker.
	AttackBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attack_blocks_total",
			Help:      "New source blocks issued by the attack pattern tracker, by attack type.",
		},
		[]string{"attack_type"},
	)

	// SecurityEventsTotal counts appended security events by type.
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events appended to the audit log, by event type.",
		},
		[]string{"event_type"},
	)

	// GeoLookupFailuresTotal counts failed geolocation resolutions (fail-open path).
	GeoLookupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_lookup_failures_total",
			Help:      "Total number of failed geolocation lookups.",
		},
	)

	// GeoCacheHitsTotal counts geolocation cache hits.
	GeoCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_cache_hits_total",
			Help:      "Total number of geolocation cache hits.",
		},
	)

	// GeoCacheMissesTotal counts geolocation cache misses.
	GeoCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_cache_misses_total",
			Help:      "Total number of geolocation cache misses.",
		},
	)
)
