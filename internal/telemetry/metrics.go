// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	RateLimitRejects  prometheus.Counter
	BotActions        *prometheus.CounterVec
	CommitFailures    prometheus.Counter
	UsageFailures     prometheus.Counter
	WatermarksApplied prometheus.Counter
	BatchesClosed     prometheus.Counter
	AnchorAttempts    prometheus.Counter
	AnchorFailures    prometheus.Counter
	AnchorQueueDepth  prometheus.Gauge
	LimiterBuckets    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gaasgw",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaasgw",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gaasgw",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream service call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"service"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "upstream_errors_total",
			Help:      "Total upstream dispatch errors.",
		}, []string{"service", "kind"}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}),

		BotActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "bot_actions_total",
			Help:      "Total bot classifier decisions by action.",
		}, []string{"action"}),

		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "commit_failures_total",
			Help:      "Total failed request hash commitments.",
		}),

		UsageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "usage_failures_total",
			Help:      "Total failed usage/billing writes.",
		}),

		WatermarksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "watermarks_applied_total",
			Help:      "Total responses watermarked.",
		}),

		BatchesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "merkle_batches_closed_total",
			Help:      "Total Merkle batches closed.",
		}),

		AnchorAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "anchor_attempts_total",
			Help:      "Total blockchain anchoring attempts.",
		}),

		AnchorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gaasgw",
			Name:      "anchor_failures_total",
			Help:      "Total failed blockchain anchoring attempts.",
		}),

		AnchorQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaasgw",
			Name:      "anchor_queue_depth",
			Help:      "Current number of batches queued for anchoring.",
		}),

		LimiterBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaasgw",
			Name:      "limiter_buckets",
			Help:      "Current number of live token buckets.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.BotActions,
		m.CommitFailures,
		m.UsageFailures,
		m.WatermarksApplied,
		m.BatchesClosed,
		m.AnchorAttempts,
		m.AnchorFailures,
		m.AnchorQueueDepth,
		m.LimiterBuckets,
	)

	return m
}
