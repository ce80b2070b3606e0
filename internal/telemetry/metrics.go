// Package telemetry provides observability primitives for the Moria gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	ProvidersByStatus *prometheus.GaugeVec
	ProviderLoad      *prometheus.GaugeVec

	SessionMatches *prometheus.CounterVec
	StreamChunks   prometheus.Counter

	RateLimitRejects prometheus.Counter
	TokensProcessed  *prometheus.CounterVec
	LogQueueLength   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moria",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "moria",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moria",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "moria",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream assist call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moria",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by kind.",
		}, []string{"provider", "kind"}),

		ProvidersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "moria",
			Name:      "providers",
			Help:      "Providers in the pool by status.",
		}, []string{"status"}),

		ProviderLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "moria",
			Name:      "provider_load",
			Help:      "Current concurrent load per provider.",
		}, []string{"provider"}),

		SessionMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moria",
			Name:      "session_matches_total",
			Help:      "Session matcher outcomes by kind.",
		}, []string{"kind"}),

		StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moria",
			Name:      "stream_chunks_total",
			Help:      "Total streaming chunks delivered to callers.",
		}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moria",
			Name:      "ratelimit_rejects_total",
			Help:      "Total daily-quota rejections.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moria",
			Name:      "tokens_processed_total",
			Help:      "Total estimated tokens processed.",
		}, []string{"model", "type"}),

		LogQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moria",
			Name:      "log_queue_length",
			Help:      "Current number of queued request-log records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.ProvidersByStatus,
		m.ProviderLoad,
		m.SessionMatches,
		m.StreamChunks,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.LogQueueLength,
	)

	return m
}
