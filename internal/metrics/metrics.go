package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox items leaving a drain, by outcome (sent, failed).
	OutboxItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpost_outbox_items_processed_total",
			Help: "Total number of outbox items processed",
		},
		[]string{"outcome"},
	)

	// Per-recipient provider sends, by provider and status.
	ProviderSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpost_provider_sends_total",
			Help: "Total number of single-recipient provider sends",
		},
		[]string{"provider", "status"},
	)

	ProviderSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpost_provider_send_duration_seconds",
			Help:    "Provider send latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"provider"},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailpost_drain_duration_seconds",
			Help:    "Duration of a full outbox drain in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	StaleItemsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailpost_outbox_stale_requeued_total",
			Help: "Total number of stuck sending items returned to pending",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"method", "route", "status"},
	)
)

func RecordOutboxItem(outcome string) {
	OutboxItemsProcessed.WithLabelValues(outcome).Inc()
}

func RecordProviderSend(provider, status string, duration time.Duration) {
	ProviderSends.WithLabelValues(provider, status).Inc()
	ProviderSendDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordDrain(duration time.Duration) {
	DrainDuration.Observe(duration.Seconds())
}

func RecordStaleRequeued(n int) {
	StaleItemsRequeued.Add(float64(n))
}

func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
