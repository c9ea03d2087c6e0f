package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ChunksProcessedTotal *prometheus.CounterVec
	RecipientsTotal      *prometheus.CounterVec
	ProviderCallsTotal   *prometheus.CounterVec
	RateLimitDenials     *prometheus.CounterVec
	PendingRecipients    prometheus.Gauge

	WebhookEventsTotal  *prometheus.CounterVec
	EventFlushDuration  prometheus.Histogram
	ReconcilerSynced    *prometheus.CounterVec
	BatchesCompleted    prometheus.Counter
	BreakerOpen         prometheus.Gauge
	LeaderGauge         prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		ChunksProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunks_processed_total",
				Help: "Total number of chunk messages processed",
			},
			[]string{"result"},
		),
		RecipientsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipients_total",
				Help: "Total number of recipient outcomes recorded",
			},
			[]string{"status", "module"},
		),
		ProviderCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Total number of provider API calls",
			},
			[]string{"module", "result"},
		),
		RateLimitDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_denials_total",
				Help: "Total number of denied rate-limit acquisitions",
			},
			[]string{"send_config"},
		),
		PendingRecipients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pending_recipients",
				Help: "Recipients not yet in a terminal state across active batches",
			},
		),
		WebhookEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Total number of provider webhook events",
			},
			[]string{"provider", "event_type", "result"},
		),
		EventFlushDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "event_store_flush_duration_seconds",
				Help:    "Duration of event store batch flushes",
				Buckets: prometheus.DefBuckets,
			},
		),
		ReconcilerSynced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_synced_total",
				Help: "Total number of recipient records mirrored to the relational store",
			},
			[]string{"status"},
		),
		BatchesCompleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "batches_completed_total",
				Help: "Total number of batches driven to completion",
			},
		),
		BreakerOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hot_state_breaker_open",
				Help: "1 when the hot-state circuit breaker is open",
			},
		),
		LeaderGauge: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leader",
				Help: "1 when this worker holds the leader lock",
			},
		),
	}
}
