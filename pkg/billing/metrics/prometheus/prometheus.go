// Package prommetrics exports payment provider metrics to Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
)

const subsystem = "provider"

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	deliveries    *prometheus.CounterVec
	deliveryTime  *prometheus.HistogramVec
	rejections    *prometheus.CounterVec
	apiCalls      *prometheus.CounterVec
	apiLatency    *prometheus.HistogramVec
	checkoutsMade *prometheus.CounterVec
}

// NewMetrics registers the provider collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, labels)
	}

	return &Metrics{
		deliveries: counter("webhook_deliveries_total",
			"Webhook deliveries that reached reconciliation, by outcome.",
			"provider", "event_type", "outcome"),
		deliveryTime: histogram("webhook_duration_seconds",
			"Time from receipt to acknowledgment of a reconciled delivery.",
			"provider", "event_type"),
		rejections: counter("webhook_rejections_total",
			"Webhook deliveries refused before reconciliation.",
			"provider", "reason"),
		apiCalls: counter("api_calls_total",
			"Outbound provider API calls.",
			"provider", "endpoint", "status"),
		apiLatency: histogram("api_call_duration_seconds",
			"Latency of outbound provider API calls.",
			"provider", "endpoint"),
		checkoutsMade: counter("checkouts_total",
			"Checkout attempts for invoices and plans.",
			"provider", "purpose", "status"),
	}
}

func (m *Metrics) RecordWebhook(provider, eventType, outcome string, duration time.Duration) {
	m.deliveries.WithLabelValues(provider, eventType, outcome).Inc()
	m.deliveryTime.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookRejected(provider, reason string) {
	m.rejections.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string, duration time.Duration) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
	m.apiLatency.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordCheckout(provider, purpose, status string) {
	m.checkoutsMade.WithLabelValues(provider, purpose, status).Inc()
}

var _ billing.Metrics = (*Metrics)(nil)
