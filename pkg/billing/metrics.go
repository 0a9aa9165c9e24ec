package billing

import (
	"errors"
	"time"
)

// Metrics tracks webhook deliveries and outbound provider calls.
// Providers fall back to NoopMetrics when none is configured.
type Metrics interface {
	// RecordWebhook records a delivery that reached reconciliation.
	// outcome is the reconcile status ("applied", "skipped", "duplicate", "ignored") or "error".
	RecordWebhook(provider, eventType, outcome string, duration time.Duration)

	// RecordWebhookRejected records a delivery refused before reconciliation
	// ("payload_too_large", "invalid_payload", "auth_failed", "provider_unavailable").
	RecordWebhookRejected(provider, reason string)

	// RecordAPICall records one outbound call. endpoint is the path with ids stripped;
	// status is "success" or "error".
	RecordAPICall(provider, endpoint, status string, duration time.Duration)

	// RecordCheckout records a checkout attempt. purpose is "invoice" or "plan";
	// status is "created", "plan_not_found" or "error".
	RecordCheckout(provider, purpose, status string)
}

// Checkout purposes
const (
	CheckoutInvoice = "invoice"
	CheckoutPlan    = "plan"
)

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhook(_, _, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookRejected(_, _ string)             {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordCheckout(_, _, _ string)                 {}

// CheckoutStatus maps a checkout error to its metric status.
func CheckoutStatus(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrPlanNotConfigured):
		return "plan_not_found"
	default:
		return "error"
	}
}
