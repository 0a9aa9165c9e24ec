package billing

import (
	"context"
	"net/http"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// Provider is the interface every payment provider adapter implements.
// Adapters only translate provider payloads; all state changes go through the EventSink.
type Provider interface {
	// Name returns the provider name (e.g., "stripe", "dodo", "paypal")
	Name() reconcile.Provider

	// WebhookHandler returns the HTTP handler that verifies, parses and reconciles
	// the provider's webhook deliveries.
	WebhookHandler() http.Handler
}

// EventSink applies normalized payment events. *reconcile.Reconciler implements it.
type EventSink interface {
	Handle(ctx context.Context, evt *reconcile.NormalizedPaymentEvent) (*reconcile.Outcome, error)
}

// PlanCheckoutRequest asks a provider for a subscription checkout for one organization.
type PlanCheckoutRequest struct {
	TenantID   string `json:"organization_id" validate:"required"`
	PlanID     string `json:"plan_id" validate:"required"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	CustomerID string `json:"customer_id,omitempty"`
	Yearly     bool   `json:"yearly,omitempty"`
	SuccessURL string `json:"success_url" validate:"required,url"`
	CancelURL  string `json:"cancel_url" validate:"required,url"`
}

// PlanCheckout is implemented by providers that can start a subscription checkout.
type PlanCheckout interface {
	Name() reconcile.Provider
	CheckoutForPlan(ctx context.Context, req PlanCheckoutRequest) (*reconcile.CheckoutSession, error)
}
