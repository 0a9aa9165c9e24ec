package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const sessionsEndpoint = "/v1/checkout/sessions"

// CheckoutForInvoice creates a payment-mode Checkout Session for a marketplace invoice.
// The invoice id rides on both the session and its payment intent so either webhook can
// settle it. When the consultant has a connected account, the payout is transferred to it.
func (p *Provider) CheckoutForInvoice(ctx context.Context, inv *reconcile.Invoice, eng *reconcile.Engagement) (out *reconcile.CheckoutSession, err error) {
	defer func() {
		p.metrics.RecordCheckout(string(providerName), billing.CheckoutInvoice, billing.CheckoutStatus(err))
	}()
	if p.api == nil {
		return nil, fmt.Errorf("%w: stripe api key", billing.ErrProviderNotConfigured)
	}
	if p.successURL == "" || p.cancelURL == "" {
		return nil, fmt.Errorf("%w: stripe checkout urls", billing.ErrProviderNotConfigured)
	}

	metadata := map[string]string{
		reconcile.MetadataInvoiceID:      inv.ID,
		reconcile.MetadataOrganizationID: inv.TenantID,
	}
	title := "Invoice " + inv.ID
	if eng != nil && strings.TrimSpace(eng.Title) != "" {
		title = eng.Title
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(inv.Currency)),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(title),
					},
					UnitAmount: stripe.Int64(inv.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: metadata,
		},
		ClientReferenceID: stripe.String(inv.TenantID),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		Metadata:          metadata,
	}
	if eng != nil && eng.ClientEmail != "" {
		params.CustomerEmail = stripe.String(eng.ClientEmail)
	}
	if inv.PayoutAccountID != "" {
		params.PaymentIntentData.TransferData = &stripe.CheckoutSessionCreatePaymentIntentDataTransferDataParams{
			Destination: stripe.String(inv.PayoutAccountID),
			Amount:      stripe.Int64(inv.Payout),
		}
	}
	params.SetIdempotencyKey("invoice:" + inv.ID)

	session, err := p.createSession(ctx, params)
	if err != nil {
		return nil, err
	}
	return &reconcile.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CheckoutForPlan creates a subscription-mode Checkout Session for a catalog plan.
// The organization id is copied onto the subscription so its invoices resolve the tenant.
func (p *Provider) CheckoutForPlan(ctx context.Context, req billing.PlanCheckoutRequest) (out *reconcile.CheckoutSession, err error) {
	defer func() {
		p.metrics.RecordCheckout(string(providerName), billing.CheckoutPlan, billing.CheckoutStatus(err))
	}()
	if p.api == nil {
		return nil, fmt.Errorf("%w: stripe api key", billing.ErrProviderNotConfigured)
	}
	priceID, err := billing.PlanProductID(p.config.Catalog, providerName, req.PlanID, req.Yearly)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		reconcile.MetadataOrganizationID: req.TenantID,
		reconcile.MetadataPlanID:         req.PlanID,
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: metadata,
		},
		ClientReferenceID: stripe.String(req.TenantID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		Metadata:          metadata,
	}

	// Attach the existing customer to avoid duplicates
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}

	session, err := p.createSession(ctx, params)
	if err != nil {
		return nil, err
	}
	return &reconcile.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (p *Provider) createSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	startTime := time.Now()
	session, err := p.api.CreateCheckoutSession(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(string(providerName), sessionsEndpoint, "error", time.Since(startTime))
		return nil, fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(string(providerName), sessionsEndpoint, "success", time.Since(startTime))
	return session, nil
}
