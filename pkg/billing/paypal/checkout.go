package paypal

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

type orderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []orderUnit    `json:"purchase_units"`
	PaymentSource *paymentSource `json:"payment_source,omitempty"`
}

type orderUnit struct {
	ReferenceID        string              `json:"reference_id"`
	CustomID           string              `json:"custom_id"`
	InvoiceID          string              `json:"invoice_id"`
	Description        string              `json:"description,omitempty"`
	Amount             money               `json:"amount"`
	Payee              *payee              `json:"payee,omitempty"`
	PaymentInstruction *paymentInstruction `json:"payment_instruction,omitempty"`
}

type payee struct {
	MerchantID string `json:"merchant_id"`
}

type paymentInstruction struct {
	PlatformFees []platformFee `json:"platform_fees"`
}

type platformFee struct {
	Amount money `json:"amount"`
}

type paymentSource struct {
	PayPal paypalSource `json:"paypal"`
}

type paypalSource struct {
	EmailAddress      string            `json:"email_address,omitempty"`
	ExperienceContext experienceContext `json:"experience_context"`
}

type experienceContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	UserAction         string `json:"user_action,omitempty"`
	ShippingPreference string `json:"shipping_preference,omitempty"`
	ReturnURL          string `json:"return_url"`
	CancelURL          string `json:"cancel_url"`
}

type subscriptionRequest struct {
	PlanID             string              `json:"plan_id"`
	CustomID           string              `json:"custom_id"`
	Subscriber         *payer              `json:"subscriber,omitempty"`
	ApplicationContext subscriptionContext `json:"application_context"`
}

type subscriptionContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	UserAction         string `json:"user_action"`
	ShippingPreference string `json:"shipping_preference"`
	ReturnURL          string `json:"return_url"`
	CancelURL          string `json:"cancel_url"`
}

// CheckoutForInvoice creates a PayPal order for a marketplace invoice and returns its
// approval link. The invoice id is the order's custom_id. When the consultant has a
// PayPal merchant account, the order pays them directly and the commission is taken
// as a platform fee.
func (p *Provider) CheckoutForInvoice(ctx context.Context, inv *reconcile.Invoice, eng *reconcile.Engagement) (out *reconcile.CheckoutSession, err error) {
	defer func() {
		p.metrics.RecordCheckout(string(providerName), billing.CheckoutInvoice, billing.CheckoutStatus(err))
	}()
	if p.returnURL == "" || p.cancelURL == "" {
		return nil, fmt.Errorf("%w: paypal return urls", billing.ErrProviderNotConfigured)
	}

	unit := orderUnit{
		ReferenceID: inv.ID,
		CustomID:    inv.ID,
		InvoiceID:   inv.ID,
		Amount:      fromMinor(inv.Amount, inv.Currency),
	}
	if eng != nil && strings.TrimSpace(eng.Title) != "" {
		unit.Description = eng.Title
	}
	if inv.PayoutAccountID != "" {
		unit.Payee = &payee{MerchantID: inv.PayoutAccountID}
		if inv.Commission > 0 {
			unit.PaymentInstruction = &paymentInstruction{
				PlatformFees: []platformFee{{Amount: fromMinor(inv.Commission, inv.Currency)}},
			}
		}
	}

	req := orderRequest{
		Intent:        "CAPTURE",
		PurchaseUnits: []orderUnit{unit},
		PaymentSource: &paymentSource{PayPal: paypalSource{
			ExperienceContext: experienceContext{
				BrandName:          p.brandName,
				UserAction:         "PAY_NOW",
				ShippingPreference: "NO_SHIPPING",
				ReturnURL:          p.returnURL,
				CancelURL:          p.cancelURL,
			},
		}},
	}
	if eng != nil && eng.ClientEmail != "" {
		req.PaymentSource.PayPal.EmailAddress = eng.ClientEmail
	}

	var order orderResource
	if err := p.call(ctx, http.MethodPost, "/v2/checkout/orders", "invoice-"+inv.ID, req, &order); err != nil {
		return nil, err
	}
	approve := findLink(order.Links, "payer-action", "approve")
	if approve == "" {
		return nil, fmt.Errorf("%w: order %s has no approval link", billing.ErrProviderAPIError, order.ID)
	}
	return &reconcile.CheckoutSession{ID: order.ID, URL: approve}, nil
}

// CheckoutForPlan creates a PayPal subscription for the plan and returns its approval link.
// The organization id travels as custom_id and comes back on activation and each sale.
func (p *Provider) CheckoutForPlan(ctx context.Context, req billing.PlanCheckoutRequest) (out *reconcile.CheckoutSession, err error) {
	defer func() {
		p.metrics.RecordCheckout(string(providerName), billing.CheckoutPlan, billing.CheckoutStatus(err))
	}()
	planID, err := billing.PlanProductID(p.config.Catalog, providerName, req.PlanID, req.Yearly)
	if err != nil {
		return nil, err
	}

	body := subscriptionRequest{
		PlanID:   planID,
		CustomID: req.TenantID,
		ApplicationContext: subscriptionContext{
			BrandName:          p.brandName,
			UserAction:         "SUBSCRIBE_NOW",
			ShippingPreference: "NO_SHIPPING",
			ReturnURL:          req.SuccessURL,
			CancelURL:          req.CancelURL,
		},
	}
	if req.Email != "" {
		body.Subscriber = &payer{EmailAddress: req.Email}
	}

	var sub struct {
		ID    string `json:"id"`
		Links []link `json:"links"`
	}
	if err := p.call(ctx, http.MethodPost, "/v1/billing/subscriptions", "", body, &sub); err != nil {
		return nil, err
	}
	approve := findLink(sub.Links, "approve")
	if approve == "" {
		return nil, fmt.Errorf("%w: subscription %s has no approval link", billing.ErrProviderAPIError, sub.ID)
	}
	return &reconcile.CheckoutSession{ID: sub.ID, URL: approve}, nil
}
