package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const verifyEndpoint = "/v1/notifications/verify-webhook-signature"

// envelope is the outer shape of every PayPal webhook delivery.
type envelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	CreateTime   time.Time       `json:"create_time"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type payerName struct {
	GivenName string `json:"given_name"`
	Surname   string `json:"surname"`
}

func (n *payerName) String() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.GivenName + " " + n.Surname)
}

type payer struct {
	EmailAddress string     `json:"email_address,omitempty"`
	PayerID      string     `json:"payer_id,omitempty"`
	Name         *payerName `json:"name,omitempty"`
}

type subscriptionResource struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	Status     string `json:"status"`
	CustomID   string `json:"custom_id"`
	Subscriber *payer `json:"subscriber"`
}

func (s *subscriptionResource) hint() reconcile.CustomerHint {
	hint := reconcile.CustomerHint{Provider: providerName, TenantID: s.CustomID}
	if s.Subscriber != nil {
		hint.ExternalID = s.Subscriber.PayerID
		hint.Email = s.Subscriber.EmailAddress
		hint.Name = s.Subscriber.Name.String()
	}
	return hint
}

type saleResource struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Amount struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
	BillingAgreementID string `json:"billing_agreement_id"`
	Custom             string `json:"custom"`
}

type captureResource struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        money  `json:"amount"`
	CustomID      string `json:"custom_id"`
	InvoiceID     string `json:"invoice_id"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	Links []link `json:"links"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Amount      money  `json:"amount"`
	Payments    *struct {
		Captures []captureResource `json:"captures"`
	} `json:"payments"`
}

type orderResource struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Payer         *payer         `json:"payer"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type disputeResource struct {
	DisputeID            string `json:"dispute_id"`
	Reason               string `json:"reason"`
	Status               string `json:"status"`
	DisputeAmount        money  `json:"dispute_amount"`
	DisputedTransactions []struct {
		SellerTransactionID string `json:"seller_transaction_id"`
	} `json:"disputed_transactions"`
}

// decode verifies the delivery with PayPal and parses it.
func (p *Provider) decode(r *http.Request, body []byte) (*reconcile.NormalizedPaymentEvent, error) {
	if p.webhookID == "" {
		if err := p.config.AllowUnsigned(); err != nil {
			return nil, err
		}
	} else if err := p.verify(r.Context(), r.Header, body); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if env.ID == "" || env.EventType == "" || len(env.Resource) == 0 {
		return nil, fmt.Errorf("%w: missing id, event_type or resource", billing.ErrInvalidWebhookPayload)
	}

	evt, err := p.parsers.Parse(r.Context(), env.EventType, &env)
	if err != nil || evt == nil {
		return nil, err
	}
	evt.EventID = env.ID
	evt.EventType = env.EventType
	evt.OccurredAt = env.CreateTime.UTC()
	return evt, nil
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// verify asks PayPal to check the transmission signature against the registered webhook.
func (p *Provider) verify(ctx context.Context, h http.Header, body []byte) error {
	req := verifyRequest{
		AuthAlgo:         h.Get("PAYPAL-AUTH-ALGO"),
		CertURL:          h.Get("PAYPAL-CERT-URL"),
		TransmissionID:   h.Get("PAYPAL-TRANSMISSION-ID"),
		TransmissionSig:  h.Get("PAYPAL-TRANSMISSION-SIG"),
		TransmissionTime: h.Get("PAYPAL-TRANSMISSION-TIME"),
		WebhookID:        p.webhookID,
		WebhookEvent:     json.RawMessage(body),
	}
	if req.AuthAlgo == "" || req.CertURL == "" || req.TransmissionID == "" ||
		req.TransmissionSig == "" || req.TransmissionTime == "" {
		return fmt.Errorf("%w: missing transmission headers", billing.ErrInvalidWebhookSignature)
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not json", billing.ErrInvalidWebhookPayload)
	}

	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.call(ctx, http.MethodPost, verifyEndpoint, "", req, &resp); err != nil {
		return err
	}
	if resp.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: verification status %q", billing.ErrInvalidWebhookSignature, resp.VerificationStatus)
	}
	return nil
}

// registry maps PayPal event types to parsers.
func (p *Provider) registry() billing.Registry[*envelope] {
	return billing.Registry[*envelope]{
		"BILLING.SUBSCRIPTION.ACTIVATED": parseSubscription(reconcile.EventSubscriptionCreated),
		"BILLING.SUBSCRIPTION.CANCELLED": parseSubscription(reconcile.EventSubscriptionCanceled),
		"BILLING.SUBSCRIPTION.EXPIRED":   parseSubscription(reconcile.EventSubscriptionCanceled),
		"PAYMENT.SALE.COMPLETED":         p.parseSaleCompleted,
		"PAYMENT.CAPTURE.COMPLETED":      parseCapture(reconcile.EventPaymentSucceeded),
		"PAYMENT.CAPTURE.DENIED":         parseCapture(reconcile.EventPaymentFailed),
		"PAYMENT.CAPTURE.REFUNDED":       parseRefund,
		"CHECKOUT.ORDER.APPROVED":        p.parseOrderApproved,
		"CHECKOUT.ORDER.COMPLETED":       parseOrderCompleted,
		"CUSTOMER.DISPUTE.CREATED":       parseDispute,
	}
}

func unmarshalResource(env *envelope, v interface{}) error {
	if err := json.Unmarshal(env.Resource, v); err != nil {
		return fmt.Errorf("%w: %s resource: %v", billing.ErrInvalidWebhookPayload, env.EventType, err)
	}
	return nil
}

// parseSubscription handles subscription lifecycle events. Activation moves the plan
// pointer only; credits are allocated by the PAYMENT.SALE.COMPLETED that follows.
func parseSubscription(kind reconcile.EventKind) billing.ParseFunc[*envelope] {
	return func(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
		var sub subscriptionResource
		if err := unmarshalResource(env, &sub); err != nil {
			return nil, err
		}
		evt := &reconcile.NormalizedPaymentEvent{
			Kind:           kind,
			Customer:       sub.hint(),
			SubscriptionID: sub.ID,
		}
		if kind != reconcile.EventSubscriptionCanceled && sub.PlanID != "" {
			evt.ProductIDs = []string{sub.PlanID}
		}
		return evt, nil
	}
}

// parseSaleCompleted handles subscription charges. The sale only names its subscription,
// so the subscriber and plan are fetched; the fetch fails soft.
func (p *Provider) parseSaleCompleted(ctx context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var sale saleResource
	if err := unmarshalResource(env, &sale); err != nil {
		return nil, err
	}
	if sale.BillingAgreementID == "" {
		// one-off sales are not created by this service
		return nil, nil
	}
	amount, err := toMinor(sale.Amount.Total, sale.Amount.Currency)
	if err != nil {
		return nil, err
	}
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:           reconcile.EventSubscriptionRenewed,
		Customer:       reconcile.CustomerHint{Provider: providerName, TenantID: sale.Custom},
		PaymentID:      sale.ID,
		SubscriptionID: sale.BillingAgreementID,
		AmountMinor:    amount,
		Currency:       sale.Amount.Currency,
	}

	sub, err := p.fetchSubscription(ctx, sale.BillingAgreementID)
	if err != nil {
		p.logger.Warn("failed to fetch paypal subscription",
			reconcile.F("subscription_id", sale.BillingAgreementID),
			reconcile.F("event_id", env.ID),
			reconcile.F("error", err.Error()))
		return evt, nil
	}
	hint := sub.hint()
	if evt.Customer.TenantID != "" {
		hint.TenantID = evt.Customer.TenantID
	}
	evt.Customer = hint
	if sub.PlanID != "" {
		evt.ProductIDs = []string{sub.PlanID}
	}
	return evt, nil
}

func (p *Provider) fetchSubscription(ctx context.Context, id string) (*subscriptionResource, error) {
	ctx, cancel := context.WithTimeout(ctx, billing.FetchTimeout)
	defer cancel()

	var sub subscriptionResource
	if err := p.call(ctx, http.MethodGet, "/v1/billing/subscriptions/"+id, "", nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// parseCapture settles marketplace invoices. Captures without a custom id were not
// created by this service.
func parseCapture(kind reconcile.EventKind) billing.ParseFunc[*envelope] {
	return func(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
		var capture captureResource
		if err := unmarshalResource(env, &capture); err != nil {
			return nil, err
		}
		if capture.CustomID == "" {
			return nil, nil
		}
		return captureEvent(kind, &capture)
	}
}

func captureEvent(kind reconcile.EventKind, capture *captureResource) (*reconcile.NormalizedPaymentEvent, error) {
	amount, err := toMinor(capture.Amount.Value, capture.Amount.CurrencyCode)
	if err != nil {
		return nil, err
	}
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:        kind,
		Customer:    reconcile.CustomerHint{Provider: providerName},
		PaymentID:   capture.ID,
		AmountMinor: amount,
		Currency:    capture.Amount.CurrencyCode,
		InvoiceID:   capture.CustomID,
	}
	if kind == reconcile.EventPaymentFailed {
		evt.Reason = strings.ToLower(capture.Status)
		if capture.StatusDetails != nil && capture.StatusDetails.Reason != "" {
			evt.Reason = capture.StatusDetails.Reason
		}
	}
	return evt, nil
}

func parseRefund(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var refund captureResource
	if err := unmarshalResource(env, &refund); err != nil {
		return nil, err
	}
	amount, err := toMinor(refund.Amount.Value, refund.Amount.CurrencyCode)
	if err != nil {
		return nil, err
	}
	paymentID := refund.ID
	if up := findLink(refund.Links, "up"); up != "" {
		paymentID = path.Base(up)
	}
	return &reconcile.NormalizedPaymentEvent{
		Kind:        reconcile.EventRefundIssued,
		PaymentID:   paymentID,
		AmountMinor: amount,
		Currency:    refund.Amount.CurrencyCode,
		InvoiceID:   refund.CustomID,
	}, nil
}

// orderEvent builds a checkout completion from the first purchase unit of an order we created.
func orderEvent(order *orderResource) (*reconcile.NormalizedPaymentEvent, error) {
	if len(order.PurchaseUnits) == 0 || order.PurchaseUnits[0].CustomID == "" {
		return nil, nil
	}
	unit := order.PurchaseUnits[0]
	amount, err := toMinor(unit.Amount.Value, unit.Amount.CurrencyCode)
	if err != nil {
		return nil, err
	}
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:        reconcile.EventCheckoutCompleted,
		Customer:    reconcile.CustomerHint{Provider: providerName},
		PaymentID:   order.ID,
		AmountMinor: amount,
		Currency:    unit.Amount.CurrencyCode,
		InvoiceID:   unit.CustomID,
	}
	if unit.Payments != nil && len(unit.Payments.Captures) > 0 {
		// same key as PAYMENT.CAPTURE.COMPLETED
		evt.PaymentID = unit.Payments.Captures[0].ID
	}
	if order.Payer != nil {
		evt.Customer.ExternalID = order.Payer.PayerID
		evt.Customer.Email = order.Payer.EmailAddress
		evt.Customer.Name = order.Payer.Name.String()
	}
	return evt, nil
}

func parseOrderCompleted(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var order orderResource
	if err := unmarshalResource(env, &order); err != nil {
		return nil, err
	}
	if order.Status != "COMPLETED" {
		return nil, nil
	}
	return orderEvent(&order)
}

// parseOrderApproved captures an approved invoice order. The capture response is reconciled
// right away; the PAYMENT.CAPTURE.COMPLETED that follows carries the same payment id.
func (p *Provider) parseOrderApproved(ctx context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var order orderResource
	if err := unmarshalResource(env, &order); err != nil {
		return nil, err
	}
	if len(order.PurchaseUnits) == 0 || order.PurchaseUnits[0].CustomID == "" {
		return nil, nil
	}

	var captured orderResource
	err := p.call(ctx, http.MethodPost, "/v2/checkout/orders/"+order.ID+"/capture", "capture-"+order.ID, struct{}{}, &captured)
	switch {
	case err != nil && strings.Contains(err.Error(), "ORDER_ALREADY_CAPTURED"):
		p.logger.Debug("paypal order already captured", reconcile.F("order_id", order.ID))
		return nil, nil
	case errors.Is(err, billing.ErrProviderNotConfigured):
		p.logger.Warn("approved paypal order left uncaptured",
			reconcile.F("order_id", order.ID),
			reconcile.F("error", err.Error()))
		return nil, nil
	case err != nil:
		return nil, err
	}
	if captured.Status != "COMPLETED" {
		return nil, nil
	}
	return orderEvent(&captured)
}

func parseDispute(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var dispute disputeResource
	if err := unmarshalResource(env, &dispute); err != nil {
		return nil, err
	}
	amount, err := toMinor(dispute.DisputeAmount.Value, dispute.DisputeAmount.CurrencyCode)
	if err != nil {
		return nil, err
	}
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:        reconcile.EventDisputeOpened,
		PaymentID:   dispute.DisputeID,
		AmountMinor: amount,
		Currency:    dispute.DisputeAmount.CurrencyCode,
		Reason:      dispute.Reason,
	}
	if len(dispute.DisputedTransactions) > 0 && dispute.DisputedTransactions[0].SellerTransactionID != "" {
		evt.PaymentID = dispute.DisputedTransactions[0].SellerTransactionID
	}
	return evt, nil
}
