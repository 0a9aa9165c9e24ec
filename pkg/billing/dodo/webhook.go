package dodo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// envelope is the outer shape of every Dodo webhook delivery.
type envelope struct {
	BusinessID string          `json:"business_id"`
	Type       string          `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

type customer struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

func (c customer) hint(metadata map[string]string) reconcile.CustomerHint {
	return reconcile.CustomerHint{
		Provider:   providerName,
		ExternalID: c.CustomerID,
		Email:      c.Email,
		Name:       c.Name,
		TenantID:   metadata[reconcile.MetadataOrganizationID],
	}
}

type subscriptionData struct {
	SubscriptionID        string            `json:"subscription_id"`
	ProductID             string            `json:"product_id"`
	Status                string            `json:"status"`
	Customer              customer          `json:"customer"`
	Metadata              map[string]string `json:"metadata"`
	RecurringPreTaxAmount int64             `json:"recurring_pre_tax_amount"`
	Currency              string            `json:"currency"`
	PreviousBillingDate   time.Time         `json:"previous_billing_date"`
	NextBillingDate       time.Time         `json:"next_billing_date"`
}

// periodKey identifies one billing period of the subscription, so the activation and
// each renewal allocate credits once.
func (s *subscriptionData) periodKey() string {
	if s.PreviousBillingDate.IsZero() {
		return s.SubscriptionID
	}
	return s.SubscriptionID + ":" + s.PreviousBillingDate.UTC().Format(time.RFC3339)
}

type cartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type paymentData struct {
	PaymentID      string            `json:"payment_id"`
	SubscriptionID *string           `json:"subscription_id"`
	Customer       customer          `json:"customer"`
	TotalAmount    int64             `json:"total_amount"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
	ProductCart    []cartItem        `json:"product_cart"`
	ErrorCode      *string           `json:"error_code"`
	ErrorMessage   *string           `json:"error_message"`
}

type refundData struct {
	RefundID  string  `json:"refund_id"`
	PaymentID string  `json:"payment_id"`
	Amount    *int64  `json:"amount"`
	Currency  *string `json:"currency"`
	Reason    *string `json:"reason"`
}

type disputeData struct {
	DisputeID    string      `json:"dispute_id"`
	PaymentID    string      `json:"payment_id"`
	Amount       json.Number `json:"amount"`
	Currency     string      `json:"currency"`
	DisputeStage string      `json:"dispute_stage"`
	Remarks      *string     `json:"remarks"`
}

// decode verifies the Standard Webhooks signature and parses the delivery.
func (p *Provider) decode(r *http.Request, body []byte) (*reconcile.NormalizedPaymentEvent, error) {
	if p.verifier == nil {
		if err := p.config.AllowUnsigned(); err != nil {
			return nil, err
		}
	} else if err := p.verifier.verify(r.Header, body); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if env.Type == "" || len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing type or data", billing.ErrInvalidWebhookPayload)
	}

	evt, err := p.parsers.Parse(r.Context(), env.Type, &env)
	if err != nil || evt == nil {
		return nil, err
	}
	// Dodo envelopes carry no id; the webhook-id header is stable across retries.
	evt.EventID = strings.TrimSpace(r.Header.Get(headerID))
	evt.EventType = env.Type
	evt.OccurredAt = env.Timestamp.UTC()
	return evt, nil
}

// registry maps Dodo event types to parsers.
func (p *Provider) registry() billing.Registry[*envelope] {
	return billing.Registry[*envelope]{
		"customer.created":       parseCustomerCreated,
		"subscription.active":    parseSubscription(reconcile.EventSubscriptionCreated),
		"subscription.renewed":   parseSubscription(reconcile.EventSubscriptionRenewed),
		"subscription.cancelled": parseSubscription(reconcile.EventSubscriptionCanceled),
		"subscription.expired":   parseSubscription(reconcile.EventSubscriptionCanceled),
		"payment.succeeded":      parsePaymentSucceeded,
		"payment.failed":         parsePaymentFailed,
		"refund.succeeded":       parseRefund,
		"dispute.opened":         parseDispute,
	}
}

func unmarshalData(env *envelope, v interface{}) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", billing.ErrInvalidWebhookPayload, env.Type, err)
	}
	return nil
}

func parseCustomerCreated(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var data struct {
		customer
		Metadata map[string]string `json:"metadata"`
	}
	if err := unmarshalData(env, &data); err != nil {
		return nil, err
	}
	return &reconcile.NormalizedPaymentEvent{
		Kind:     reconcile.EventCustomerCreated,
		Customer: data.hint(data.Metadata),
		Metadata: data.Metadata,
	}, nil
}

func parseSubscription(kind reconcile.EventKind) billing.ParseFunc[*envelope] {
	return func(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
		var sub subscriptionData
		if err := unmarshalData(env, &sub); err != nil {
			return nil, err
		}
		evt := &reconcile.NormalizedPaymentEvent{
			Kind:           kind,
			Customer:       sub.Customer.hint(sub.Metadata),
			SubscriptionID: sub.SubscriptionID,
			Currency:       sub.Currency,
			Metadata:       sub.Metadata,
		}
		if kind != reconcile.EventSubscriptionCanceled {
			evt.PaymentID = sub.periodKey()
			evt.AmountMinor = sub.RecurringPreTaxAmount
			if sub.ProductID != "" {
				evt.ProductIDs = []string{sub.ProductID}
			}
		}
		return evt, nil
	}
}

func paymentEvent(kind reconcile.EventKind, pay *paymentData) *reconcile.NormalizedPaymentEvent {
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:        kind,
		Customer:    pay.Customer.hint(pay.Metadata),
		PaymentID:   pay.PaymentID,
		AmountMinor: pay.TotalAmount,
		Currency:    pay.Currency,
		InvoiceID:   pay.Metadata[reconcile.MetadataInvoiceID],
		Metadata:    pay.Metadata,
	}
	if pay.SubscriptionID != nil {
		evt.SubscriptionID = *pay.SubscriptionID
	}
	for _, item := range pay.ProductCart {
		if item.ProductID != "" {
			evt.ProductIDs = append(evt.ProductIDs, item.ProductID)
		}
	}
	return evt
}

// parsePaymentSucceeded reconciles one-off payments. Subscription charges are granted by
// the subscription.active and subscription.renewed events instead.
func parsePaymentSucceeded(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var pay paymentData
	if err := unmarshalData(env, &pay); err != nil {
		return nil, err
	}
	evt := paymentEvent(reconcile.EventPaymentSucceeded, &pay)
	if evt.SubscriptionID != "" {
		evt.ProductIDs = nil
		if _, _, pack := evt.CreditPack(); evt.InvoiceID == "" && !pack {
			return nil, nil
		}
	}
	return evt, nil
}

func parsePaymentFailed(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var pay paymentData
	if err := unmarshalData(env, &pay); err != nil {
		return nil, err
	}
	evt := paymentEvent(reconcile.EventPaymentFailed, &pay)
	evt.ProductIDs = nil
	if pay.ErrorMessage != nil {
		evt.Reason = *pay.ErrorMessage
	}
	if pay.ErrorCode != nil && *pay.ErrorCode != "" {
		evt.Reason = strings.TrimSuffix(*pay.ErrorCode+": "+evt.Reason, ": ")
	}
	return evt, nil
}

func parseRefund(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var refund refundData
	if err := unmarshalData(env, &refund); err != nil {
		return nil, err
	}
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:      reconcile.EventRefundIssued,
		PaymentID: refund.PaymentID,
	}
	if refund.Amount != nil {
		evt.AmountMinor = *refund.Amount
	}
	if refund.Currency != nil {
		evt.Currency = *refund.Currency
	}
	if refund.Reason != nil {
		evt.Reason = *refund.Reason
	}
	return evt, nil
}

func parseDispute(_ context.Context, env *envelope) (*reconcile.NormalizedPaymentEvent, error) {
	var dispute disputeData
	if err := unmarshalData(env, &dispute); err != nil {
		return nil, err
	}
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:      reconcile.EventDisputeOpened,
		PaymentID: dispute.PaymentID,
		Currency:  dispute.Currency,
		Reason:    dispute.DisputeStage,
	}
	if dispute.Amount != "" {
		amount, err := dispute.Amount.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: dispute amount %q", billing.ErrInvalidWebhookPayload, dispute.Amount)
		}
		evt.AmountMinor = amount
	}
	if dispute.Remarks != nil && *dispute.Remarks != "" {
		evt.Reason += ": " + *dispute.Remarks
	}
	return evt, nil
}
