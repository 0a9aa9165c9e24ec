package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// decode verifies the Stripe-Signature header and parses the event.
func (p *Provider) decode(r *http.Request, body []byte) (*reconcile.NormalizedPaymentEvent, error) {
	var event stripe.Event
	if p.webhookSecret == "" {
		if err := p.config.AllowUnsigned(); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
	} else {
		var err error
		event, err = webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			if isSignatureError(err) {
				return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
			}
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
	}
	if event.ID == "" || event.Type == "" || event.Data == nil {
		return nil, fmt.Errorf("%w: missing id, type or data", billing.ErrInvalidWebhookPayload)
	}

	evt, err := p.parsers.Parse(r.Context(), string(event.Type), &event)
	if err != nil || evt == nil {
		return nil, err
	}
	evt.EventID = event.ID
	evt.EventType = string(event.Type)
	evt.OccurredAt = time.Unix(event.Created, 0).UTC()
	p.enrichCustomer(r.Context(), evt)
	return evt, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// registry maps Stripe event types to parsers.
func (p *Provider) registry() billing.Registry[*stripe.Event] {
	return billing.Registry[*stripe.Event]{
		"customer.created":                         parseCustomerCreated,
		"customer.subscription.created":            parseSubscriptionCreated,
		"customer.subscription.updated":            parseSubscriptionUpdated,
		"customer.subscription.deleted":            parseSubscriptionDeleted,
		"invoice.paid":                             parseInvoicePaid,
		"invoice.payment_succeeded":                parseInvoicePaid,
		"payment_intent.succeeded":                 parsePaymentIntentSucceeded,
		"payment_intent.payment_failed":            parsePaymentIntentFailed,
		"checkout.session.completed":               parseCheckoutCompleted,
		"checkout.session.async_payment_succeeded": parseCheckoutCompleted,
		"checkout.session.async_payment_failed":    parseCheckoutFailed("async payment failed"),
		"checkout.session.expired":                 parseCheckoutFailed("checkout session expired"),
		"charge.dispute.created":                   parseDisputeCreated,
		"charge.refunded":                          parseChargeRefunded,
	}
}

func unmarshalData(event *stripe.Event, v interface{}) error {
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", billing.ErrInvalidWebhookPayload, event.Type, err)
	}
	return nil
}

func parseCustomerCreated(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var cust stripe.Customer
	if err := unmarshalData(event, &cust); err != nil {
		return nil, err
	}
	return &reconcile.NormalizedPaymentEvent{
		Kind: reconcile.EventCustomerCreated,
		Customer: reconcile.CustomerHint{
			Provider:   providerName,
			ExternalID: cust.ID,
			Email:      cust.Email,
			Name:       cust.Name,
			TenantID:   cust.Metadata[reconcile.MetadataOrganizationID],
		},
		Metadata: cust.Metadata,
	}, nil
}

func subscriptionEvent(kind reconcile.EventKind, sub *subscriptionPayload) *reconcile.NormalizedPaymentEvent {
	return &reconcile.NormalizedPaymentEvent{
		Kind: kind,
		Customer: reconcile.CustomerHint{
			Provider:   providerName,
			ExternalID: string(sub.Customer),
			TenantID:   sub.Metadata[reconcile.MetadataOrganizationID],
		},
		PaymentID:      string(sub.LatestInvoice),
		SubscriptionID: sub.ID,
		ProductIDs:     sub.priceIDs(),
		Metadata:       sub.Metadata,
	}
}

// parseSubscriptionCreated grants the plan of an active subscription. Its payment id is
// the first invoice, so the invoice.paid that follows is a no-op.
func parseSubscriptionCreated(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var sub subscriptionPayload
	if err := unmarshalData(event, &sub); err != nil {
		return nil, err
	}
	if !sub.live() {
		// incomplete subscriptions are granted by invoice.paid once paid
		return nil, nil
	}
	return subscriptionEvent(reconcile.EventSubscriptionCreated, &sub), nil
}

func parseSubscriptionUpdated(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var sub subscriptionPayload
	if err := unmarshalData(event, &sub); err != nil {
		return nil, err
	}
	switch {
	case sub.live():
		return subscriptionEvent(reconcile.EventSubscriptionRenewed, &sub), nil
	case sub.ended():
		return subscriptionEvent(reconcile.EventSubscriptionCanceled, &sub), nil
	default:
		return nil, nil
	}
}

func parseSubscriptionDeleted(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var sub subscriptionPayload
	if err := unmarshalData(event, &sub); err != nil {
		return nil, err
	}
	return subscriptionEvent(reconcile.EventSubscriptionCanceled, &sub), nil
}

// parseInvoicePaid handles subscription invoices. One-off invoices carry no plan and are ignored.
func parseInvoicePaid(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var inv invoicePayload
	if err := unmarshalData(event, &inv); err != nil {
		return nil, err
	}
	subscriptionID, subMeta := inv.subscription()
	if subscriptionID == "" {
		return nil, nil
	}
	metadata := mergeMetadata(subMeta, inv.Metadata)
	return &reconcile.NormalizedPaymentEvent{
		Kind: reconcile.EventInvoicePaid,
		Customer: reconcile.CustomerHint{
			Provider:   providerName,
			ExternalID: string(inv.Customer),
			Email:      inv.CustomerEmail,
			Name:       inv.CustomerName,
			TenantID:   metadata[reconcile.MetadataOrganizationID],
		},
		PaymentID:      inv.ID,
		SubscriptionID: subscriptionID,
		ProductIDs:     inv.priceIDs(),
		AmountMinor:    inv.AmountPaid,
		Currency:       inv.Currency,
		Metadata:       metadata,
	}, nil
}

func paymentIntentEvent(kind reconcile.EventKind, pi *stripe.PaymentIntent) *reconcile.NormalizedPaymentEvent {
	hint := reconcile.CustomerHint{
		Provider: providerName,
		Email:    pi.ReceiptEmail,
		TenantID: pi.Metadata[reconcile.MetadataOrganizationID],
	}
	if pi.Customer != nil {
		hint.ExternalID = pi.Customer.ID
	}
	return &reconcile.NormalizedPaymentEvent{
		Kind:        kind,
		Customer:    hint,
		PaymentID:   pi.ID,
		AmountMinor: pi.Amount,
		Currency:    string(pi.Currency),
		InvoiceID:   pi.Metadata[reconcile.MetadataInvoiceID],
		Metadata:    pi.Metadata,
	}
}

// parsePaymentIntentSucceeded only reconciles intents we created: a marketplace invoice or
// a credit pack. Intents behind subscription invoices are handled through invoice.paid.
func parsePaymentIntentSucceeded(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var pi stripe.PaymentIntent
	if err := unmarshalData(event, &pi); err != nil {
		return nil, err
	}
	evt := paymentIntentEvent(reconcile.EventPaymentSucceeded, &pi)
	if _, _, pack := evt.CreditPack(); evt.InvoiceID == "" && !pack {
		return nil, nil
	}
	return evt, nil
}

// parsePaymentIntentFailed reports a declined attempt. The intent stays open for another
// payment method, so the invoice is only failed by the session's terminal events.
func parsePaymentIntentFailed(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var pi stripe.PaymentIntent
	if err := unmarshalData(event, &pi); err != nil {
		return nil, err
	}
	evt := paymentIntentEvent(reconcile.EventPaymentDeclined, &pi)
	if pi.LastPaymentError != nil {
		evt.Reason = pi.LastPaymentError.Msg
		if code := string(pi.LastPaymentError.Code); code != "" {
			evt.Reason = code + ": " + evt.Reason
		}
	}
	return evt, nil
}

func checkoutEvent(kind reconcile.EventKind, session *stripe.CheckoutSession) *reconcile.NormalizedPaymentEvent {
	hint := reconcile.CustomerHint{
		Provider: providerName,
		TenantID: session.Metadata[reconcile.MetadataOrganizationID],
	}
	if hint.TenantID == "" {
		hint.TenantID = session.ClientReferenceID
	}
	if session.Customer != nil {
		hint.ExternalID = session.Customer.ID
	}
	if session.CustomerDetails != nil {
		hint.Email = session.CustomerDetails.Email
		hint.Name = session.CustomerDetails.Name
	}
	paymentID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		// same key as the payment_intent events of this session
		paymentID = session.PaymentIntent.ID
	}
	return &reconcile.NormalizedPaymentEvent{
		Kind:        kind,
		Customer:    hint,
		PaymentID:   paymentID,
		AmountMinor: session.AmountTotal,
		Currency:    string(session.Currency),
		InvoiceID:   session.Metadata[reconcile.MetadataInvoiceID],
		Metadata:    session.Metadata,
	}
}

// parseCheckoutCompleted settles payment-mode sessions. A subscription-mode session only
// links the new Stripe customer to the organization; its plan arrives with invoice.paid.
func parseCheckoutCompleted(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var session stripe.CheckoutSession
	if err := unmarshalData(event, &session); err != nil {
		return nil, err
	}
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		evt := checkoutEvent(reconcile.EventCustomerCreated, &session)
		evt.PaymentID = ""
		return evt, nil
	}
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// async payment methods report through async_payment_succeeded/failed
		return nil, nil
	}
	return checkoutEvent(reconcile.EventCheckoutCompleted, &session), nil
}

// parseCheckoutFailed handles the session events after which no payment can follow.
func parseCheckoutFailed(reason string) billing.ParseFunc[*stripe.Event] {
	return func(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
		var session stripe.CheckoutSession
		if err := unmarshalData(event, &session); err != nil {
			return nil, err
		}
		evt := checkoutEvent(reconcile.EventPaymentFailed, &session)
		evt.Reason = reason
		return evt, nil
	}
}

func parseDisputeCreated(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var dispute stripe.Dispute
	if err := unmarshalData(event, &dispute); err != nil {
		return nil, err
	}
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:        reconcile.EventDisputeOpened,
		PaymentID:   dispute.ID,
		AmountMinor: dispute.Amount,
		Currency:    string(dispute.Currency),
		Reason:      string(dispute.Reason),
		Metadata:    dispute.Metadata,
	}
	if dispute.PaymentIntent != nil {
		evt.PaymentID = dispute.PaymentIntent.ID
	}
	return evt, nil
}

func parseChargeRefunded(_ context.Context, event *stripe.Event) (*reconcile.NormalizedPaymentEvent, error) {
	var charge stripe.Charge
	if err := unmarshalData(event, &charge); err != nil {
		return nil, err
	}
	evt := &reconcile.NormalizedPaymentEvent{
		Kind:        reconcile.EventRefundIssued,
		PaymentID:   charge.ID,
		AmountMinor: charge.AmountRefunded,
		Currency:    string(charge.Currency),
		Metadata:    charge.Metadata,
	}
	if charge.PaymentIntent != nil {
		evt.PaymentID = charge.PaymentIntent.ID
	}
	if charge.Customer != nil {
		evt.Customer = reconcile.CustomerHint{Provider: providerName, ExternalID: charge.Customer.ID}
	}
	return evt, nil
}

// enrichCustomer fills in the customer email when the payload only carries the customer id.
// The fetch is bounded and failures are logged only.
func (p *Provider) enrichCustomer(ctx context.Context, evt *reconcile.NormalizedPaymentEvent) {
	hint := &evt.Customer
	if p.api == nil || hint.ExternalID == "" || hint.Email != "" || hint.TenantID != "" {
		return
	}
	switch evt.Kind {
	case reconcile.EventDisputeOpened, reconcile.EventRefundIssued, reconcile.EventPaymentFailed, reconcile.EventPaymentDeclined:
		return
	}

	ctx, cancel := context.WithTimeout(ctx, billing.FetchTimeout)
	defer cancel()

	startTime := time.Now()
	cust, err := p.api.RetrieveCustomer(ctx, hint.ExternalID)
	if err != nil {
		p.metrics.RecordAPICall(string(providerName), "/v1/customers/{id}", "error", time.Since(startTime))
		p.logger.Warn("failed to fetch stripe customer",
			reconcile.F("customer_id", hint.ExternalID),
			reconcile.F("event_id", evt.EventID),
			reconcile.F("error", err.Error()))
		return
	}
	p.metrics.RecordAPICall(string(providerName), "/v1/customers/{id}", "success", time.Since(startTime))
	hint.Email = cust.Email
	if hint.Name == "" {
		hint.Name = cust.Name
	}
	if id := cust.Metadata[reconcile.MetadataOrganizationID]; id != "" {
		hint.TenantID = id
	}
}

func mergeMetadata(maps ...map[string]string) map[string]string {
	var out map[string]string
	for _, m := range maps {
		for k, v := range m {
			if out == nil {
				out = make(map[string]string)
			}
			out[k] = v
		}
	}
	return out
}
