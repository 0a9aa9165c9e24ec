package reconcile

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// EventKind is the provider-neutral category of a payment event
type EventKind string

const (
	EventCustomerCreated      EventKind = "customer.created"
	EventSubscriptionCreated  EventKind = "subscription.created"
	EventSubscriptionRenewed  EventKind = "subscription.renewed"
	EventSubscriptionCanceled EventKind = "subscription.canceled"
	EventInvoicePaid          EventKind = "invoice.paid"
	EventPaymentSucceeded     EventKind = "payment.succeeded"
	EventPaymentFailed        EventKind = "payment.failed"
	EventPaymentDeclined      EventKind = "payment.declined"
	EventCheckoutCompleted    EventKind = "checkout.completed"
	EventDisputeOpened        EventKind = "dispute.opened"
	EventRefundIssued         EventKind = "refund.issued"
)

// Well-known metadata keys carried on checkout sessions and payment intents.
const (
	MetadataInvoiceID      = "invoice_id"
	MetadataOrganizationID = "organization_id"
	MetadataCreditType     = "credit_type"
	MetadataCredits        = "credits"
	MetadataPlanID         = "plan_id"
)

// CustomerHint carries whatever an event knows about the paying customer.
type CustomerHint struct {
	Provider   Provider
	ExternalID string
	Email      string
	Name       string
	// TenantID is an explicit organization id taken from event metadata, if any.
	TenantID string
}

// Empty reports whether the hint has nothing to resolve a tenant from.
func (h CustomerHint) Empty() bool {
	return strings.TrimSpace(h.ExternalID) == "" &&
		strings.TrimSpace(h.Email) == "" &&
		strings.TrimSpace(h.TenantID) == ""
}

// NormalizedPaymentEvent is the provider-neutral form every webhook is parsed into
// before reconciliation.
type NormalizedPaymentEvent struct {
	Provider   Provider
	EventID    string
	EventType  string
	Kind       EventKind
	OccurredAt time.Time

	Customer CustomerHint

	// PaymentID identifies the money movement (invoice, payment intent, sale, capture).
	// It is the idempotency key for credits granted by this event.
	PaymentID      string
	SubscriptionID string
	// ProductIDs are the provider price/product/plan ids the event covers.
	ProductIDs  []string
	AmountMinor int64
	Currency    string
	// InvoiceID is the marketplace invoice the payment settles, if any.
	InvoiceID string
	Reason    string
	Metadata  map[string]string
}

// Meta returns a metadata value or "".
func (e *NormalizedPaymentEvent) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(e.Metadata[key])
}

// CreditPack returns the credit type and amount described by the event metadata,
// when the event is a one-off credit pack purchase.
func (e *NormalizedPaymentEvent) CreditPack() (CreditType, int64, bool) {
	creditType := e.Meta(MetadataCreditType)
	raw := e.Meta(MetadataCredits)
	if creditType == "" || raw == "" {
		return "", 0, false
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || amount <= 0 {
		return "", 0, false
	}
	return CreditType(creditType), amount, true
}

// IdempotencyKey returns the key used to deduplicate the event's side effects.
// It falls back to the event id when the event carries no payment id.
func (e *NormalizedPaymentEvent) IdempotencyKey() string {
	if key := e.PaymentKey(); key != "" {
		return key
	}
	return string(e.Provider) + ":event:" + e.EventID
}

// PaymentKey returns the provider-scoped payment id, or "" when the event carries none.
func (e *NormalizedPaymentEvent) PaymentKey() string {
	if e.PaymentID == "" {
		return ""
	}
	return string(e.Provider) + ":" + e.PaymentID
}

func (e *NormalizedPaymentEvent) invoiceRef() string {
	if e.InvoiceID != "" {
		return e.InvoiceID
	}
	return e.Meta(MetadataInvoiceID)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func joinIDs(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return "[" + strings.Join(sorted, ",") + "]"
}
