package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies an external payment provider
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderDodo   Provider = "dodo"
	ProviderPayPal Provider = "paypal"
	// ProviderAdmin marks ledger entries written by an operator rather than a webhook
	ProviderAdmin Provider = "admin"
)

// CreditType is a category of consumable quota. The set is open-ended.
type CreditType string

const (
	CreditTypeImageGeneration CreditType = "image_generation"
	CreditTypeVideoGeneration CreditType = "video_generation"
)

// TransactionKind classifies a ledger row
type TransactionKind string

const (
	KindCredit  TransactionKind = "credit"
	KindDebit   TransactionKind = "debit"
	KindExpired TransactionKind = "expired"
)

// Sign returns +1 for credits and -1 for debits and expirations.
func (k TransactionKind) Sign() int64 {
	if k == KindCredit {
		return 1
	}
	return -1
}

// Valid reports whether k is one of the known kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindExpired:
		return true
	default:
		return false
	}
}

// Tenant is an organization: the billing and consumption unit
type Tenant struct {
	ID            string
	Name          string
	Email         string
	CustomerIDs   map[Provider]string
	PlanID        *string
	PlanUpdatedAt time.Time
	Balances      map[CreditType]int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CustomerID returns the tenant's external customer id for p, or "".
func (t *Tenant) CustomerID(p Provider) string {
	if t == nil || t.CustomerIDs == nil {
		return ""
	}
	return t.CustomerIDs[p]
}

// CreditTransaction is an immutable ledger row. Once written it is never updated or deleted.
type CreditTransaction struct {
	ID         string
	TenantID   string
	CreditType CreditType
	Kind       TransactionKind
	Amount     int64
	PaymentID  string
	ExpiresAt  *time.Time
	Metadata   map[string]string
	CreatedAt  time.Time

	// AllowOverdraft lets an administrative debit push the balance below zero.
	// It is not persisted.
	AllowOverdraft bool
}

// Signed returns the amount with the sign of its kind.
func (tx *CreditTransaction) Signed() int64 {
	return tx.Kind.Sign() * tx.Amount
}

// ProviderIDs holds per-billing-cycle product identifiers for one provider
type ProviderIDs struct {
	Monthly string `json:"monthly,omitempty"`
	Yearly  string `json:"yearly,omitempty"`
	OneTime string `json:"onetime,omitempty"`
}

// Contains reports whether id matches any of the configured identifiers.
func (p ProviderIDs) Contains(id string) bool {
	if id == "" {
		return false
	}
	return id == p.Monthly || id == p.Yearly || id == p.OneTime
}

// Plan is a static catalog entry; reconciliation never mutates it.
type Plan struct {
	ID             string               `json:"id"`
	Codename       string               `json:"codename"`
	StripePriceIDs ProviderIDs          `json:"stripe_price_ids"`
	DodoProductIDs ProviderIDs          `json:"dodo_product_ids"`
	PayPalPlanIDs  ProviderIDs          `json:"paypal_plan_ids"`
	Credits        map[CreditType]int64 `json:"credits"`
	CreditTTL      Duration             `json:"credit_ttl,omitempty"`
	Default        bool                 `json:"default,omitempty"`
}

// InvoiceStatus is the state of a marketplace invoice
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "PENDING"
	InvoicePaid    InvoiceStatus = "PAID"
	InvoiceFailed  InvoiceStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceFailed
}

// Invoice is a single marketplace payment request for an engagement.
// Commission and Payout are frozen when the invoice is created.
type Invoice struct {
	ID                string
	EngagementID      string
	TenantID          string
	Amount            int64
	Currency          string
	Commission        int64
	Payout            int64
	CommissionRate    decimal.Decimal
	Status            InvoiceStatus
	Provider          Provider
	PayoutAccountID   string
	CheckoutSessionID string
	PaymentIntentID   string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Engagement is the consulting engagement an invoice bills for.
// It is owned by the CRUD layer and read through EngagementDirectory.
type Engagement struct {
	ID              string
	TenantID        string
	ConsultantID    string
	PayoutAccountID string
	Currency        string
	Title           string
	ClientEmail     string
}

// WebhookEvent records that a provider event was fully processed
type WebhookEvent struct {
	Provider    Provider
	EventID     string
	EventType   string
	ProcessedAt time.Time
}
