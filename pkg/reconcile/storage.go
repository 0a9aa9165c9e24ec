package reconcile

import (
	"context"
	"time"
)

// Storage defines the relational store the reconciliation core runs against.
// Every method is safe for concurrent use; ledger appends and invoice
// transitions are atomic units.
type Storage interface {
	// GetTenant returns the tenant with its cached balances, or ErrTenantNotFound.
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)

	// FindTenantByCustomerID returns the tenant linked to (provider, customerID), or ErrTenantNotFound.
	FindTenantByCustomerID(ctx context.Context, provider Provider, customerID string) (*Tenant, error)

	// FindTenantByEmail matches case-insensitively, or returns ErrTenantNotFound.
	FindTenantByEmail(ctx context.Context, email string) (*Tenant, error)

	// CreateTenant inserts a tenant together with any customer ids it carries.
	// Returns ErrCustomerIDTaken if one of those ids already belongs to another tenant.
	CreateTenant(ctx context.Context, tenant *Tenant) error

	// LinkCustomerID records the provider customer id on a tenant.
	// Linking the same pair twice is a no-op. Returns ErrCustomerIDTaken if the pair
	// belongs to another tenant or the tenant already holds a different id for provider.
	LinkCustomerID(ctx context.Context, tenantID string, provider Provider, customerID string) error

	// SetTenantPlan moves the plan pointer when eventTime is newer than the tenant's
	// PlanUpdatedAt. Returns the previous plan id and whether the change was applied.
	SetTenantPlan(ctx context.Context, tenantID string, planID *string, eventTime time.Time) (*string, bool, error)

	// AppendTransaction writes one ledger row and updates the cached balance in a single
	// atomic unit scoped to (tenant, credit type). It returns the new balance.
	// Returns ErrDuplicatePayment when tx.PaymentID was already used, and
	// ErrInsufficientCredits when a debit or expiry would overdraw without AllowOverdraft.
	AppendTransaction(ctx context.Context, tx *CreditTransaction) (int64, error)

	// ListTransactions returns a tenant's ledger in insertion order.
	ListTransactions(ctx context.Context, tenantID string) ([]*CreditTransaction, error)

	// GetBalances returns the cached balances of a tenant.
	GetBalances(ctx context.Context, tenantID string) (map[CreditType]int64, error)

	// ReplayBalances locks the tenant's ledger, computes balances with replay over the full
	// history and overwrites the cache with the result.
	ReplayBalances(ctx context.Context, tenantID string, replay ReplayFunc) (map[CreditType]int64, error)

	// CreateInvoice inserts a PENDING invoice.
	// Returns ErrInvoiceOutstanding if the engagement already has a PENDING invoice.
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoice returns an invoice or ErrInvoiceNotFound.
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// SetInvoiceCheckout records the provider checkout session of a PENDING invoice.
	SetInvoiceCheckout(ctx context.Context, invoiceID string, provider Provider, sessionID string) error

	// TransitionInvoice performs a compare-and-set on the invoice status.
	// When the current status differs from req.From the invoice is returned unchanged
	// together with ErrInvalidTransition.
	TransitionInvoice(ctx context.Context, req *InvoiceTransition) (*Invoice, error)
}

// ReplayFunc folds a ledger history into balances.
type ReplayFunc func(history []*CreditTransaction) map[CreditType]int64

// InvoiceTransition is a compare-and-set request on an invoice's status
type InvoiceTransition struct {
	InvoiceID       string
	From            InvoiceStatus
	To              InvoiceStatus
	PaymentIntentID string
	FailureReason   string
}

// EventLog persists which provider events were fully processed.
type EventLog interface {
	// HasProcessed reports whether (provider, eventID) was recorded.
	HasProcessed(ctx context.Context, provider Provider, eventID string) (bool, error)

	// MarkProcessed records a processed event. Recording twice is not an error.
	MarkProcessed(ctx context.Context, evt *WebhookEvent) error
}

// RoleStore returns role assignments for a subject (an operator's email).
type RoleStore interface {
	RolesFor(ctx context.Context, subject string) ([]Role, error)
}
