package api

import "time"

// CreateInvoiceRequest asks for a marketplace invoice and its hosted checkout
type CreateInvoiceRequest struct {
	EngagementID string `json:"engagement_id" validate:"required"`
	Amount       int64  `json:"amount" validate:"gt=0"` // minor units
}

// InvoiceResponse is the collaborator view of an invoice
type InvoiceResponse struct {
	InvoiceID       string    `json:"invoice_id"`
	EngagementID    string    `json:"engagement_id"`
	OrganizationID  string    `json:"organization_id"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Commission      int64     `json:"commission"`
	Payout          int64     `json:"payout"`
	CommissionRate  string    `json:"commission_rate"`
	Provider        string    `json:"provider,omitempty"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreditsResponse holds every balance an organization has
type CreditsResponse struct {
	OrganizationID string           `json:"organization_id"`
	Credits        map[string]int64 `json:"credits"`
}

// GrantCreditsRequest is an operator grant
type GrantCreditsRequest struct {
	CreditType string     `json:"credit_type" validate:"required"`
	Amount     int64      `json:"amount" validate:"gt=0"`
	PaymentID  string     `json:"payment_id" validate:"required"`
	Reason     string     `json:"reason" validate:"required"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// AdjustCreditsRequest is an operator correction; a negative delta debits and may overdraw
type AdjustCreditsRequest struct {
	CreditType string `json:"credit_type" validate:"required"`
	Delta      int64  `json:"delta" validate:"ne=0"`
	PaymentID  string `json:"payment_id,omitempty"`
	Reason     string `json:"reason" validate:"required"`
}

// DeductCreditsRequest consumes credits on behalf of a product feature
type DeductCreditsRequest struct {
	CreditType string `json:"credit_type" validate:"required"`
	Amount     int64  `json:"amount" validate:"gt=0"`
	Reason     string `json:"reason,omitempty"`
	// PaymentID makes the debit idempotent when set
	PaymentID string `json:"payment_id,omitempty"`
}

// BalanceResponse is returned after a single ledger write
type BalanceResponse struct {
	OrganizationID string `json:"organization_id"`
	CreditType     string `json:"credit_type"`
	Balance        int64  `json:"balance"`
}

// TransactionResponse is one ledger row
type TransactionResponse struct {
	ID         string            `json:"id"`
	CreditType string            `json:"credit_type"`
	Kind       string            `json:"kind"`
	Amount     int64             `json:"amount"`
	PaymentID  string            `json:"payment_id,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TransactionsResponse lists an organization's ledger
type TransactionsResponse struct {
	OrganizationID string                `json:"organization_id"`
	Transactions   []TransactionResponse `json:"transactions"`
}

// PlanCheckoutRequest starts a subscription checkout with one provider
type PlanCheckoutRequest struct {
	Provider   string `json:"provider" validate:"required"`
	PlanID     string `json:"plan_id" validate:"required"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Yearly     bool   `json:"yearly,omitempty"`
	SuccessURL string `json:"success_url" validate:"required,url"`
	CancelURL  string `json:"cancel_url" validate:"required,url"`
}

// CheckoutResponse points the payer at a hosted checkout page
type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CommissionRequest changes the marketplace commission for new invoices
type CommissionRequest struct {
	Rate string `json:"rate" validate:"required,numeric"`
}

// CommissionResponse reports the commission applied to new invoices
type CommissionResponse struct {
	Rate string `json:"rate"`
}
