package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultCommissionRate is the platform's share of a marketplace invoice.
var DefaultCommissionRate = decimal.RequireFromString("0.15")

// EngagementDirectory reads engagements owned by the CRUD layer.
type EngagementDirectory interface {
	GetEngagement(ctx context.Context, engagementID string) (*Engagement, error)
}

// CheckoutSession is a provider-hosted payment page.
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutProvider creates the hosted checkout for a PENDING invoice. The invoice id must
// travel in the provider's metadata so the paid webhook can find the invoice again.
type CheckoutProvider interface {
	Name() Provider
	CheckoutForInvoice(ctx context.Context, inv *Invoice, eng *Engagement) (*CheckoutSession, error)
}

// CheckoutResult is returned to the collaborator that requested payment.
type CheckoutResult struct {
	InvoiceID   string `json:"invoice_id"`
	CheckoutURL string `json:"checkout_url"`
}

// Invoices runs the marketplace invoice state machine: PENDING to PAID or FAILED, both terminal.
type Invoices struct {
	storage   Storage
	directory EngagementDirectory
	checkout  CheckoutProvider
	logger    Logger
	metrics   Metrics

	mu   sync.RWMutex
	rate decimal.Decimal
	now  func() time.Time
}

// NewInvoices creates the invoice state machine. checkout may be nil, in which case
// CreateInvoiceAndCheckout fails with ErrCheckoutUnavailable.
func NewInvoices(storage Storage, directory EngagementDirectory, checkout CheckoutProvider, logger Logger, metrics Metrics) *Invoices {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Invoices{
		storage:   storage,
		directory: directory,
		checkout:  checkout,
		logger:    logger,
		metrics:   metrics,
		rate:      DefaultCommissionRate,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CommissionRatePlaces is the number of decimal places a commission rate is stored with.
const CommissionRatePlaces = 4

// SetCommissionRate changes the rate applied to invoices created from now on.
func (s *Invoices) SetCommissionRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission rate %s out of range [0, 1]", rate)
	}
	if !rate.Equal(rate.Round(CommissionRatePlaces)) {
		return fmt.Errorf("commission rate %s has more than %d decimal places", rate, CommissionRatePlaces)
	}
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
	return nil
}

// CommissionRate returns the rate for new invoices.
func (s *Invoices) CommissionRate() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate
}

// SplitAmount returns floor(amount × rate) and the remainder paid out to the consultant.
func SplitAmount(amount int64, rate decimal.Decimal) (commission, payout int64) {
	commission = decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
	return commission, amount - commission
}

// CreateInvoiceAndCheckout persists a PENDING invoice for the engagement and opens a
// provider checkout for it. A checkout failure moves the invoice to FAILED.
func (s *Invoices) CreateInvoiceAndCheckout(ctx context.Context, engagementID string, amountMinor int64) (*CheckoutResult, error) {
	if amountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.checkout == nil {
		return nil, ErrCheckoutUnavailable
	}
	eng, err := s.directory.GetEngagement(ctx, engagementID)
	if err != nil {
		return nil, err
	}

	rate := s.CommissionRate()
	commission, payout := SplitAmount(amountMinor, rate)
	now := s.now()
	inv := &Invoice{
		ID:              uuid.NewString(),
		EngagementID:    eng.ID,
		TenantID:        eng.TenantID,
		Amount:          amountMinor,
		Currency:        strings.ToLower(eng.Currency),
		Commission:      commission,
		Payout:          payout,
		CommissionRate:  rate,
		Status:          InvoicePending,
		Provider:        s.checkout.Name(),
		PayoutAccountID: eng.PayoutAccountID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.storage.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	s.logger.Info("invoice created",
		F("invoice_id", inv.ID),
		F("engagement_id", inv.EngagementID),
		F("amount", inv.Amount),
		F("commission", inv.Commission))

	session, err := s.checkout.CheckoutForInvoice(ctx, inv, eng)
	if err != nil {
		s.logger.Error("checkout creation failed",
			F("invoice_id", inv.ID),
			F("provider", string(inv.Provider)),
			F("error", err.Error()))
		s.abandon(ctx, inv.ID, "checkout: "+err.Error())
		return nil, fmt.Errorf("failed to create checkout: %w", err)
	}

	if err := s.storage.SetInvoiceCheckout(ctx, inv.ID, inv.Provider, session.ID); err != nil {
		s.logger.Error("failed to record checkout session",
			F("invoice_id", inv.ID),
			F("session_id", session.ID),
			F("error", err.Error()))
		s.abandon(ctx, inv.ID, "checkout not recorded: "+err.Error())
		return nil, fmt.Errorf("failed to record checkout: %w", err)
	}
	return &CheckoutResult{InvoiceID: inv.ID, CheckoutURL: session.URL}, nil
}

// abandon fails an invoice whose checkout could not be handed out, so the engagement
// is not blocked by an invoice nobody can pay.
func (s *Invoices) abandon(ctx context.Context, invoiceID, reason string) {
	if _, err := s.MarkFailed(context.WithoutCancel(ctx), invoiceID, reason); err != nil {
		s.logger.Error("failed to mark invoice failed",
			F("invoice_id", invoiceID),
			F("error", err.Error()))
	}
}

// GetInvoice returns an invoice.
func (s *Invoices) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	return s.storage.GetInvoice(ctx, invoiceID)
}

// MarkPaid settles a PENDING invoice. Replaying it on a PAID invoice returns the invoice
// with ErrInvoiceAlreadySettled; a FAILED invoice can never become PAID.
func (s *Invoices) MarkPaid(ctx context.Context, invoiceID, paymentIntentID string) (*Invoice, error) {
	return s.transition(ctx, &InvoiceTransition{
		InvoiceID:       invoiceID,
		From:            InvoicePending,
		To:              InvoicePaid,
		PaymentIntentID: paymentIntentID,
	})
}

// MarkFailed moves a PENDING invoice to FAILED. A PAID invoice never regresses.
func (s *Invoices) MarkFailed(ctx context.Context, invoiceID, reason string) (*Invoice, error) {
	return s.transition(ctx, &InvoiceTransition{
		InvoiceID:     invoiceID,
		From:          InvoicePending,
		To:            InvoiceFailed,
		FailureReason: reason,
	})
}

func (s *Invoices) transition(ctx context.Context, req *InvoiceTransition) (*Invoice, error) {
	inv, err := s.storage.TransitionInvoice(ctx, req)
	if err == nil {
		s.metrics.RecordInvoiceTransition(req.From, req.To)
		s.logger.Info("invoice transitioned",
			F("invoice_id", req.InvoiceID),
			F("from", string(req.From)),
			F("to", string(req.To)))
		return inv, nil
	}
	if !errors.Is(err, ErrInvalidTransition) || inv == nil {
		return inv, err
	}
	if inv.Status == req.To {
		return inv, ErrInvoiceAlreadySettled
	}
	return inv, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, inv.Status, req.To)
}
