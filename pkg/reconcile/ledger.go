package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddCreditsRequest grants credits to a tenant
type AddCreditsRequest struct {
	TenantID   string
	CreditType CreditType
	Amount     int64
	// PaymentID is the idempotency key. A second grant with the same id fails with ErrDuplicatePayment.
	PaymentID string
	Metadata  map[string]string
	ExpiresAt *time.Time
}

// DeductCreditsRequest consumes credits from a tenant
type DeductCreditsRequest struct {
	TenantID   string
	CreditType CreditType
	Amount     int64
	// PaymentID is optional; when set it makes the debit idempotent.
	PaymentID string
	Metadata  map[string]string
}

// AdjustCreditsRequest is an administrative correction that may overdraw a balance.
// A positive Delta grants, a negative Delta debits.
type AdjustCreditsRequest struct {
	TenantID   string
	CreditType CreditType
	Delta      int64
	PaymentID  string
	Reason     string
}

// Ledger maintains the append-only credit log and the cached balances derived from it.
type Ledger struct {
	storage Storage
	policy  Policy
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewLedger creates a ledger over storage. A nil policy denies every administrative call.
func NewLedger(storage Storage, policy Policy, logger Logger, metrics Metrics) *Ledger {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if policy == nil {
		policy = DenyAll{}
	}
	return &Ledger{
		storage: storage,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AddCredits appends a credit row and raises the cached balance.
func (l *Ledger) AddCredits(ctx context.Context, req AddCreditsRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.append(ctx, &CreditTransaction{
		TenantID:   req.TenantID,
		CreditType: req.CreditType,
		Kind:       KindCredit,
		Amount:     req.Amount,
		PaymentID:  strings.TrimSpace(req.PaymentID),
		ExpiresAt:  req.ExpiresAt,
		Metadata:   req.Metadata,
	})
}

// DeductCredits appends a debit row if the cached balance covers it.
// On ErrInsufficientCredits nothing is written.
func (l *Ledger) DeductCredits(ctx context.Context, req DeductCreditsRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.append(ctx, &CreditTransaction{
		TenantID:   req.TenantID,
		CreditType: req.CreditType,
		Kind:       KindDebit,
		Amount:     req.Amount,
		PaymentID:  strings.TrimSpace(req.PaymentID),
		Metadata:   req.Metadata,
	})
}

// MeterRequest is one metered API call.
type MeterRequest struct {
	TenantID   string
	CreditType CreditType
	Amount     int64
	// IdempotencyKey is the client's retry key. Empty means every call is charged.
	IdempotencyKey string
	Route          string
}

// MeterPaymentID is the ledger payment id of a metered call.
func MeterPaymentID(tenantID, idempotencyKey string) string {
	return "meter:" + tenantID + ":" + idempotencyKey
}

// Meter charges a metered call. Replaying an idempotency key succeeds without a second debit.
func (l *Ledger) Meter(ctx context.Context, req MeterRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	debit := DeductCreditsRequest{
		TenantID:   req.TenantID,
		CreditType: req.CreditType,
		Amount:     req.Amount,
	}
	if req.Route != "" {
		debit.Metadata = map[string]string{"route": req.Route}
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		debit.PaymentID = MeterPaymentID(req.TenantID, key)
	}
	balance, err := l.DeductCredits(ctx, debit)
	if errors.Is(err, ErrDuplicatePayment) {
		return balance, nil
	}
	return balance, err
}

// AdjustCredits applies an operator correction. Debits made here may leave a negative balance.
func (l *Ledger) AdjustCredits(ctx context.Context, actor string, req AdjustCreditsRequest) (int64, error) {
	if err := l.policy.Authorize(ctx, actor, PermissionOverrideCredits); err != nil {
		return 0, err
	}
	if req.Delta == 0 {
		return 0, ErrInvalidAmount
	}

	tx := &CreditTransaction{
		TenantID:       req.TenantID,
		CreditType:     req.CreditType,
		Kind:           KindCredit,
		Amount:         req.Delta,
		PaymentID:      strings.TrimSpace(req.PaymentID),
		AllowOverdraft: true,
		Metadata: map[string]string{
			"reason": req.Reason,
			"actor":  actor,
			"source": string(ProviderAdmin),
		},
	}
	if req.Delta < 0 {
		tx.Kind = KindDebit
		tx.Amount = -req.Delta
	}
	return l.append(ctx, tx)
}

// GrantCredits is AddCredits on behalf of an operator.
func (l *Ledger) GrantCredits(ctx context.Context, actor string, req AddCreditsRequest) (int64, error) {
	if err := l.policy.Authorize(ctx, actor, PermissionGrantCredits); err != nil {
		return 0, err
	}
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	req.Metadata["actor"] = actor
	req.Metadata["source"] = string(ProviderAdmin)
	return l.AddCredits(ctx, req)
}

// GetTenant returns the tenant with its linked provider customers.
func (l *Ledger) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	return l.storage.GetTenant(ctx, tenantID)
}

// GetOrganizationCredits returns the cached balance for every credit type the tenant holds.
func (l *Ledger) GetOrganizationCredits(ctx context.Context, tenantID string) (map[CreditType]int64, error) {
	return l.storage.GetBalances(ctx, tenantID)
}

// ListTransactions returns the tenant's ledger history.
func (l *Ledger) ListTransactions(ctx context.Context, tenantID string) ([]*CreditTransaction, error) {
	return l.storage.ListTransactions(ctx, tenantID)
}

// Recalculate rebuilds the cached balances of a tenant from its full history.
func (l *Ledger) Recalculate(ctx context.Context, tenantID string) (map[CreditType]int64, error) {
	before, err := l.storage.GetBalances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	after, err := l.storage.ReplayBalances(ctx, tenantID, ReplayLedger)
	if err != nil {
		return nil, fmt.Errorf("failed to replay ledger: %w", err)
	}
	for creditType, balance := range after {
		if before[creditType] != balance {
			l.logger.Warn("ledger cache drift repaired",
				F("tenant_id", tenantID),
				F("credit_type", string(creditType)),
				F("cached", before[creditType]),
				F("replayed", balance))
		}
	}
	return after, nil
}

// RecalculateAs is Recalculate on behalf of an operator.
func (l *Ledger) RecalculateAs(ctx context.Context, actor, tenantID string) (map[CreditType]int64, error) {
	if err := l.policy.Authorize(ctx, actor, PermissionRecalculate); err != nil {
		return nil, err
	}
	return l.Recalculate(ctx, tenantID)
}

// ExpireDue writes an expiry row for every grant whose ExpiresAt is not after now.
// Each grant expires at most once; the amount expired is capped by the current balance.
// Returns the number of units expired.
func (l *Ledger) ExpireDue(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	history, err := l.storage.ListTransactions(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	expired := make(map[string]bool)
	for _, tx := range history {
		if tx.Kind == KindExpired && strings.HasPrefix(tx.PaymentID, expiryKeyPrefix) {
			expired[strings.TrimPrefix(tx.PaymentID, expiryKeyPrefix)] = true
		}
	}

	var total int64
	for _, grant := range history {
		if grant.Kind != KindCredit || grant.ExpiresAt == nil || grant.ExpiresAt.After(now) || expired[grant.ID] {
			continue
		}
		balances, err := l.storage.GetBalances(ctx, tenantID)
		if err != nil {
			return total, err
		}
		amount := grant.Amount
		if balance := balances[grant.CreditType]; balance < amount {
			amount = balance
		}
		if amount <= 0 {
			continue
		}
		_, err = l.append(ctx, &CreditTransaction{
			TenantID:   tenantID,
			CreditType: grant.CreditType,
			Kind:       KindExpired,
			Amount:     amount,
			PaymentID:  expiryKeyPrefix + grant.ID,
			Metadata:   map[string]string{"grant_id": grant.ID},
		})
		switch {
		case err == nil:
			total += amount
		case IsAlreadyApplied(err), errors.Is(err, ErrInsufficientCredits):
			// a concurrent sweep or debit got there first
		default:
			return total, err
		}
	}
	return total, nil
}

const expiryKeyPrefix = "expire:"

func (l *Ledger) append(ctx context.Context, tx *CreditTransaction) (int64, error) {
	if tx.TenantID == "" {
		return 0, ErrTenantNotFound
	}
	if tx.CreditType == "" {
		return 0, fmt.Errorf("%w: credit type is required", ErrInvalidAmount)
	}
	tx.ID = uuid.NewString()
	tx.CreatedAt = l.now()

	start := time.Now()
	balance, err := l.storage.AppendTransaction(ctx, tx)
	l.metrics.RecordStorageOperation("append_transaction", time.Since(start), businessAsNil(err))

	switch {
	case err == nil:
		l.metrics.RecordLedgerTransaction(tx.CreditType, tx.Kind, tx.Amount, "applied")
		l.logger.Debug("ledger transaction applied",
			F("tenant_id", tx.TenantID),
			F("credit_type", string(tx.CreditType)),
			F("kind", string(tx.Kind)),
			F("amount", tx.Amount),
			F("payment_id", tx.PaymentID),
			F("balance", balance))
	case errors.Is(err, ErrDuplicatePayment):
		l.metrics.RecordLedgerTransaction(tx.CreditType, tx.Kind, tx.Amount, "duplicate")
	case errors.Is(err, ErrInsufficientCredits):
		l.metrics.RecordLedgerTransaction(tx.CreditType, tx.Kind, tx.Amount, "insufficient")
	default:
		l.metrics.RecordLedgerTransaction(tx.CreditType, tx.Kind, tx.Amount, "error")
	}
	return balance, err
}

// ReplayLedger folds a ledger history into balances: credits minus debits and expirations.
func ReplayLedger(history []*CreditTransaction) map[CreditType]int64 {
	balances := make(map[CreditType]int64)
	for _, tx := range history {
		balances[tx.CreditType] += tx.Signed()
	}
	return balances
}

func businessAsNil(err error) error {
	if IsBusinessError(err) {
		return nil
	}
	return err
}
