package reconcile

import (
	"context"
	"time"
)

// BreakerStorage wraps a Storage with circuit breaker protection so that a down
// database fails webhooks fast instead of piling up blocked requests.
type BreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewBreakerStorage creates a storage wrapper with circuit breaker.
func NewBreakerStorage(storage Storage, cb CircuitBreaker) *BreakerStorage {
	return &BreakerStorage{storage: storage, cb: cb}
}

func breakerCall[T any](ctx context.Context, cb CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		var e error
		out, e = fn()
		return e
	})
	return out, err
}

func (s *BreakerStorage) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	return breakerCall(ctx, s.cb, func() (*Tenant, error) {
		return s.storage.GetTenant(ctx, tenantID)
	})
}

func (s *BreakerStorage) FindTenantByCustomerID(ctx context.Context, provider Provider, customerID string) (*Tenant, error) {
	return breakerCall(ctx, s.cb, func() (*Tenant, error) {
		return s.storage.FindTenantByCustomerID(ctx, provider, customerID)
	})
}

func (s *BreakerStorage) FindTenantByEmail(ctx context.Context, email string) (*Tenant, error) {
	return breakerCall(ctx, s.cb, func() (*Tenant, error) {
		return s.storage.FindTenantByEmail(ctx, email)
	})
}

func (s *BreakerStorage) CreateTenant(ctx context.Context, tenant *Tenant) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateTenant(ctx, tenant)
	})
}

func (s *BreakerStorage) LinkCustomerID(ctx context.Context, tenantID string, provider Provider, customerID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.LinkCustomerID(ctx, tenantID, provider, customerID)
	})
}

func (s *BreakerStorage) SetTenantPlan(ctx context.Context, tenantID string, planID *string, eventTime time.Time) (*string, bool, error) {
	var (
		prev    *string
		applied bool
	)
	err := s.cb.Execute(ctx, func() error {
		var e error
		prev, applied, e = s.storage.SetTenantPlan(ctx, tenantID, planID, eventTime)
		return e
	})
	return prev, applied, err
}

func (s *BreakerStorage) AppendTransaction(ctx context.Context, tx *CreditTransaction) (int64, error) {
	return breakerCall(ctx, s.cb, func() (int64, error) {
		return s.storage.AppendTransaction(ctx, tx)
	})
}

func (s *BreakerStorage) ListTransactions(ctx context.Context, tenantID string) ([]*CreditTransaction, error) {
	return breakerCall(ctx, s.cb, func() ([]*CreditTransaction, error) {
		return s.storage.ListTransactions(ctx, tenantID)
	})
}

func (s *BreakerStorage) GetBalances(ctx context.Context, tenantID string) (map[CreditType]int64, error) {
	return breakerCall(ctx, s.cb, func() (map[CreditType]int64, error) {
		return s.storage.GetBalances(ctx, tenantID)
	})
}

func (s *BreakerStorage) ReplayBalances(ctx context.Context, tenantID string, replay ReplayFunc) (map[CreditType]int64, error) {
	return breakerCall(ctx, s.cb, func() (map[CreditType]int64, error) {
		return s.storage.ReplayBalances(ctx, tenantID, replay)
	})
}

func (s *BreakerStorage) CreateInvoice(ctx context.Context, inv *Invoice) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateInvoice(ctx, inv)
	})
}

func (s *BreakerStorage) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	return breakerCall(ctx, s.cb, func() (*Invoice, error) {
		return s.storage.GetInvoice(ctx, invoiceID)
	})
}

func (s *BreakerStorage) SetInvoiceCheckout(ctx context.Context, invoiceID string, provider Provider, sessionID string) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetInvoiceCheckout(ctx, invoiceID, provider, sessionID)
	})
}

func (s *BreakerStorage) TransitionInvoice(ctx context.Context, req *InvoiceTransition) (*Invoice, error) {
	return breakerCall(ctx, s.cb, func() (*Invoice, error) {
		return s.storage.TransitionInvoice(ctx, req)
	})
}

var _ Storage = (*BreakerStorage)(nil)
