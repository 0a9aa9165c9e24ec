// Package memory provides an in-memory implementation of reconcile.Storage.
// It is intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// Storage implements reconcile.Storage, reconcile.EventLog and
// reconcile.EngagementDirectory using maps guarded by a single mutex.
type Storage struct {
	mu sync.RWMutex

	tenants      map[string]*reconcile.Tenant
	customers    map[string]string // provider:customer -> tenant id
	transactions map[string][]*reconcile.CreditTransaction
	paymentIDs   map[string]struct{}
	invoices     map[string]*reconcile.Invoice
	engagements  map[string]*reconcile.Engagement
	events       map[string]*reconcile.WebhookEvent
}

// New creates an empty in-memory store.
func New() *Storage {
	return &Storage{
		tenants:      make(map[string]*reconcile.Tenant),
		customers:    make(map[string]string),
		transactions: make(map[string][]*reconcile.CreditTransaction),
		paymentIDs:   make(map[string]struct{}),
		invoices:     make(map[string]*reconcile.Invoice),
		engagements:  make(map[string]*reconcile.Engagement),
		events:       make(map[string]*reconcile.WebhookEvent),
	}
}

func customerKey(provider reconcile.Provider, customerID string) string {
	return string(provider) + ":" + customerID
}

// GetTenant implements reconcile.Storage
func (s *Storage) GetTenant(_ context.Context, tenantID string) (*reconcile.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, reconcile.ErrTenantNotFound
	}
	return copyTenant(t), nil
}

// FindTenantByCustomerID implements reconcile.Storage
func (s *Storage) FindTenantByCustomerID(_ context.Context, provider reconcile.Provider, customerID string) (*reconcile.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.customers[customerKey(provider, customerID)]
	if !ok {
		return nil, reconcile.ErrTenantNotFound
	}
	return copyTenant(s.tenants[id]), nil
}

// FindTenantByEmail implements reconcile.Storage. The oldest matching tenant wins.
func (s *Storage) FindTenantByEmail(_ context.Context, email string) (*reconcile.Tenant, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, reconcile.ErrTenantNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var match *reconcile.Tenant
	for _, t := range s.tenants {
		if strings.ToLower(t.Email) != email {
			continue
		}
		if match == nil || t.CreatedAt.Before(match.CreatedAt) ||
			(t.CreatedAt.Equal(match.CreatedAt) && t.ID < match.ID) {
			match = t
		}
	}
	if match == nil {
		return nil, reconcile.ErrTenantNotFound
	}
	return copyTenant(match), nil
}

// CreateTenant implements reconcile.Storage
func (s *Storage) CreateTenant(_ context.Context, tenant *reconcile.Tenant) error {
	if tenant == nil || tenant.ID == "" {
		return fmt.Errorf("invalid tenant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[tenant.ID]; exists {
		return fmt.Errorf("tenant %s already exists", tenant.ID)
	}
	for provider, customerID := range tenant.CustomerIDs {
		if _, taken := s.customers[customerKey(provider, customerID)]; taken {
			return reconcile.ErrCustomerIDTaken
		}
	}

	t := copyTenant(tenant)
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Balances == nil {
		t.Balances = make(map[reconcile.CreditType]int64)
	}
	s.tenants[t.ID] = t
	for provider, customerID := range t.CustomerIDs {
		s.customers[customerKey(provider, customerID)] = t.ID
	}
	return nil
}

// LinkCustomerID implements reconcile.Storage
func (s *Storage) LinkCustomerID(_ context.Context, tenantID string, provider reconcile.Provider, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return reconcile.ErrTenantNotFound
	}
	key := customerKey(provider, customerID)
	if owner, taken := s.customers[key]; taken {
		if owner == tenantID {
			return nil
		}
		return reconcile.ErrCustomerIDTaken
	}
	if existing := t.CustomerIDs[provider]; existing != "" && existing != customerID {
		return reconcile.ErrCustomerIDTaken
	}
	if t.CustomerIDs == nil {
		t.CustomerIDs = make(map[reconcile.Provider]string)
	}
	t.CustomerIDs[provider] = customerID
	t.UpdatedAt = time.Now().UTC()
	s.customers[key] = tenantID
	return nil
}

// SetTenantPlan implements reconcile.Storage
func (s *Storage) SetTenantPlan(_ context.Context, tenantID string, planID *string, eventTime time.Time) (*string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, false, reconcile.ErrTenantNotFound
	}
	prev := copyString(t.PlanID)
	if !t.PlanUpdatedAt.IsZero() && eventTime.Before(t.PlanUpdatedAt) {
		return prev, false, nil
	}
	t.PlanID = copyString(planID)
	t.PlanUpdatedAt = eventTime
	t.UpdatedAt = time.Now().UTC()
	return prev, true, nil
}

// AppendTransaction implements reconcile.Storage
func (s *Storage) AppendTransaction(_ context.Context, tx *reconcile.CreditTransaction) (int64, error) {
	if tx == nil || tx.Amount <= 0 || !tx.Kind.Valid() {
		return 0, reconcile.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tx.TenantID]
	if !ok {
		return 0, reconcile.ErrTenantNotFound
	}
	if tx.PaymentID != "" {
		if _, dup := s.paymentIDs[tx.PaymentID]; dup {
			return t.Balances[tx.CreditType], reconcile.ErrDuplicatePayment
		}
	}

	balance := t.Balances[tx.CreditType] + tx.Signed()
	if tx.Kind != reconcile.KindCredit && balance < 0 && !tx.AllowOverdraft {
		return t.Balances[tx.CreditType], reconcile.ErrInsufficientCredits
	}

	row := *tx
	row.AllowOverdraft = false
	row.Metadata = copyMetadata(tx.Metadata)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.transactions[tx.TenantID] = append(s.transactions[tx.TenantID], &row)
	if row.PaymentID != "" {
		s.paymentIDs[row.PaymentID] = struct{}{}
	}
	t.Balances[tx.CreditType] = balance
	t.UpdatedAt = row.CreatedAt
	return balance, nil
}

// ListTransactions implements reconcile.Storage
func (s *Storage) ListTransactions(_ context.Context, tenantID string) ([]*reconcile.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tenants[tenantID]; !ok {
		return nil, reconcile.ErrTenantNotFound
	}
	rows := s.transactions[tenantID]
	out := make([]*reconcile.CreditTransaction, len(rows))
	for i, row := range rows {
		c := *row
		c.Metadata = copyMetadata(row.Metadata)
		out[i] = &c
	}
	return out, nil
}

// GetBalances implements reconcile.Storage
func (s *Storage) GetBalances(_ context.Context, tenantID string) (map[reconcile.CreditType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, reconcile.ErrTenantNotFound
	}
	return copyBalances(t.Balances), nil
}

// ReplayBalances implements reconcile.Storage
func (s *Storage) ReplayBalances(_ context.Context, tenantID string, replay reconcile.ReplayFunc) (map[reconcile.CreditType]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, reconcile.ErrTenantNotFound
	}
	balances := replay(s.transactions[tenantID])
	t.Balances = copyBalances(balances)
	return balances, nil
}

// CorruptBalance overwrites a cached balance without a ledger row. Tests use it to
// simulate drift.
func (s *Storage) CorruptBalance(tenantID string, creditType reconcile.CreditType, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[tenantID]; ok {
		t.Balances[creditType] = balance
	}
}

// CreateInvoice implements reconcile.Storage
func (s *Storage) CreateInvoice(_ context.Context, inv *reconcile.Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID]; exists {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	for _, other := range s.invoices {
		if other.EngagementID == inv.EngagementID && other.Status == reconcile.InvoicePending {
			return reconcile.ErrInvoiceOutstanding
		}
	}
	c := *inv
	c.Status = reconcile.InvoicePending
	s.invoices[inv.ID] = &c
	return nil
}

// GetInvoice implements reconcile.Storage
func (s *Storage) GetInvoice(_ context.Context, invoiceID string) (*reconcile.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, reconcile.ErrInvoiceNotFound
	}
	c := *inv
	return &c, nil
}

// SetInvoiceCheckout implements reconcile.Storage
func (s *Storage) SetInvoiceCheckout(_ context.Context, invoiceID string, provider reconcile.Provider, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return reconcile.ErrInvoiceNotFound
	}
	if inv.Status != reconcile.InvoicePending {
		return reconcile.ErrInvalidTransition
	}
	inv.Provider = provider
	inv.CheckoutSessionID = sessionID
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

// TransitionInvoice implements reconcile.Storage
func (s *Storage) TransitionInvoice(_ context.Context, req *reconcile.InvoiceTransition) (*reconcile.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[req.InvoiceID]
	if !ok {
		return nil, reconcile.ErrInvoiceNotFound
	}
	if inv.Status != req.From {
		c := *inv
		return &c, reconcile.ErrInvalidTransition
	}
	inv.Status = req.To
	if req.PaymentIntentID != "" {
		inv.PaymentIntentID = req.PaymentIntentID
	}
	if req.FailureReason != "" {
		inv.FailureReason = req.FailureReason
	}
	inv.UpdatedAt = time.Now().UTC()
	c := *inv
	return &c, nil
}

// PutEngagement stores an engagement for GetEngagement.
func (s *Storage) PutEngagement(eng *reconcile.Engagement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *eng
	s.engagements[eng.ID] = &c
}

// GetEngagement implements reconcile.EngagementDirectory
func (s *Storage) GetEngagement(_ context.Context, engagementID string) (*reconcile.Engagement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eng, ok := s.engagements[engagementID]
	if !ok {
		return nil, reconcile.ErrEngagementNotFound
	}
	c := *eng
	return &c, nil
}

// HasProcessed implements reconcile.EventLog
func (s *Storage) HasProcessed(_ context.Context, provider reconcile.Provider, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[customerKey(provider, eventID)]
	return ok, nil
}

// MarkProcessed implements reconcile.EventLog
func (s *Storage) MarkProcessed(_ context.Context, evt *reconcile.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := customerKey(evt.Provider, evt.EventID)
	if _, ok := s.events[key]; ok {
		return nil
	}
	c := *evt
	s.events[key] = &c
	return nil
}

// TenantCount returns the number of stored tenants.
func (s *Storage) TenantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}

// TenantIDs returns every tenant id, oldest first.
func (s *Storage) TenantIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.tenants[ids[i]], s.tenants[ids[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ids, nil
}

func copyTenant(t *reconcile.Tenant) *reconcile.Tenant {
	c := *t
	c.PlanID = copyString(t.PlanID)
	c.Balances = copyBalances(t.Balances)
	c.CustomerIDs = make(map[reconcile.Provider]string, len(t.CustomerIDs))
	for k, v := range t.CustomerIDs {
		c.CustomerIDs[k] = v
	}
	return &c
}

func copyBalances(in map[reconcile.CreditType]int64) map[reconcile.CreditType]int64 {
	out := make(map[reconcile.CreditType]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var (
	_ reconcile.Storage             = (*Storage)(nil)
	_ reconcile.EventLog            = (*Storage)(nil)
	_ reconcile.EngagementDirectory = (*Storage)(nil)
)
