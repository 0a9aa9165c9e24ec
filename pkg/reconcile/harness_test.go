package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
	"github.com/projectelevate-biz/rebound-relay/storage/memory"
)

const (
	imageCredits = reconcile.CreditTypeImageGeneration
	videoCredits = reconcile.CreditTypeVideoGeneration
)

func testPlans() []reconcile.Plan {
	return []reconcile.Plan{
		{
			ID:       "free",
			Codename: "free",
			Credits:  map[reconcile.CreditType]int64{imageCredits: 10},
			Default:  true,
		},
		{
			ID:             "pro",
			Codename:       "pro",
			StripePriceIDs: reconcile.ProviderIDs{Monthly: "price_pro_m", Yearly: "price_pro_y"},
			DodoProductIDs: reconcile.ProviderIDs{Monthly: "pdt_pro_m"},
			PayPalPlanIDs:  reconcile.ProviderIDs{Monthly: "P-PRO"},
			Credits:        map[reconcile.CreditType]int64{imageCredits: 500, videoCredits: 50},
		},
		{
			ID:             "team",
			Codename:       "team",
			StripePriceIDs: reconcile.ProviderIDs{Monthly: "price_team_m"},
			Credits:        map[reconcile.CreditType]int64{imageCredits: 2000},
		},
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []reconcile.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, note reconcile.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func (n *recordingNotifier) Sent() []reconcile.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]reconcile.Notification(nil), n.sent...)
}

type fakeCheckout struct {
	mu    sync.Mutex
	calls []*reconcile.Invoice
	err   error
}

func (f *fakeCheckout) Name() reconcile.Provider { return reconcile.ProviderStripe }

func (f *fakeCheckout) CheckoutForInvoice(_ context.Context, inv *reconcile.Invoice, _ *reconcile.Engagement) (*reconcile.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *inv
	f.calls = append(f.calls, &c)
	if f.err != nil {
		return nil, f.err
	}
	return &reconcile.CheckoutSession{ID: "cs_" + inv.ID, URL: "https://checkout.test/" + inv.ID}, nil
}

type harness struct {
	store      *memory.Storage
	roles      *reconcile.StaticRoles
	ledger     *reconcile.Ledger
	plans      *reconcile.PlanAssigner
	invoices   *reconcile.Invoices
	resolver   *reconcile.Resolver
	reconciler *reconcile.Reconciler
	checkout   *fakeCheckout
	notifier   *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStorage(t, memory.New(), nil)
}

func newHarnessWithStorage(t *testing.T, store *memory.Storage, wrap func(reconcile.Storage) reconcile.Storage) *harness {
	t.Helper()
	var storage reconcile.Storage = store
	if wrap != nil {
		storage = wrap(store)
	}

	catalog, err := reconcile.NewCatalog(testPlans())
	require.NoError(t, err)

	roles := reconcile.NewStaticRoles()
	roles.Assign("root@example.com", reconcile.RoleSuperAdmin)
	roles.Assign("billing@example.com", reconcile.RoleBillingAdmin)
	policy := reconcile.NewRolePolicy(roles, nil)

	h := &harness{
		store:    store,
		roles:    roles,
		checkout: &fakeCheckout{},
		notifier: &recordingNotifier{},
	}
	h.ledger = reconcile.NewLedger(storage, policy, nil, nil)
	h.plans = reconcile.NewPlanAssigner(storage, catalog, h.ledger, nil, nil)
	h.invoices = reconcile.NewInvoices(storage, store, h.checkout, nil, nil)
	h.resolver = reconcile.NewResolver(storage, nil)
	h.reconciler = reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Resolver: h.resolver,
		Ledger:   h.ledger,
		Plans:    h.plans,
		Invoices: h.invoices,
		Events:   store,
		Notifier: h.notifier,
	})
	return h
}

func (h *harness) tenant(t *testing.T, email string) *reconcile.Tenant {
	t.Helper()
	tenant, err := h.resolver.Resolve(context.Background(), reconcile.CustomerHint{Email: email, Name: email})
	require.NoError(t, err)
	return tenant
}

func (h *harness) engagement(t *testing.T, tenantID, payoutAccount string) *reconcile.Engagement {
	t.Helper()
	eng := &reconcile.Engagement{
		ID:              "eng_" + tenantID,
		TenantID:        tenantID,
		ConsultantID:    "consultant_1",
		PayoutAccountID: payoutAccount,
		Currency:        "USD",
		Title:           "Enrollment strategy review",
	}
	h.store.PutEngagement(eng)
	return eng
}

// failingStorage fails selected operations with an infrastructure error.
type failingStorage struct {
	reconcile.Storage
	failAppend   bool
	failReads    bool
	failCheckout bool
}

var errDatabaseDown = errors.New("database down")

func (f *failingStorage) AppendTransaction(ctx context.Context, tx *reconcile.CreditTransaction) (int64, error) {
	if f.failAppend {
		return 0, errDatabaseDown
	}
	return f.Storage.AppendTransaction(ctx, tx)
}

func (f *failingStorage) SetInvoiceCheckout(ctx context.Context, invoiceID string, provider reconcile.Provider, sessionID string) error {
	if f.failCheckout {
		return errDatabaseDown
	}
	return f.Storage.SetInvoiceCheckout(ctx, invoiceID, provider, sessionID)
}

func (f *failingStorage) GetTenant(ctx context.Context, id string) (*reconcile.Tenant, error) {
	if f.failReads {
		return nil, errDatabaseDown
	}
	return f.Storage.GetTenant(ctx, id)
}
