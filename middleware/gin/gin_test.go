package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
	"github.com/projectelevate-biz/rebound-relay/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupLedger(t *testing.T, balance int64) (*reconcile.Ledger, *memory.Storage) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateTenant(ctx, &reconcile.Tenant{ID: "org1"}))
	ledger := reconcile.NewLedger(store, nil, nil, nil)
	_, err := ledger.AddCredits(ctx, reconcile.AddCreditsRequest{
		TenantID:   "org1",
		CreditType: reconcile.CreditTypeVideoGeneration,
		Amount:     balance,
		PaymentID:  "seed",
	})
	require.NoError(t, err)
	return ledger, store
}

func newRouter(ledger *reconcile.Ledger, cost int64) *gongin.Engine {
	r := gongin.New()
	r.POST("/orgs/:org/render", Middleware(Config{
		Ledger:        ledger,
		GetTenantID:   FromParam("org"),
		GetCreditType: FixedCreditType(reconcile.CreditTypeVideoGeneration),
		GetAmount:     FixedAmount(cost),
	}), func(c *gongin.Context) {
		c.String(http.StatusOK, "rendered")
	})
	return r
}

func TestMiddleware_Debits(t *testing.T) {
	ledger, store := setupLedger(t, 5)
	r := newRouter(ledger, 2)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orgs/org1/render", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get(RemainingHeader))

	balances, err := store.GetBalances(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balances[reconcile.CreditTypeVideoGeneration])
}

func TestMiddleware_InsufficientCredits(t *testing.T) {
	ledger, _ := setupLedger(t, 1)
	r := newRouter(ledger, 2)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orgs/org1/render", nil))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"Insufficient credits","credit_type":"video_generation","balance":1}`, rec.Body.String())
}

func TestMiddleware_IdempotentRetry(t *testing.T) {
	ledger, store := setupLedger(t, 5)
	r := newRouter(ledger, 2)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/orgs/org1/render", nil)
		req.Header.Set("Idempotency-Key", "req-1")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	balances, err := store.GetBalances(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balances[reconcile.CreditTypeVideoGeneration])
}

func TestMiddleware_UnknownOrganization(t *testing.T) {
	ledger, _ := setupLedger(t, 5)
	r := newRouter(ledger, 1)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orgs/other/render", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}

type stubProvider struct{}

func (stubProvider) Name() reconcile.Provider { return reconcile.ProviderPayPal }

func (stubProvider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

func TestMount(t *testing.T) {
	r := gongin.New()
	Mount(r.Group("/webhooks"), stubProvider{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/paypal", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
