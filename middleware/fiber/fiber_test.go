package fiber

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
	"github.com/projectelevate-biz/rebound-relay/storage/memory"
)

// Test helper to create a ledger with one funded organization
func setupLedger(t *testing.T, balance int64) (*reconcile.Ledger, *memory.Storage) {
	t.Helper()

	store := memory.New()
	ctx := context.Background()
	if err := store.CreateTenant(ctx, &reconcile.Tenant{ID: "org1"}); err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	ledger := reconcile.NewLedger(store, nil, nil, nil)
	if _, err := ledger.AddCredits(ctx, reconcile.AddCreditsRequest{
		TenantID:   "org1",
		CreditType: reconcile.CreditTypeImageGeneration,
		Amount:     balance,
		PaymentID:  "seed",
	}); err != nil {
		t.Fatalf("Failed to seed credits: %v", err)
	}
	return ledger, store
}

func newApp(ledger *reconcile.Ledger, amount int64) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{
		Ledger:        ledger,
		GetTenantID:   FromHeader("X-Org-ID"),
		GetCreditType: FixedCreditType(reconcile.CreditTypeImageGeneration),
		GetAmount:     FixedAmount(amount),
	}))
	app.Post("/render", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, tenantID, key string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/render", nil)
	if tenantID != "" {
		req.Header.Set("X-Org-ID", tenantID)
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func TestMiddleware_Success(t *testing.T) {
	ledger, _ := setupLedger(t, 5)
	app := newApp(ledger, 2)

	resp := doRequest(t, app, "org1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(RemainingHeader); got != "3" {
		t.Errorf("Expected remaining 3, got %q", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	ledger, _ := setupLedger(t, 5)
	app := newApp(ledger, 1)

	if resp := doRequest(t, app, "", ""); resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestMiddleware_InsufficientCredits(t *testing.T) {
	ledger, store := setupLedger(t, 1)
	app := newApp(ledger, 2)

	resp := doRequest(t, app, "org1", "")
	if resp.StatusCode != fiber.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"balance":1`) {
		t.Errorf("Expected balance in body, got %s", body)
	}

	balances, err := store.GetBalances(context.Background(), "org1")
	if err != nil {
		t.Fatalf("Failed to read balances: %v", err)
	}
	if balances[reconcile.CreditTypeImageGeneration] != 1 {
		t.Errorf("Expected balance untouched, got %d", balances[reconcile.CreditTypeImageGeneration])
	}
}

func TestMiddleware_IdempotentRetry(t *testing.T) {
	ledger, store := setupLedger(t, 10)
	app := newApp(ledger, 3)

	for i := 0; i < 3; i++ {
		if resp := doRequest(t, app, "org1", "batch-7"); resp.StatusCode != fiber.StatusOK {
			t.Fatalf("Attempt %d: expected status 200, got %d", i, resp.StatusCode)
		}
	}

	balances, err := store.GetBalances(context.Background(), "org1")
	if err != nil {
		t.Fatalf("Failed to read balances: %v", err)
	}
	if balances[reconcile.CreditTypeImageGeneration] != 7 {
		t.Errorf("Expected one debit leaving 7, got %d", balances[reconcile.CreditTypeImageGeneration])
	}
}

func TestMiddleware_FromLocals(t *testing.T) {
	ledger, _ := setupLedger(t, 5)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("org", "org1")
		return c.Next()
	})
	app.Use(Middleware(Config{
		Ledger:        ledger,
		GetTenantID:   FromLocals("org"),
		GetCreditType: FixedCreditType(reconcile.CreditTypeImageGeneration),
		GetAmount:     FixedAmount(1),
	}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
}

type echoBodyProvider struct{}

func (echoBodyProvider) Name() reconcile.Provider { return reconcile.ProviderStripe }

func (echoBodyProvider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

func TestMount_PassesRawBody(t *testing.T) {
	app := fiber.New()
	Mount(app.Group("/webhooks"), echoBodyProvider{})

	payload := `{"id":"evt_1","type":"invoice.paid"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != payload {
		t.Errorf("Expected raw body echoed with 200, got %d %q", resp.StatusCode, body)
	}
}
