package dodo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

var testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("dodo-test-signing-key"))

type recordingSink struct {
	events []*reconcile.NormalizedPaymentEvent
}

func (s *recordingSink) Handle(_ context.Context, evt *reconcile.NormalizedPaymentEvent) (*reconcile.Outcome, error) {
	s.events = append(s.events, evt)
	return &reconcile.Outcome{Status: reconcile.StatusApplied}, nil
}

func testCatalog(t *testing.T) *reconcile.Catalog {
	t.Helper()
	catalog, err := reconcile.NewCatalog([]reconcile.Plan{
		{ID: "free", Default: true},
		{ID: "pro", DodoProductIDs: reconcile.ProviderIDs{Monthly: "pdt_pro_m", Yearly: "pdt_pro_y"}},
	})
	require.NoError(t, err)
	return catalog
}

func newTestProvider(t *testing.T, cfg Config) (*Provider, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	cfg.Sink = sink
	cfg.Catalog = testCatalog(t)
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	return p, sink
}

func envelopeJSON(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"business_id": "bus_1",
		"type":        eventType,
		"timestamp":   "2025-03-01T12:00:00Z",
		"data":        json.RawMessage(raw),
	})
	require.NoError(t, err)
	return body
}

func signedRequest(p *Provider, id string, ts time.Time, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/dodo", strings.NewReader(string(body)))
	req.Header.Set(headerID, id)
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(headerSignature, "v1,"+p.verifier.sign(id, ts, body))
	return req
}

func serve(p *Provider, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{Config: billing.Config{Sink: &recordingSink{}}, DodoWebhookSecret: "whsec_%%%"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	p, _ := newTestProvider(t, Config{})
	assert.Equal(t, TestBaseURL, p.baseURL)

	p, _ = newTestProvider(t, Config{Config: billing.Config{Environment: "production"}})
	assert.Equal(t, LiveBaseURL, p.baseURL)
}

func TestVerifier(t *testing.T) {
	v, err := newVerifier(testSecret)
	require.NoError(t, err)
	now := time.Unix(1740830400, 0)
	v.now = func() time.Time { return now }
	body := []byte(`{"type":"payment.succeeded"}`)

	header := func(id string, ts time.Time, sig string) http.Header {
		h := http.Header{}
		h.Set(headerID, id)
		h.Set(headerTimestamp, strconv.FormatInt(ts.Unix(), 10))
		h.Set(headerSignature, sig)
		return h
	}
	good := "v1," + v.sign("msg_1", now, body)

	assert.NoError(t, v.verify(header("msg_1", now, good), body))
	assert.NoError(t, v.verify(header("msg_1", now, "v1,bm9wZQ== "+good), body), "any listed signature may match")
	assert.ErrorIs(t, v.verify(header("msg_2", now, good), body), errNoMatch)
	assert.ErrorIs(t, v.verify(header("msg_1", now, good), []byte(`{}`)), errNoMatch)
	assert.ErrorIs(t, v.verify(header("msg_1", now, "v2,"+v.sign("msg_1", now, body)), body), errNoMatch)
	assert.ErrorIs(t, v.verify(header("msg_1", now.Add(-6*time.Minute), good), body), errTimestamp)
	assert.ErrorIs(t, v.verify(header("msg_1", now.Add(6*time.Minute), good), body), errTimestamp)
	assert.ErrorIs(t, v.verify(http.Header{}, body), errMissingHeaders)
}

func TestWebhook_Signature(t *testing.T) {
	body := envelopeJSON(t, "customer.created", map[string]interface{}{
		"customer_id": "cus_1", "email": "a@example.com", "name": "Alice",
	})

	t.Run("valid", func(t *testing.T) {
		p, sink := newTestProvider(t, Config{DodoWebhookSecret: testSecret})
		rec := serve(p, signedRequest(p, "msg_1", time.Now(), body))
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, sink.events, 1)
		assert.Equal(t, "msg_1", sink.events[0].EventID)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		p, sink := newTestProvider(t, Config{DodoWebhookSecret: testSecret})
		rec := serve(p, signedRequest(p, "msg_1", time.Now().Add(-10*time.Minute), body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sink.events)
	})

	t.Run("unsigned in production", func(t *testing.T) {
		p, sink := newTestProvider(t, Config{Config: billing.Config{Environment: "production"}})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/dodo", strings.NewReader(string(body)))
		rec := serve(p, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sink.events)
	})

	t.Run("unsigned in development", func(t *testing.T) {
		p, sink := newTestProvider(t, Config{})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/dodo", strings.NewReader(string(body)))
		req.Header.Set(headerID, "msg_9")
		rec := serve(p, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, sink.events, 1)
		assert.Equal(t, "msg_9", sink.events[0].EventID)
	})
}

func TestWebhook_Parsers(t *testing.T) {
	cust := map[string]interface{}{"customer_id": "cus_1", "email": "a@example.com", "name": "Alice"}
	hint := reconcile.CustomerHint{Provider: providerName, ExternalID: "cus_1", Email: "a@example.com", Name: "Alice"}
	orgHint := hint
	orgHint.TenantID = "org_1"

	tests := []struct {
		name      string
		eventType string
		data      map[string]interface{}
		want      *reconcile.NormalizedPaymentEvent
	}{
		{
			name:      "subscription active",
			eventType: "subscription.active",
			data: map[string]interface{}{
				"subscription_id": "sub_1", "product_id": "pdt_pro_m", "status": "active", "customer": cust,
				"metadata": map[string]string{"organization_id": "org_1"}, "recurring_pre_tax_amount": 2900,
				"currency": "USD", "previous_billing_date": "2025-03-01T00:00:00Z",
			},
			want: &reconcile.NormalizedPaymentEvent{
				Kind:           reconcile.EventSubscriptionCreated,
				Customer:       orgHint,
				PaymentID:      "sub_1:2025-03-01T00:00:00Z",
				SubscriptionID: "sub_1",
				ProductIDs:     []string{"pdt_pro_m"},
				AmountMinor:    2900,
				Currency:       "USD",
				Metadata:       map[string]string{"organization_id": "org_1"},
			},
		},
		{
			name:      "subscription expired",
			eventType: "subscription.expired",
			data:      map[string]interface{}{"subscription_id": "sub_1", "product_id": "pdt_pro_m", "status": "expired", "customer": cust},
			want: &reconcile.NormalizedPaymentEvent{
				Kind:           reconcile.EventSubscriptionCanceled,
				Customer:       hint,
				SubscriptionID: "sub_1",
			},
		},
		{
			name:      "one-off credit pack payment",
			eventType: "payment.succeeded",
			data: map[string]interface{}{
				"payment_id": "pay_1", "customer": cust, "total_amount": 1000, "currency": "USD",
				"subscription_id": nil, "product_cart": []map[string]interface{}{{"product_id": "pdt_pack", "quantity": 1}},
				"metadata": map[string]string{"credit_type": "image_generation", "credits": "100"},
			},
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventPaymentSucceeded,
				Customer:    hint,
				PaymentID:   "pay_1",
				ProductIDs:  []string{"pdt_pack"},
				AmountMinor: 1000,
				Currency:    "USD",
				Metadata:    map[string]string{"credit_type": "image_generation", "credits": "100"},
			},
		},
		{
			name:      "payment failed",
			eventType: "payment.failed",
			data: map[string]interface{}{
				"payment_id": "pay_2", "customer": cust, "total_amount": 1000, "currency": "USD",
				"error_code": "CARD_DECLINED", "error_message": "declined",
			},
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventPaymentFailed,
				Customer:    hint,
				PaymentID:   "pay_2",
				AmountMinor: 1000,
				Currency:    "USD",
				Reason:      "CARD_DECLINED: declined",
			},
		},
		{
			name:      "refund",
			eventType: "refund.succeeded",
			data:      map[string]interface{}{"refund_id": "ref_1", "payment_id": "pay_1", "amount": 500, "currency": "USD", "reason": "requested"},
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventRefundIssued,
				PaymentID:   "pay_1",
				AmountMinor: 500,
				Currency:    "USD",
				Reason:      "requested",
			},
		},
		{
			name:      "dispute with string amount",
			eventType: "dispute.opened",
			data:      map[string]interface{}{"dispute_id": "dsp_1", "payment_id": "pay_1", "amount": "750", "currency": "USD", "dispute_stage": "chargeback"},
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventDisputeOpened,
				PaymentID:   "pay_1",
				AmountMinor: 750,
				Currency:    "USD",
				Reason:      "chargeback",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, sink := newTestProvider(t, Config{DodoWebhookSecret: testSecret})
			rec := serve(p, signedRequest(p, "msg_1", time.Now(), envelopeJSON(t, tt.eventType, tt.data)))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Len(t, sink.events, 1)

			got := sink.events[0]
			assert.Equal(t, providerName, got.Provider)
			assert.Equal(t, tt.eventType, got.EventType)
			assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), got.OccurredAt)

			tt.want.Provider = got.Provider
			tt.want.EventID = "msg_1"
			tt.want.EventType = tt.eventType
			tt.want.OccurredAt = got.OccurredAt
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebhook_SubscriptionPaymentIgnored(t *testing.T) {
	p, sink := newTestProvider(t, Config{DodoWebhookSecret: testSecret})
	body := envelopeJSON(t, "payment.succeeded", map[string]interface{}{
		"payment_id": "pay_1", "subscription_id": "sub_1", "total_amount": 2900, "currency": "USD",
		"product_cart": []map[string]interface{}{{"product_id": "pdt_pro_m", "quantity": 1}},
	})

	rec := serve(p, signedRequest(p, "msg_1", time.Now(), body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true,"status":"ignored"}`, rec.Body.String())
	assert.Empty(t, sink.events)
}

func TestCheckoutForPlan(t *testing.T) {
	var got checkoutRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != checkoutsEndpoint {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer dodo_key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id":"cks_1","checkout_url":"https://checkout.dodo.test/cks_1"}`))
	}))
	defer server.Close()

	p, _ := newTestProvider(t, Config{DodoAPIKey: "dodo_key", BaseURL: server.URL + "/"})
	session, err := p.CheckoutForPlan(context.Background(), billing.PlanCheckoutRequest{
		TenantID:   "org_1",
		PlanID:     "pro",
		Email:      "a@example.com",
		SuccessURL: "https://app.test/ok",
		CancelURL:  "https://app.test/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cks_1", session.ID)
	assert.Equal(t, "https://checkout.dodo.test/cks_1", session.URL)

	assert.Equal(t, []cartItem{{ProductID: "pdt_pro_m", Quantity: 1}}, got.ProductCart)
	require.NotNil(t, got.Customer)
	assert.Equal(t, "a@example.com", got.Customer.Email)
	assert.Equal(t, "https://app.test/ok", got.ReturnURL)
	assert.Equal(t, map[string]string{"organization_id": "org_1", "plan_id": "pro"}, got.Metadata)
}

func TestCheckoutForPlan_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"invalid product"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	req := billing.PlanCheckoutRequest{TenantID: "org_1", PlanID: "pro", SuccessURL: "https://a.test", CancelURL: "https://b.test"}

	p, _ := newTestProvider(t, Config{BaseURL: server.URL})
	_, err := p.CheckoutForPlan(context.Background(), req)
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	p, _ = newTestProvider(t, Config{DodoAPIKey: "dodo_key", BaseURL: server.URL})
	_, err = p.CheckoutForPlan(context.Background(), req)
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)

	req.PlanID = "unknown"
	_, err = p.CheckoutForPlan(context.Background(), req)
	assert.ErrorIs(t, err, reconcile.ErrPlanNotFound)
}
