package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
	"github.com/projectelevate-biz/rebound-relay/storage/memory"
)

const testSecret = "whsec_test_secret"

type recordingSink struct {
	events []*reconcile.NormalizedPaymentEvent
}

func (s *recordingSink) Handle(_ context.Context, evt *reconcile.NormalizedPaymentEvent) (*reconcile.Outcome, error) {
	s.events = append(s.events, evt)
	return &reconcile.Outcome{Status: reconcile.StatusApplied}, nil
}

type fakeAPI struct {
	customer *stripe.Customer
	err      error
	lookups  []string
	sessions []*stripe.CheckoutSessionCreateParams
}

func (f *fakeAPI) RetrieveCustomer(_ context.Context, id string) (*stripe.Customer, error) {
	f.lookups = append(f.lookups, id)
	if f.err != nil {
		return nil, f.err
	}
	return f.customer, nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	f.sessions = append(f.sessions, params)
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func testCatalog(t *testing.T) *reconcile.Catalog {
	t.Helper()
	catalog, err := reconcile.NewCatalog([]reconcile.Plan{
		{ID: "free", Default: true},
		{
			ID:             "pro",
			StripePriceIDs: reconcile.ProviderIDs{Monthly: "price_pro_m", Yearly: "price_pro_y"},
			Credits:        map[reconcile.CreditType]int64{reconcile.CreditTypeImageGeneration: 500},
		},
		{ID: "dodo_only", DodoProductIDs: reconcile.ProviderIDs{Monthly: "pdt_1"}},
	})
	require.NoError(t, err)
	return catalog
}

func newTestProvider(t *testing.T, secret, env string) (*Provider, *recordingSink, *fakeAPI) {
	t.Helper()
	sink := &recordingSink{}
	p, err := NewProvider(Config{
		Config: billing.Config{
			Sink:        sink,
			Catalog:     testCatalog(t),
			Environment: env,
		},
		StripeWebhookSecret: secret,
	})
	require.NoError(t, err)
	api := &fakeAPI{}
	p.api = api
	return p, sink, api
}

func eventJSON(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1700000000,"data":{"object":%s}}`,
		id, eventType, object)
}

func post(t *testing.T, p *Provider, body string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	if sign {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   []byte(body),
			Secret:    testSecret,
			Timestamp: time.Now(),
		})
		req.Header.Set("Stripe-Signature", signed.Header)
	}
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func TestNewProvider_RequiresSink(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestWebhook_Signature(t *testing.T) {
	body := eventJSON("evt_1", "customer.created", `{"id":"cus_1","email":"a@example.com"}`)

	t.Run("valid signature", func(t *testing.T) {
		p, sink, _ := newTestProvider(t, testSecret, billing.EnvironmentProduction)
		rec := post(t, p, body, true)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, sink.events, 1)
	})

	t.Run("missing signature", func(t *testing.T) {
		p, sink, _ := newTestProvider(t, testSecret, billing.EnvironmentProduction)
		rec := post(t, p, body, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sink.events)
	})

	t.Run("tampered body", func(t *testing.T) {
		p, sink, _ := newTestProvider(t, testSecret, billing.EnvironmentProduction)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe",
			strings.NewReader(strings.Replace(body, "a@example.com", "b@example.com", 1)))
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: []byte(body), Secret: testSecret, Timestamp: time.Now(),
		})
		req.Header.Set("Stripe-Signature", signed.Header)
		rec := httptest.NewRecorder()
		p.WebhookHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sink.events)
	})

	t.Run("unsigned outside production", func(t *testing.T) {
		p, sink, _ := newTestProvider(t, "", "development")
		rec := post(t, p, body, false)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, sink.events, 1)
	})

	t.Run("unsigned in production", func(t *testing.T) {
		p, sink, _ := newTestProvider(t, "", billing.EnvironmentProduction)
		rec := post(t, p, body, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sink.events)
	})

	t.Run("malformed json", func(t *testing.T) {
		p, _, _ := newTestProvider(t, "", "development")
		rec := post(t, p, `{"id":`, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWebhook_UnknownTypeIgnored(t *testing.T) {
	p, sink, _ := newTestProvider(t, testSecret, "")
	rec := post(t, p, eventJSON("evt_2", "product.created", `{"id":"prod_1"}`), true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true,"status":"ignored"}`, rec.Body.String())
	assert.Empty(t, sink.events)
}

func TestWebhook_Parsers(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    string
		want      *reconcile.NormalizedPaymentEvent
	}{
		{
			name:      "invoice paid with parent subscription details",
			eventType: "invoice.paid",
			object: `{"id":"in_1","customer":"cus_1","customer_email":"a@example.com","amount_paid":2900,"currency":"usd",
				"parent":{"subscription_details":{"subscription":"sub_1","metadata":{"organization_id":"org_1"}}},
				"lines":{"data":[{"pricing":{"price_details":{"price":"price_pro_m"}}}]}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:           reconcile.EventInvoicePaid,
				Customer:       reconcile.CustomerHint{Provider: providerName, ExternalID: "cus_1", Email: "a@example.com", TenantID: "org_1"},
				PaymentID:      "in_1",
				SubscriptionID: "sub_1",
				ProductIDs:     []string{"price_pro_m"},
				AmountMinor:    2900,
				Currency:       "usd",
				Metadata:       map[string]string{"organization_id": "org_1"},
			},
		},
		{
			name:      "legacy invoice shape",
			eventType: "invoice.payment_succeeded",
			object: `{"id":"in_2","customer":{"id":"cus_2","object":"customer"},"customer_email":"b@example.com","amount_paid":100,
				"currency":"eur","subscription":"sub_2","lines":{"data":[{"price":{"id":"price_pro_y"}}]}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:           reconcile.EventInvoicePaid,
				Customer:       reconcile.CustomerHint{Provider: providerName, ExternalID: "cus_2", Email: "b@example.com"},
				PaymentID:      "in_2",
				SubscriptionID: "sub_2",
				ProductIDs:     []string{"price_pro_y"},
				AmountMinor:    100,
				Currency:       "eur",
			},
		},
		{
			name:      "active subscription created",
			eventType: "customer.subscription.created",
			object: `{"id":"sub_1","customer":"cus_1","status":"active","latest_invoice":"in_1",
				"metadata":{"organization_id":"org_1"},"items":{"data":[{"price":{"id":"price_pro_m"}}]}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:           reconcile.EventSubscriptionCreated,
				Customer:       reconcile.CustomerHint{Provider: providerName, ExternalID: "cus_1", TenantID: "org_1"},
				PaymentID:      "in_1",
				SubscriptionID: "sub_1",
				ProductIDs:     []string{"price_pro_m"},
				Metadata:       map[string]string{"organization_id": "org_1"},
			},
		},
		{
			name:      "subscription deleted",
			eventType: "customer.subscription.deleted",
			object:    `{"id":"sub_1","customer":"cus_1","status":"canceled","metadata":{"organization_id":"org_1"}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:           reconcile.EventSubscriptionCanceled,
				Customer:       reconcile.CustomerHint{Provider: providerName, ExternalID: "cus_1", TenantID: "org_1"},
				SubscriptionID: "sub_1",
				Metadata:       map[string]string{"organization_id": "org_1"},
			},
		},
		{
			name:      "invoice payment intent succeeded",
			eventType: "payment_intent.succeeded",
			object: `{"id":"pi_1","amount":50000,"currency":"usd",
				"metadata":{"invoice_id":"inv_1","organization_id":"org_1"}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventPaymentSucceeded,
				Customer:    reconcile.CustomerHint{Provider: providerName, TenantID: "org_1"},
				PaymentID:   "pi_1",
				AmountMinor: 50000,
				Currency:    "usd",
				InvoiceID:   "inv_1",
				Metadata:    map[string]string{"invoice_id": "inv_1", "organization_id": "org_1"},
			},
		},
		{
			name:      "payment intent declined",
			eventType: "payment_intent.payment_failed",
			object: `{"id":"pi_2","amount":50000,"currency":"usd","metadata":{"invoice_id":"inv_2"},
				"last_payment_error":{"code":"card_declined","message":"Your card was declined."}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventPaymentDeclined,
				Customer:    reconcile.CustomerHint{Provider: providerName},
				PaymentID:   "pi_2",
				AmountMinor: 50000,
				Currency:    "usd",
				InvoiceID:   "inv_2",
				Reason:      "card_declined: Your card was declined.",
				Metadata:    map[string]string{"invoice_id": "inv_2"},
			},
		},
		{
			name:      "payment checkout completed",
			eventType: "checkout.session.completed",
			object: `{"id":"cs_1","mode":"payment","payment_status":"paid","payment_intent":"pi_3",
				"amount_total":1000,"currency":"usd","client_reference_id":"org_2",
				"customer_details":{"email":"c@example.com","name":"Carol"},
				"metadata":{"credit_type":"image_generation","credits":"100"}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventCheckoutCompleted,
				Customer:    reconcile.CustomerHint{Provider: providerName, Email: "c@example.com", Name: "Carol", TenantID: "org_2"},
				PaymentID:   "pi_3",
				AmountMinor: 1000,
				Currency:    "usd",
				Metadata:    map[string]string{"credit_type": "image_generation", "credits": "100"},
			},
		},
		{
			name:      "subscription checkout links the customer",
			eventType: "checkout.session.completed",
			object: `{"id":"cs_2","mode":"subscription","payment_status":"paid","customer":"cus_9",
				"customer_details":{"email":"d@example.com"},"metadata":{"organization_id":"org_3","plan_id":"pro"}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:     reconcile.EventCustomerCreated,
				Customer: reconcile.CustomerHint{Provider: providerName, ExternalID: "cus_9", Email: "d@example.com", TenantID: "org_3"},
				Metadata: map[string]string{"organization_id": "org_3", "plan_id": "pro"},
			},
		},
		{
			name:      "expired checkout fails the invoice",
			eventType: "checkout.session.expired",
			object: `{"id":"cs_4","mode":"payment","status":"expired","amount_total":50000,"currency":"usd",
				"metadata":{"invoice_id":"inv_4"}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventPaymentFailed,
				Customer:    reconcile.CustomerHint{Provider: providerName},
				PaymentID:   "cs_4",
				AmountMinor: 50000,
				Currency:    "usd",
				InvoiceID:   "inv_4",
				Reason:      "checkout session expired",
				Metadata:    map[string]string{"invoice_id": "inv_4"},
			},
		},
		{
			name:      "async checkout succeeded",
			eventType: "checkout.session.async_payment_succeeded",
			object: `{"id":"cs_5","mode":"payment","payment_status":"paid","payment_intent":"pi_5",
				"amount_total":50000,"currency":"usd","metadata":{"invoice_id":"inv_5"}}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventCheckoutCompleted,
				Customer:    reconcile.CustomerHint{Provider: providerName},
				PaymentID:   "pi_5",
				AmountMinor: 50000,
				Currency:    "usd",
				InvoiceID:   "inv_5",
				Metadata:    map[string]string{"invoice_id": "inv_5"},
			},
		},
		{
			name:      "dispute opened",
			eventType: "charge.dispute.created",
			object:    `{"id":"dp_1","amount":500,"currency":"usd","reason":"fraudulent","payment_intent":"pi_4"}`,
			want: &reconcile.NormalizedPaymentEvent{
				Kind:        reconcile.EventDisputeOpened,
				PaymentID:   "pi_4",
				AmountMinor: 500,
				Currency:    "usd",
				Reason:      "fraudulent",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, sink, _ := newTestProvider(t, testSecret, "")
			rec := post(t, p, eventJSON("evt_1", tt.eventType, tt.object), true)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Len(t, sink.events, 1)

			got := sink.events[0]
			assert.Equal(t, providerName, got.Provider)
			assert.Equal(t, "evt_1", got.EventID)
			assert.Equal(t, tt.eventType, got.EventType)
			assert.Equal(t, time.Unix(1700000000, 0).UTC(), got.OccurredAt)

			tt.want.Provider = got.Provider
			tt.want.EventID = got.EventID
			tt.want.EventType = got.EventType
			tt.want.OccurredAt = got.OccurredAt
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebhook_IgnoredPayloads(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    string
	}{
		{"incomplete subscription", "customer.subscription.created", `{"id":"sub_1","customer":"cus_1","status":"incomplete"}`},
		{"past due subscription update", "customer.subscription.updated", `{"id":"sub_1","customer":"cus_1","status":"past_due"}`},
		{"one-off invoice", "invoice.paid", `{"id":"in_1","customer":"cus_1","amount_paid":100}`},
		{"subscription payment intent", "payment_intent.succeeded", `{"id":"pi_1","amount":100,"currency":"usd"}`},
		{"unpaid async checkout", "checkout.session.completed", `{"id":"cs_1","mode":"payment","payment_status":"unpaid"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, sink, _ := newTestProvider(t, testSecret, "")
			rec := post(t, p, eventJSON("evt_1", tt.eventType, tt.object), true)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"received":true,"status":"ignored"}`, rec.Body.String())
			assert.Empty(t, sink.events)
		})
	}
}

func TestWebhook_DeclinedAttemptKeepsInvoiceOpen(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	catalog := testCatalog(t)
	ledger := reconcile.NewLedger(store, nil, nil, nil)
	invoices := reconcile.NewInvoices(store, store, nil, nil, nil)
	reconciler := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Resolver: reconcile.NewResolver(store, nil),
		Ledger:   ledger,
		Plans:    reconcile.NewPlanAssigner(store, catalog, ledger, nil, nil),
		Invoices: invoices,
		Events:   store,
	})
	p, err := NewProvider(Config{
		Config:              billing.Config{Sink: reconciler, Catalog: catalog},
		StripeWebhookSecret: testSecret,
	})
	require.NoError(t, err)
	p.api = &fakeAPI{}

	newInvoice := func(id string) *reconcile.Invoice {
		return &reconcile.Invoice{
			ID:           id,
			EngagementID: "eng_1",
			TenantID:     "org_1",
			Amount:       50000,
			Currency:     "usd",
			Provider:     reconcile.ProviderStripe,
		}
	}
	require.NoError(t, store.CreateInvoice(ctx, newInvoice("inv_1")))

	declined := `{"id":"pi_1","amount":50000,"currency":"usd",
		"metadata":{"invoice_id":"inv_1","organization_id":"org_1"},
		"last_payment_error":{"code":"card_declined","message":"Your card was declined."}}`
	rec := post(t, p, eventJSON("evt_1", "payment_intent.payment_failed", declined), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	inv, err := invoices.GetInvoice(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.InvoicePending, inv.Status)
	assert.ErrorIs(t, store.CreateInvoice(ctx, newInvoice("inv_2")), reconcile.ErrInvoiceOutstanding)

	succeeded := `{"id":"pi_1","amount":50000,"currency":"usd",
		"metadata":{"invoice_id":"inv_1","organization_id":"org_1"}}`
	rec = post(t, p, eventJSON("evt_2", "payment_intent.succeeded", succeeded), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	inv, err = invoices.GetInvoice(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.InvoicePaid, inv.Status)
	assert.Equal(t, "pi_1", inv.PaymentIntentID)
	assert.Empty(t, inv.FailureReason)
}

func TestWebhook_EnrichesCustomer(t *testing.T) {
	object := `{"id":"sub_1","customer":"cus_1","status":"active","latest_invoice":"in_1"}`

	t.Run("fills email and organization", func(t *testing.T) {
		p, sink, api := newTestProvider(t, testSecret, "")
		api.customer = &stripe.Customer{
			ID:       "cus_1",
			Email:    "a@example.com",
			Name:     "Alice",
			Metadata: map[string]string{"organization_id": "org_1"},
		}
		rec := post(t, p, eventJSON("evt_1", "customer.subscription.updated", object), true)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, sink.events, 1)
		assert.Equal(t, []string{"cus_1"}, api.lookups)
		assert.Equal(t, "a@example.com", sink.events[0].Customer.Email)
		assert.Equal(t, "Alice", sink.events[0].Customer.Name)
		assert.Equal(t, "org_1", sink.events[0].Customer.TenantID)
		assert.Equal(t, reconcile.EventSubscriptionRenewed, sink.events[0].Kind)
	})

	t.Run("fetch failure is soft", func(t *testing.T) {
		p, sink, api := newTestProvider(t, testSecret, "")
		api.err = errors.New("stripe unavailable")
		rec := post(t, p, eventJSON("evt_1", "customer.subscription.updated", object), true)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, sink.events, 1)
		assert.Equal(t, "cus_1", sink.events[0].Customer.ExternalID)
		assert.Empty(t, sink.events[0].Customer.Email)
	})

	t.Run("skipped when the payload names the organization", func(t *testing.T) {
		p, _, api := newTestProvider(t, testSecret, "")
		withOrg := `{"id":"sub_1","customer":"cus_1","status":"active","metadata":{"organization_id":"org_1"}}`
		post(t, p, eventJSON("evt_1", "customer.subscription.updated", withOrg), true)
		assert.Empty(t, api.lookups)
	})
}

func TestCheckoutForInvoice(t *testing.T) {
	p, _, api := newTestProvider(t, testSecret, "")
	p.SetCheckoutURLs("https://app.test/paid", "https://app.test/cancel")

	inv := &reconcile.Invoice{
		ID:              "inv_1",
		TenantID:        "org_1",
		Amount:          100000,
		Currency:        "USD",
		Commission:      10000,
		Payout:          90000,
		PayoutAccountID: "acct_1",
	}
	eng := &reconcile.Engagement{ID: "eng_1", Title: "Data platform audit", ClientEmail: "client@example.com"}

	session, err := p.CheckoutForInvoice(context.Background(), inv, eng)
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", session.URL)

	require.Len(t, api.sessions, 1)
	params := api.sessions[0]
	assert.Equal(t, "payment", stripe.StringValue(params.Mode))
	assert.Equal(t, "inv_1", params.Metadata["invoice_id"])
	assert.Equal(t, "inv_1", params.PaymentIntentData.Metadata["invoice_id"])
	assert.Equal(t, "org_1", params.PaymentIntentData.Metadata["organization_id"])
	require.NotNil(t, params.PaymentIntentData.TransferData)
	assert.Equal(t, "acct_1", stripe.StringValue(params.PaymentIntentData.TransferData.Destination))
	assert.Equal(t, int64(90000), stripe.Int64Value(params.PaymentIntentData.TransferData.Amount))
	assert.Equal(t, "usd", stripe.StringValue(params.LineItems[0].PriceData.Currency))
	assert.Equal(t, int64(100000), stripe.Int64Value(params.LineItems[0].PriceData.UnitAmount))
	assert.Equal(t, "Data platform audit", stripe.StringValue(params.LineItems[0].PriceData.ProductData.Name))
	assert.Equal(t, "client@example.com", stripe.StringValue(params.CustomerEmail))
}

func TestCheckoutForInvoice_NoPayoutAccount(t *testing.T) {
	p, _, api := newTestProvider(t, testSecret, "")
	p.SetCheckoutURLs("https://app.test/paid", "https://app.test/cancel")

	_, err := p.CheckoutForInvoice(context.Background(), &reconcile.Invoice{ID: "inv_2", Amount: 500, Currency: "usd"}, nil)
	require.NoError(t, err)
	require.Len(t, api.sessions, 1)
	assert.Nil(t, api.sessions[0].PaymentIntentData.TransferData)
}

func TestCheckoutForInvoice_Errors(t *testing.T) {
	inv := &reconcile.Invoice{ID: "inv_1", Amount: 500, Currency: "usd"}

	t.Run("urls not configured", func(t *testing.T) {
		p, _, _ := newTestProvider(t, testSecret, "")
		_, err := p.CheckoutForInvoice(context.Background(), inv, nil)
		assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	})

	t.Run("api error", func(t *testing.T) {
		p, _, api := newTestProvider(t, testSecret, "")
		p.SetCheckoutURLs("https://app.test/paid", "https://app.test/cancel")
		api.err = errors.New("card network down")
		_, err := p.CheckoutForInvoice(context.Background(), inv, nil)
		assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	})
}

func TestCheckoutForPlan(t *testing.T) {
	p, _, api := newTestProvider(t, testSecret, "")

	session, err := p.CheckoutForPlan(context.Background(), billing.PlanCheckoutRequest{
		TenantID:   "org_1",
		PlanID:     "pro",
		Email:      "a@example.com",
		Yearly:     true,
		SuccessURL: "https://app.test/ok",
		CancelURL:  "https://app.test/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.ID)

	require.Len(t, api.sessions, 1)
	params := api.sessions[0]
	assert.Equal(t, "subscription", stripe.StringValue(params.Mode))
	assert.Equal(t, "price_pro_y", stripe.StringValue(params.LineItems[0].Price))
	assert.Equal(t, "org_1", params.SubscriptionData.Metadata["organization_id"])
	assert.Equal(t, "pro", params.SubscriptionData.Metadata["plan_id"])
	assert.Equal(t, "org_1", stripe.StringValue(params.ClientReferenceID))
	assert.Equal(t, "a@example.com", stripe.StringValue(params.CustomerEmail))
	assert.Nil(t, params.Customer)
}

func TestCheckoutForPlan_AttachesLinkedCustomer(t *testing.T) {
	p, _, api := newTestProvider(t, testSecret, "")

	_, err := p.CheckoutForPlan(context.Background(), billing.PlanCheckoutRequest{
		TenantID:   "org_1",
		PlanID:     "pro",
		Email:      "a@example.com",
		CustomerID: "cus_1",
		SuccessURL: "https://app.test/ok",
		CancelURL:  "https://app.test/cancel",
	})
	require.NoError(t, err)

	require.Len(t, api.sessions, 1)
	params := api.sessions[0]
	assert.Equal(t, "cus_1", stripe.StringValue(params.Customer))
	assert.Nil(t, params.CustomerEmail)
	assert.Equal(t, "price_pro_m", stripe.StringValue(params.LineItems[0].Price))
}

func TestCheckoutForPlan_Errors(t *testing.T) {
	p, _, api := newTestProvider(t, testSecret, "")
	req := billing.PlanCheckoutRequest{TenantID: "org_1", SuccessURL: "https://a.test", CancelURL: "https://b.test"}

	req.PlanID = "missing"
	_, err := p.CheckoutForPlan(context.Background(), req)
	assert.ErrorIs(t, err, reconcile.ErrPlanNotFound)

	req.PlanID = "dodo_only"
	_, err = p.CheckoutForPlan(context.Background(), req)
	assert.ErrorIs(t, err, billing.ErrPlanNotConfigured)
	assert.Empty(t, api.sessions)
}
