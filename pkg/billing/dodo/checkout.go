package dodo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const checkoutsEndpoint = "/checkouts"

type checkoutRequest struct {
	ProductCart []cartItem        `json:"product_cart"`
	Customer    *checkoutCustomer `json:"customer,omitempty"`
	ReturnURL   string            `json:"return_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type checkoutCustomer struct {
	CustomerID string `json:"customer_id,omitempty"`
	Email      string `json:"email,omitempty"`
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CheckoutForPlan creates a hosted checkout session for the plan's Dodo subscription product.
// The organization and plan ids are attached as metadata and come back on the subscription events.
func (p *Provider) CheckoutForPlan(ctx context.Context, req billing.PlanCheckoutRequest) (out *reconcile.CheckoutSession, err error) {
	defer func() {
		p.metrics.RecordCheckout(string(providerName), billing.CheckoutPlan, billing.CheckoutStatus(err))
	}()
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: dodo api key", billing.ErrProviderNotConfigured)
	}
	productID, err := billing.PlanProductID(p.config.Catalog, providerName, req.PlanID, req.Yearly)
	if err != nil {
		return nil, err
	}

	body := checkoutRequest{
		ProductCart: []cartItem{{ProductID: productID, Quantity: 1}},
		ReturnURL:   req.SuccessURL,
		Metadata: map[string]string{
			reconcile.MetadataOrganizationID: req.TenantID,
			reconcile.MetadataPlanID:         req.PlanID,
		},
	}
	switch {
	case req.CustomerID != "":
		body.Customer = &checkoutCustomer{CustomerID: req.CustomerID}
	case req.Email != "":
		body.Customer = &checkoutCustomer{Email: req.Email}
	}

	var resp checkoutResponse
	if err := p.post(ctx, checkoutsEndpoint, body, &resp); err != nil {
		return nil, err
	}
	if resp.CheckoutURL == "" {
		return nil, fmt.Errorf("%w: checkout response has no url", billing.ErrProviderAPIError)
	}
	return &reconcile.CheckoutSession{ID: resp.SessionID, URL: resp.CheckoutURL}, nil
}

// post sends a JSON request to the Dodo API and decodes a 2xx JSON response into out.
func (p *Provider) post(ctx context.Context, endpoint string, in, out interface{}) error {
	startTime := time.Now()
	name := string(providerName)

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		p.metrics.RecordAPICall(name, endpoint, "error", time.Since(startTime))
		return fmt.Errorf("%w: %s: %v", billing.ErrProviderAPIError, endpoint, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, billing.MaxWebhookBody))
	if err != nil {
		p.metrics.RecordAPICall(name, endpoint, "error", time.Since(startTime))
		return fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		p.metrics.RecordAPICall(name, endpoint, "error", time.Since(startTime))
		return fmt.Errorf("%w: %s: status %d, body: %s", billing.ErrProviderAPIError, endpoint, res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		p.metrics.RecordAPICall(name, endpoint, "error", time.Since(startTime))
		return fmt.Errorf("%w: failed to parse response: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(name, endpoint, "success", time.Since(startTime))
	return nil
}
