package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
)

// money is the PayPal amount shape used by orders, captures and disputes.
type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// zeroDecimal lists currencies PayPal amounts carry without a fractional part.
var zeroDecimal = map[string]bool{
	"HUF": true,
	"JPY": true,
	"TWD": true,
}

func exponent(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// toMinor converts a decimal PayPal amount into minor units.
func toMinor(value, currency string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", billing.ErrInvalidWebhookPayload, value)
	}
	return d.Shift(exponent(currency)).Round(0).IntPart(), nil
}

// fromMinor formats minor units as a PayPal amount.
func fromMinor(amount int64, currency string) money {
	exp := exponent(currency)
	return money{
		CurrencyCode: strings.ToUpper(currency),
		Value:        decimal.New(amount, -exp).StringFixed(exp),
	}
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func findLink(links []link, rels ...string) string {
	for _, rel := range rels {
		for _, l := range links {
			if l.Rel == rel {
				return l.Href
			}
		}
	}
	return ""
}

// call sends a JSON request through the OAuth2 client and decodes a 2xx response into out.
// requestID, when set, is sent as PayPal-Request-Id so retries are idempotent.
func (p *Provider) call(ctx context.Context, method, endpoint, requestID string, in, out interface{}) error {
	if p.client == nil {
		return fmt.Errorf("%w: paypal client credentials", billing.ErrProviderNotConfigured)
	}
	startTime := time.Now()
	name := string(providerName)
	metricPath := metricEndpoint(endpoint)

	var reqBody io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	res, err := p.client.Do(req)
	if err != nil {
		p.metrics.RecordAPICall(name, metricPath, "error", time.Since(startTime))
		return fmt.Errorf("%w: %s %s: %v", billing.ErrProviderAPIError, method, metricPath, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, billing.MaxWebhookBody))
	if err != nil {
		p.metrics.RecordAPICall(name, metricPath, "error", time.Since(startTime))
		return fmt.Errorf("%w: failed to read response: %v", billing.ErrProviderAPIError, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		p.metrics.RecordAPICall(name, metricPath, "error", time.Since(startTime))
		return fmt.Errorf("%w: %s %s: status %d, body: %s", billing.ErrProviderAPIError, method, metricPath, res.StatusCode, string(body))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			p.metrics.RecordAPICall(name, metricPath, "error", time.Since(startTime))
			return fmt.Errorf("%w: failed to parse response: %v", billing.ErrProviderAPIError, err)
		}
	}
	p.metrics.RecordAPICall(name, metricPath, "success", time.Since(startTime))
	return nil
}

// metricEndpoint strips resource ids so metric labels stay bounded.
func metricEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "/v1/billing/subscriptions/"):
		return "/v1/billing/subscriptions/{id}"
	case strings.HasPrefix(endpoint, "/v2/checkout/orders/") && strings.HasSuffix(endpoint, "/capture"):
		return "/v2/checkout/orders/{id}/capture"
	default:
		return endpoint
	}
}
