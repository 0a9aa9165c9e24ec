// Package paypal adapts PayPal webhooks, orders and subscriptions to the reconciliation core.
package paypal

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const (
	providerName = reconcile.ProviderPayPal

	// LiveBaseURL is the PayPal REST API in live mode.
	LiveBaseURL = "https://api-m.paypal.com"
	// SandboxBaseURL is the PayPal REST API sandbox.
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"
)

// Config extends billing.Config with PayPal-specific options
type Config struct {
	billing.Config

	// ClientID and ClientSecret authenticate REST calls (OAuth2 client credentials).
	ClientID     string
	ClientSecret string

	// WebhookID is the id of the webhook registration; PayPal verifies deliveries against it.
	// It plays the role of the webhook secret.
	WebhookID string

	// BaseURL overrides the API endpoint. Defaults to LiveBaseURL in production
	// and SandboxBaseURL otherwise.
	BaseURL string

	// ReturnURL and CancelURL are the buyer redirects of invoice checkouts.
	ReturnURL string
	CancelURL string

	// BrandName is shown on the PayPal approval page.
	BrandName string
}

// Provider implements billing.Provider, reconcile.CheckoutProvider and billing.PlanCheckout for PayPal
type Provider struct {
	config    billing.Config
	baseURL   string
	webhookID string
	returnURL string
	cancelURL string
	brandName string
	client    *http.Client
	parsers   billing.Registry[*envelope]
	handler   http.Handler
	logger    reconcile.Logger
	metrics   billing.Metrics
}

// NewProvider creates a new PayPal billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Sink == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	base := config.Config.WithDefaults()

	webhookID := strings.TrimSpace(config.WebhookID)
	if webhookID == "" {
		webhookID = strings.TrimSpace(base.WebhookSecret)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = SandboxBaseURL
		if base.Production() {
			baseURL = LiveBaseURL
		}
	}

	p := &Provider{
		config:    base,
		baseURL:   baseURL,
		webhookID: webhookID,
		returnURL: config.ReturnURL,
		cancelURL: config.CancelURL,
		brandName: config.BrandName,
		logger:    base.Logger,
		metrics:   base.Metrics,
	}
	if config.ClientID != "" && config.ClientSecret != "" {
		p.client = oauthClient(base.HTTPClient, config.ClientID, config.ClientSecret, baseURL)
	}
	if webhookID != "" && p.client == nil {
		return nil, fmt.Errorf("%w: webhook verification needs client credentials", billing.ErrProviderNotConfigured)
	}
	p.parsers = p.registry()
	p.handler = billing.NewWebhookHandler(providerName, base, p.decode)
	return p, nil
}

// oauthClient returns an HTTP client that fetches and caches client-credentials tokens.
func oauthClient(base *http.Client, clientID, clientSecret, baseURL string) *http.Client {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	return client
}

// Name returns the provider name
func (p *Provider) Name() reconcile.Provider {
	return providerName
}

// WebhookHandler returns the HTTP handler for PayPal webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// Registered returns the PayPal event types the provider reconciles.
func (p *Provider) Registered() []string {
	return p.parsers.Types()
}

var (
	_ billing.Provider           = (*Provider)(nil)
	_ reconcile.CheckoutProvider = (*Provider)(nil)
	_ billing.PlanCheckout       = (*Provider)(nil)
)
