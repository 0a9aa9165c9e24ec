// Package dodo adapts Dodo Payments webhooks and checkout sessions to the reconciliation core.
package dodo

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const (
	providerName = reconcile.ProviderDodo

	// LiveBaseURL is the Dodo Payments API in live mode.
	LiveBaseURL = "https://live.dodopayments.com"
	// TestBaseURL is the Dodo Payments API in test mode.
	TestBaseURL = "https://test.dodopayments.com"
)

// Config extends billing.Config with Dodo-specific options
type Config struct {
	billing.Config

	DodoAPIKey        string
	DodoWebhookSecret string

	// BaseURL overrides the API endpoint. Defaults to LiveBaseURL in production
	// and TestBaseURL otherwise.
	BaseURL string
}

// Provider implements billing.Provider and billing.PlanCheckout for Dodo Payments
type Provider struct {
	config   billing.Config
	apiKey   string
	baseURL  string
	verifier *verifier
	parsers  billing.Registry[*envelope]
	handler  http.Handler
	client   *http.Client
	logger   reconcile.Logger
	metrics  billing.Metrics
}

// NewProvider creates a new Dodo billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Sink == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	base := config.Config.WithDefaults()

	apiKey := strings.TrimSpace(config.DodoAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(base.APIKey)
	}
	secret := strings.TrimSpace(config.DodoWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(base.WebhookSecret)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = TestBaseURL
		if base.Production() {
			baseURL = LiveBaseURL
		}
	}

	p := &Provider{
		config:  base,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  base.HTTPClient,
		logger:  base.Logger,
		metrics: base.Metrics,
	}
	if secret != "" {
		v, err := newVerifier(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrProviderNotConfigured, err)
		}
		p.verifier = v
	}
	p.parsers = p.registry()
	p.handler = billing.NewWebhookHandler(providerName, base, p.decode)
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() reconcile.Provider {
	return providerName
}

// WebhookHandler returns the HTTP handler for Dodo webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// Registered returns the Dodo event types the provider reconciles.
func (p *Provider) Registered() []string {
	return p.parsers.Types()
}

var (
	_ billing.Provider     = (*Provider)(nil)
	_ billing.PlanCheckout = (*Provider)(nil)
)
