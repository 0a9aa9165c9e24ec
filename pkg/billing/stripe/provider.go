// Package stripe adapts Stripe webhooks and Checkout to the reconciliation core.
package stripe

import (
	"context"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const providerName = reconcile.ProviderStripe

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Sink, Catalog, Environment, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string
}

// api is the subset of the Stripe client the provider calls.
type api interface {
	RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

type clientAPI struct {
	client *stripe.Client
}

func (c *clientAPI) RetrieveCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	return c.client.V1Customers.Retrieve(ctx, id, nil)
}

func (c *clientAPI) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

// Provider implements billing.Provider, reconcile.CheckoutProvider and billing.PlanCheckout for Stripe
type Provider struct {
	config        billing.Config
	webhookSecret string
	api           api
	parsers       billing.Registry[*stripe.Event]
	handler       http.Handler
	logger        reconcile.Logger
	metrics       billing.Metrics

	// SuccessURL and CancelURL are used for invoice checkouts
	successURL string
	cancelURL  string
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Sink == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	base := config.Config.WithDefaults()

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(base.APIKey)
	}
	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(base.WebhookSecret)
	}

	p := &Provider{
		config:        base,
		webhookSecret: secret,
		logger:        base.Logger,
		metrics:       base.Metrics,
	}
	if apiKey != "" {
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: base.HTTPClient})
		p.api = &clientAPI{client: stripe.NewClient(apiKey, stripe.WithBackends(backends))}
	}
	p.parsers = p.registry()
	p.handler = billing.NewWebhookHandler(providerName, base, p.decode)
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() reconcile.Provider {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

// SetCheckoutURLs sets the redirect targets of invoice checkouts.
func (p *Provider) SetCheckoutURLs(successURL, cancelURL string) {
	p.successURL = successURL
	p.cancelURL = cancelURL
}

// Registered returns the Stripe event types the provider reconciles.
func (p *Provider) Registered() []string {
	return p.parsers.Types()
}

var (
	_ billing.Provider           = (*Provider)(nil)
	_ reconcile.CheckoutProvider = (*Provider)(nil)
	_ billing.PlanCheckout       = (*Provider)(nil)
)
