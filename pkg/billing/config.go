package billing

import (
	"net/http"
	"strings"
	"time"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// EnvironmentProduction is the environment name in which unsigned webhooks are rejected.
const EnvironmentProduction = "production"

// Config defines the standard configuration all providers accept
type Config struct {
	// Sink receives normalized events. Required.
	Sink EventSink

	// Catalog resolves plan ids to provider product ids for plan checkouts. Optional.
	Catalog *reconcile.Catalog

	// WebhookSecret verifies incoming webhook requests.
	// When empty, webhooks are processed unsigned outside production and rejected in production.
	WebhookSecret string

	// APIKey is used for outbound API calls to the provider (customer fetch, checkout).
	APIKey string

	// Environment is the deployment environment ("development", "staging", "production").
	Environment string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// RateLimit caps webhook requests per client IP per RateLimitWindow (default: 100 per minute).
	RateLimit       int
	RateLimitWindow time.Duration

	// Logger is optional; defaults to a no-op logger.
	Logger reconcile.Logger

	// Metrics is optional; defaults to NoopMetrics.
	// billing/metrics/prometheus.NewMetrics exports to a Prometheus registry.
	Metrics Metrics
}

// Production reports whether the provider runs in production.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentProduction)
}

// WithDefaults returns a copy of c with optional collaborators filled in.
func (c Config) WithDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.Logger == nil {
		c.Logger = &reconcile.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}

const (
	// DefaultHTTPTimeout bounds outbound provider API calls.
	DefaultHTTPTimeout = 10 * time.Second

	// DefaultRateLimit is the default number of webhook requests per IP per window.
	DefaultRateLimit = 100

	// FetchTimeout bounds supplementary fetches made while handling a webhook.
	FetchTimeout = 3 * time.Second

	// MaxWebhookBody is the largest accepted webhook payload.
	MaxWebhookBody = 256 * 1024
)
