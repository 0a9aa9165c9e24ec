package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds all daemon configuration. It is read from the environment;
// a .env file is loaded first if present.
type Config struct {
	Environment string `validate:"oneof=development staging production"`
	Addr        string `validate:"required"`
	LogLevel    zerolog.Level

	DatabaseURL string `validate:"omitempty,url"`
	RedisURL    string `validate:"omitempty,url"`

	PlanCatalog    string `validate:"required"`
	AdminRoles     string
	CommissionRate string `validate:"omitempty,numeric"`

	InvoiceProvider    string `validate:"oneof=stripe paypal"`
	CheckoutSuccessURL string `validate:"omitempty,url"`
	CheckoutCancelURL  string `validate:"omitempty,url"`

	StripeAPIKey        string
	StripeWebhookSecret string

	DodoAPIKey        string
	DodoWebhookSecret string
	DodoBaseURL       string `validate:"omitempty,url"`

	PayPalClientID     string
	PayPalClientSecret string
	PayPalWebhookID    string
	PayPalBaseURL      string `validate:"omitempty,url"`
	PayPalBrandName    string

	WebhookRateLimit int           `validate:"gte=0"`
	BreakerThreshold int           `validate:"gte=0"`
	BreakerReset     time.Duration `validate:"gte=0"`
	ShutdownTimeout  time.Duration `validate:"gt=0"`
	MetricsNamespace string        `validate:"required"`
}

// Production reports whether the daemon runs in production.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// StripeEnabled reports whether any Stripe credential is configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != "" || c.StripeWebhookSecret != ""
}

// DodoEnabled reports whether any Dodo credential is configured.
func (c *Config) DodoEnabled() bool {
	return c.DodoAPIKey != "" || c.DodoWebhookSecret != ""
}

// PayPalEnabled reports whether any PayPal credential is configured.
func (c *Config) PayPalEnabled() bool {
	return c.PayPalClientID != "" || c.PayPalWebhookID != ""
}

// Commission returns the configured commission rate, or nil for the default.
func (c *Config) Commission() (*decimal.Decimal, error) {
	if c.CommissionRate == "" {
		return nil, nil
	}
	rate, err := decimal.NewFromString(c.CommissionRate)
	if err != nil {
		return nil, fmt.Errorf("RELAY_COMMISSION_RATE: %w", err)
	}
	return &rate, nil
}

// loadConfig reads configuration from the environment.
func loadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	logLevel, err := zerolog.ParseLevel(strings.ToLower(envOrDefault("RELAY_LOG_LEVEL", "info")))
	if err != nil {
		return nil, fmt.Errorf("RELAY_LOG_LEVEL: %w", err)
	}
	rateLimit, err := envOrDefaultInt("RELAY_WEBHOOK_RATE_LIMIT", 100)
	if err != nil {
		return nil, err
	}
	threshold, err := envOrDefaultInt("RELAY_BREAKER_THRESHOLD", 5)
	if err != nil {
		return nil, err
	}
	breakerReset, err := envOrDefaultDuration("RELAY_BREAKER_RESET", 30*time.Second)
	if err != nil {
		return nil, err
	}
	shutdown, err := envOrDefaultDuration("RELAY_SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment:         strings.ToLower(envOrDefault("RELAY_ENV", "development")),
		Addr:                envOrDefault("RELAY_ADDR", ":8080"),
		LogLevel:            logLevel,
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		PlanCatalog:         envOrDefault("RELAY_PLAN_CATALOG", "plans.json"),
		AdminRoles:          strings.TrimSpace(os.Getenv("RELAY_ADMIN_ROLES")),
		CommissionRate:      strings.TrimSpace(os.Getenv("RELAY_COMMISSION_RATE")),
		InvoiceProvider:     strings.ToLower(envOrDefault("RELAY_INVOICE_PROVIDER", "stripe")),
		CheckoutSuccessURL:  strings.TrimSpace(os.Getenv("RELAY_CHECKOUT_SUCCESS_URL")),
		CheckoutCancelURL:   strings.TrimSpace(os.Getenv("RELAY_CHECKOUT_CANCEL_URL")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		DodoAPIKey:          strings.TrimSpace(os.Getenv("DODO_API_KEY")),
		DodoWebhookSecret:   strings.TrimSpace(os.Getenv("DODO_WEBHOOK_SECRET")),
		DodoBaseURL:         strings.TrimSpace(os.Getenv("DODO_BASE_URL")),
		PayPalClientID:      strings.TrimSpace(os.Getenv("PAYPAL_CLIENT_ID")),
		PayPalClientSecret:  strings.TrimSpace(os.Getenv("PAYPAL_CLIENT_SECRET")),
		PayPalWebhookID:     strings.TrimSpace(os.Getenv("PAYPAL_WEBHOOK_ID")),
		PayPalBaseURL:       strings.TrimSpace(os.Getenv("PAYPAL_BASE_URL")),
		PayPalBrandName:     strings.TrimSpace(os.Getenv("PAYPAL_BRAND_NAME")),
		WebhookRateLimit:    rateLimit,
		BreakerThreshold:    threshold,
		BreakerReset:        breakerReset,
		ShutdownTimeout:     shutdown,
		MetricsNamespace:    envOrDefault("RELAY_METRICS_NAMESPACE", "relay"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate relay config: %w", err)
	}
	return cfg, nil
}

var configValidator = validator.New()

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Production() {
		var missing []string
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if c.StripeEnabled() && c.StripeWebhookSecret == "" {
			missing = append(missing, "STRIPE_WEBHOOK_SECRET")
		}
		if c.DodoEnabled() && c.DodoWebhookSecret == "" {
			missing = append(missing, "DODO_WEBHOOK_SECRET")
		}
		if c.PayPalEnabled() && c.PayPalWebhookID == "" {
			missing = append(missing, "PAYPAL_WEBHOOK_ID")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
		}
	}
	if c.PayPalEnabled() && (c.PayPalClientID == "" || c.PayPalClientSecret == "") {
		return fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET must be set together")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
