package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/billing/dodo"
	billingprom "github.com/projectelevate-biz/rebound-relay/pkg/billing/metrics/prometheus"
	"github.com/projectelevate-biz/rebound-relay/pkg/billing/paypal"
	"github.com/projectelevate-biz/rebound-relay/pkg/billing/stripe"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
	zerologadapter "github.com/projectelevate-biz/rebound-relay/pkg/reconcile/logger/zerolog"
	reconcileprom "github.com/projectelevate-biz/rebound-relay/pkg/reconcile/metrics/prometheus"
	"github.com/projectelevate-biz/rebound-relay/storage/memory"
	"github.com/projectelevate-biz/rebound-relay/storage/postgres"
	redisstore "github.com/projectelevate-biz/rebound-relay/storage/redis"
	"github.com/projectelevate-biz/rebound-relay/storage/tiered"
)

// tenantLister enumerates organizations for maintenance sweeps.
type tenantLister interface {
	TenantIDs(ctx context.Context) ([]string, error)
}

// backend is the relational store the daemon runs on.
type backend interface {
	reconcile.Storage
	reconcile.EventLog
	reconcile.EngagementDirectory
	tenantLister
}

// app holds the wired reconciliation service.
type app struct {
	cfg      *Config
	log      zerolog.Logger
	registry *prometheus.Registry

	store      backend
	tenants    tenantLister
	ledger     *reconcile.Ledger
	plans      *reconcile.PlanAssigner
	invoices   *reconcile.Invoices
	reconciler *reconcile.Reconciler
	policy     reconcile.Policy

	providers []billing.Provider
	checkouts []billing.PlanCheckout

	pinger  func(ctx context.Context) error
	closers []func()
}

// newApp wires storage, the reconciliation core and the enabled providers.
func newApp(ctx context.Context, cfg *Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		pinger:   func(context.Context) error { return nil },
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logger := zerologadapter.NewLogger(log)
	metrics := reconcileprom.NewMetrics(a.registry, cfg.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(a.registry, cfg.MetricsNamespace)

	catalog, err := reconcile.LoadCatalogFile(cfg.PlanCatalog)
	if err != nil {
		return nil, err
	}
	staticRoles, err := reconcile.ParseRoleAssignments(cfg.AdminRoles)
	if err != nil {
		return nil, fmt.Errorf("RELAY_ADMIN_ROLES: %w", err)
	}

	roles := reconcile.RoleStores{staticRoles}
	if cfg.DatabaseURL != "" {
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, err
		}
		a.store = pg
		a.pinger = pg.Ping
		a.closers = append(a.closers, pg.Close)
		roles = append(roles, pg)
	} else {
		log.Warn().Msg("DATABASE_URL not set; using in-memory storage")
		a.store = memory.New()
	}
	a.tenants = a.store
	a.policy = reconcile.NewRolePolicy(roles, nil)

	var storage reconcile.Storage = a.store
	if cfg.BreakerThreshold > 0 {
		breaker := reconcile.NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset, func(state reconcile.BreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			log.Warn().Str("state", string(state)).Msg("storage circuit breaker changed state")
		})
		storage = reconcile.NewBreakerStorage(a.store, breaker)
	}

	var events reconcile.EventLog = a.store
	var notifier reconcile.Notifier = &reconcile.LogNotifier{Logger: logger}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		rs, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			_ = client.Close()
			a.Close()
			return nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rs.Close() })

		tieredLog, err := tiered.New(tiered.Config{
			Hot:          rs,
			Cold:         a.store,
			AsyncHotSync: true,
			AsyncErrorHandler: func(err error) {
				log.Warn().Err(err).Msg("redis event log out of sync")
			},
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = tieredLog.Close() })
		events = tieredLog
		notifier = reconcile.MultiNotifier{notifier, rs}
	}

	a.ledger = reconcile.NewLedger(storage, a.policy, logger, metrics)
	a.plans = reconcile.NewPlanAssigner(storage, catalog, a.ledger, logger, metrics)

	// providers need the reconciler as sink and the invoices need a provider as checkout,
	// so the invoice service is built once the invoice provider exists
	sink := &lateSink{}
	base := billing.Config{
		Sink:        sink,
		Catalog:     catalog,
		Environment: cfg.Environment,
		HTTPClient:  &http.Client{Timeout: billing.DefaultHTTPTimeout},
		RateLimit:   cfg.WebhookRateLimit,
		Logger:      logger,
		Metrics:     billingMetrics,
	}
	invoiceCheckout, err := a.buildProviders(base)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.invoices = reconcile.NewInvoices(storage, a.store, invoiceCheckout, logger, metrics)
	rate, err := cfg.Commission()
	if err != nil {
		a.Close()
		return nil, err
	}
	if rate != nil {
		if err := a.invoices.SetCommissionRate(*rate); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.reconciler = reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Resolver: reconcile.NewResolver(storage, logger),
		Ledger:   a.ledger,
		Plans:    a.plans,
		Invoices: a.invoices,
		Events:   events,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  metrics,
	})
	sink.target = a.reconciler
	a.closers = append(a.closers, a.reconciler.Wait)
	return a, nil
}

func (a *app) buildProviders(base billing.Config) (reconcile.CheckoutProvider, error) {
	cfg := a.cfg
	var invoiceCheckout reconcile.CheckoutProvider

	if cfg.StripeEnabled() {
		p, err := stripe.NewProvider(stripe.Config{
			Config:              base,
			StripeAPIKey:        cfg.StripeAPIKey,
			StripeWebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		p.SetCheckoutURLs(cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
		a.providers = append(a.providers, p)
		a.checkouts = append(a.checkouts, p)
		if cfg.InvoiceProvider == string(reconcile.ProviderStripe) {
			invoiceCheckout = p
		}
	}

	if cfg.DodoEnabled() {
		p, err := dodo.NewProvider(dodo.Config{
			Config:            base,
			DodoAPIKey:        cfg.DodoAPIKey,
			DodoWebhookSecret: cfg.DodoWebhookSecret,
			BaseURL:           cfg.DodoBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("dodo: %w", err)
		}
		a.providers = append(a.providers, p)
		a.checkouts = append(a.checkouts, p)
	}

	if cfg.PayPalEnabled() {
		p, err := paypal.NewProvider(paypal.Config{
			Config:       base,
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			WebhookID:    cfg.PayPalWebhookID,
			BaseURL:      cfg.PayPalBaseURL,
			ReturnURL:    cfg.CheckoutSuccessURL,
			CancelURL:    cfg.CheckoutCancelURL,
			BrandName:    cfg.PayPalBrandName,
		})
		if err != nil {
			return nil, fmt.Errorf("paypal: %w", err)
		}
		a.providers = append(a.providers, p)
		a.checkouts = append(a.checkouts, p)
		if cfg.InvoiceProvider == string(reconcile.ProviderPayPal) {
			invoiceCheckout = p
		}
	}

	for _, p := range a.providers {
		a.log.Info().Str("provider", string(p.Name())).Msg("payment provider enabled")
	}
	if invoiceCheckout == nil {
		a.log.Warn().Str("invoice_provider", cfg.InvoiceProvider).Msg("invoice provider not configured; invoice checkout disabled")
	}
	return invoiceCheckout, nil
}

// Ping reports whether the primary store is reachable.
func (a *app) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.pinger(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// lateSink forwards to the reconciler once it is built.
type lateSink struct {
	target billing.EventSink
}

func (s *lateSink) Handle(ctx context.Context, evt *reconcile.NormalizedPaymentEvent) (*reconcile.Outcome, error) {
	if s.target == nil {
		return nil, reconcile.ErrStorageUnavailable
	}
	return s.target.Handle(ctx, evt)
}
