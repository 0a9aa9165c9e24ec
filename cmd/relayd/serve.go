package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	httpmw "github.com/projectelevate-biz/rebound-relay/middleware/http"
	"github.com/projectelevate-biz/rebound-relay/pkg/api"
	zerologadapter "github.com/projectelevate-biz/rebound-relay/pkg/reconcile/logger/zerolog"
)

const expirySweepInterval = time.Hour

// routes builds the daemon's HTTP surface.
func (a *app) routes() (http.Handler, error) {
	handler, err := api.NewHandler(api.Config{
		Ledger:        a.ledger,
		Invoices:      a.invoices,
		Policy:        a.policy,
		PlanCheckouts: a.checkouts,
		Logger:        zerologadapter.NewLogger(a.log),
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", handler.Routes())
	httpmw.Webhooks(mux, "/webhooks", a.providers...)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Ping(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return mux, nil
}

// serve runs the HTTP server and the expiry sweep until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	handler, err := a.routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.Addr).Str("environment", a.cfg.Environment).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("failed to shut down http server cleanly")
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(expirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if _, err := a.expireAll(ctx, now.UTC()); err != nil && ctx.Err() == nil {
					a.log.Warn().Err(err).Msg("credit expiry sweep failed")
				}
			}
		}
	})

	return g.Wait()
}
