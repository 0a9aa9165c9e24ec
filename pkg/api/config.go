package api

import (
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// ActorHeader carries the email of the operator behind an administrative call
const ActorHeader = "X-Actor-Email"

// Config holds configuration for the collaborator API handler
type Config struct {
	// Ledger serves balances and credit writes (required)
	Ledger *reconcile.Ledger

	// Invoices runs the marketplace invoice flow (required)
	Invoices *reconcile.Invoices

	// Policy authorizes transaction history reads and commission changes.
	// If nil, those calls are denied.
	Policy reconcile.Policy

	// PlanCheckouts enables POST /api/organizations/{id}/checkout per provider.
	// If empty, the route answers 404.
	PlanCheckouts []billing.PlanCheckout

	// GetActor extracts the operator identity from the request.
	// Defaults to FromHeader(ActorHeader).
	GetActor func(*http.Request) string

	// OnError handles errors (validation, auth, internal, etc.)
	// If nil, uses default JSON error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to a no-op logger
	Logger reconcile.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Invoices == nil {
		return fmt.Errorf("invoices is required")
	}
	for _, pc := range c.PlanCheckouts {
		if pc == nil {
			return fmt.Errorf("plan checkout provider is nil")
		}
	}
	return nil
}

// NewHandler creates a new collaborator API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetActor == nil {
		config.GetActor = FromHeader(ActorHeader)
	}
	if config.Logger == nil {
		config.Logger = &reconcile.NoopLogger{}
	}
	if config.Policy == nil {
		config.Policy = reconcile.DenyAll{}
	}
	checkouts := make(map[reconcile.Provider]billing.PlanCheckout, len(config.PlanCheckouts))
	for _, pc := range config.PlanCheckouts {
		checkouts[pc.Name()] = pc
	}
	return &Handler{
		config:    config,
		checkouts: checkouts,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// FromHeader returns a GetActor function that reads the actor from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetActor function that reads the actor from the request context,
// for deployments where an auth middleware has already resolved the operator
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if actor, ok := r.Context().Value(key).(string); ok {
			return actor
		}
		return ""
	}
}
