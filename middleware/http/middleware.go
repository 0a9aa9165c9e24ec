// Package http provides net/http middleware that meters requests against the credit ledger
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// TenantIDExtractor extracts the organization id from an HTTP request
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(r *http.Request) string

// CreditTypeExtractor selects the credit type a request consumes
// For example: "image_generation", "video_generation"
type CreditTypeExtractor func(r *http.Request) reconcile.CreditType

// AmountExtractor calculates how many credits the request costs
type AmountExtractor func(r *http.Request) (int64, error)

// IdempotencyKeyExtractor extracts a key that makes retried requests free
// Return empty string if the request has none
type IdempotencyKeyExtractor func(r *http.Request) string

// RemainingHeader reports the balance left after a metered request
const RemainingHeader = "X-Credits-Remaining"

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger (required)
	Ledger *reconcile.Ledger

	// GetTenantID extracts the organization id from the request (required)
	GetTenantID TenantIDExtractor

	// GetCreditType selects the credit type to debit (required)
	GetCreditType CreditTypeExtractor

	// GetAmount calculates the cost of the request (required)
	GetAmount AmountExtractor

	// GetIdempotencyKey extracts the idempotency key (optional)
	// If nil, defaults to the Idempotency-Key header
	GetIdempotencyKey IdempotencyKeyExtractor

	// OnInsufficientCredits is called when the balance does not cover the cost
	// If nil, returns 402 Payment Required with the current balance
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, balance int64)

	// OnUnauthorized is called when no organization could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that debits credits before calling the handler
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Ledger == nil {
		panic("relay/http: Config.Ledger is required")
	}
	if config.GetTenantID == nil || config.GetCreditType == nil || config.GetAmount == nil {
		panic("relay/http: Config.GetTenantID, GetCreditType and GetAmount are required")
	}
	if config.GetIdempotencyKey == nil {
		config.GetIdempotencyKey = IdempotencyKeyFromHeader("Idempotency-Key")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := config.GetTenantID(r)
			if tenantID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
					return
				}
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil {
				config.fail(w, r, fmt.Errorf("%w: %v", reconcile.ErrInvalidAmount, err))
				return
			}
			creditType := config.GetCreditType(r)
			balance, err := config.Ledger.Meter(r.Context(), reconcile.MeterRequest{
				TenantID:       tenantID,
				CreditType:     creditType,
				Amount:         amount,
				IdempotencyKey: config.GetIdempotencyKey(r),
				Route:          r.URL.Path,
			})
			if errors.Is(err, reconcile.ErrInsufficientCredits) {
				if config.OnInsufficientCredits != nil {
					config.OnInsufficientCredits(w, r, balance)
					return
				}
				writeJSON(w, http.StatusPaymentRequired, map[string]any{
					"error":       "Insufficient credits",
					"credit_type": string(creditType),
					"balance":     balance,
				})
				return
			}
			if err != nil {
				config.fail(w, r, err)
				return
			}

			w.Header().Set(RemainingHeader, strconv.FormatInt(balance, 10))
			next.ServeHTTP(w, r)
		})
	}
}

func (c Config) fail(w http.ResponseWriter, r *http.Request, err error) {
	if c.OnError != nil {
		c.OnError(w, r, err)
		return
	}
	if errors.Is(err, reconcile.ErrInvalidAmount) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Bad Request"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
}

// HandlerFunc creates an HTTP middleware that debits credits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Webhooks mounts every provider's webhook handler under prefix + "/" + provider name
func Webhooks(mux *http.ServeMux, prefix string, providers ...billing.Provider) {
	for _, p := range providers {
		mux.Handle(prefix+"/"+string(p.Name()), p.WebhookHandler())
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*http.Request) (int64, error) {
		return amount, nil
	}
}

// FixedCreditType returns a CreditTypeExtractor that always returns creditType
func FixedCreditType(creditType reconcile.CreditType) CreditTypeExtractor {
	return func(*http.Request) reconcile.CreditType {
		return creditType
	}
}

// AmountFromQuery returns an AmountExtractor that parses a query parameter,
// falling back to def when it is absent
func AmountFromQuery(name string, def int64) AmountExtractor {
	return func(r *http.Request) (int64, error) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return def, nil
		}
		return strconv.ParseInt(raw, 10, 64)
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// TenantIDKey is the context key for the organization id
	TenantIDKey ContextKey = "relay:tenantID"
)

// FromContext returns a TenantIDExtractor that gets the organization id from request context
func FromContext(key ContextKey) TenantIDExtractor {
	return func(r *http.Request) string {
		if tenantID, ok := r.Context().Value(key).(string); ok {
			return tenantID
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets the organization id from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that reads a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
