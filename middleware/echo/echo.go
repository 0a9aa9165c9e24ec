// Package echo provides Echo middleware that meters requests against the credit ledger
package echo

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// TenantIDExtractor extracts the organization id from an Echo context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c echo.Context) string

// CreditTypeExtractor selects the credit type a request consumes
type CreditTypeExtractor func(c echo.Context) reconcile.CreditType

// AmountExtractor calculates how many credits the request costs
type AmountExtractor func(c echo.Context) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from an Echo context
// Return empty string if no idempotency key is available
type IdempotencyKeyExtractor func(c echo.Context) string

// RemainingHeader reports the balance left after a metered request
const RemainingHeader = "X-Credits-Remaining"

// Config holds middleware configuration
type Config struct {
	// Ledger is the credit ledger (required)
	Ledger *reconcile.Ledger

	// GetTenantID extracts the organization id from context (required)
	GetTenantID TenantIDExtractor

	// GetCreditType selects the credit type to debit (required)
	GetCreditType CreditTypeExtractor

	// GetAmount calculates the cost from context (required)
	GetAmount AmountExtractor

	// GetIdempotencyKey extracts idempotency key from context (optional)
	// If nil, defaults to extracting from Idempotency-Key header
	GetIdempotencyKey IdempotencyKeyExtractor

	// OnInsufficientCredits is called when the balance does not cover the cost
	// If nil, uses default response: 402 JSON with the balance
	OnInsufficientCredits func(c echo.Context, balance int64) error

	// OnUnauthorized is called when no organization could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that debits credits before the handler runs
func Middleware(cfg Config) echo.MiddlewareFunc {
	switch {
	case cfg.Ledger == nil:
		panic("relay/echo: Config.Ledger is required")
	case cfg.GetTenantID == nil, cfg.GetCreditType == nil, cfg.GetAmount == nil:
		panic("relay/echo: Config.GetTenantID, GetCreditType and GetAmount are required")
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader("Idempotency-Key")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := cfg.GetTenantID(c)
			if tenantID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			amount, err := cfg.GetAmount(c)
			if err != nil {
				return cfg.fail(c, fmt.Errorf("%w: %v", reconcile.ErrInvalidAmount, err))
			}
			creditType := cfg.GetCreditType(c)
			balance, err := cfg.Ledger.Meter(c.Request().Context(), reconcile.MeterRequest{
				TenantID:       tenantID,
				CreditType:     creditType,
				Amount:         amount,
				IdempotencyKey: cfg.GetIdempotencyKey(c),
				Route:          c.Path(),
			})
			switch {
			case errors.Is(err, reconcile.ErrInsufficientCredits):
				if cfg.OnInsufficientCredits != nil {
					return cfg.OnInsufficientCredits(c, balance)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]any{
					"error":       "Insufficient credits",
					"credit_type": string(creditType),
					"balance":     balance,
				})
			case err != nil:
				return cfg.fail(c, err)
			}

			c.Response().Header().Set(RemainingHeader, strconv.FormatInt(balance, 10))
			return next(c)
		}
	}
}

func (cfg Config) fail(c echo.Context, err error) error {
	switch {
	case cfg.OnError != nil:
		return cfg.OnError(c, err)
	case errors.Is(err, reconcile.ErrInvalidAmount):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
}

// Mount registers every provider's webhook under group at "/" + provider name.
//
// Example:
//
//	echo.Mount(e.Group("/webhooks"), stripeProvider, dodoProvider)
func Mount(group *echo.Group, providers ...billing.Provider) {
	for _, p := range providers {
		group.POST("/"+string(p.Name()), echo.WrapHandler(p.WebhookHandler()))
	}
}

// FromContext returns a TenantIDExtractor that reads c.Get(key)
func FromContext(key string) TenantIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets the organization id from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets the organization id from a path parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedCreditType returns a CreditTypeExtractor that always returns creditType
func FixedCreditType(creditType reconcile.CreditType) CreditTypeExtractor {
	return func(echo.Context) reconcile.CreditType {
		return creditType
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(echo.Context) (int64, error) {
		return amount, nil
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that gets the key from a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
