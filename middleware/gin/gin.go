// Package gin provides Gin middleware that meters requests against the credit ledger
package gin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// TenantIDExtractor extracts the organization id from a Gin context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c *gongin.Context) string

// CreditTypeExtractor selects the credit type a request consumes
type CreditTypeExtractor func(c *gongin.Context) reconcile.CreditType

// AmountExtractor calculates how many credits the request costs
type AmountExtractor func(c *gongin.Context) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from a Gin context
// Return empty string if no idempotency key is available
type IdempotencyKeyExtractor func(c *gongin.Context) string

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

	// InsufficientCreditsStatusCode is returned when the balance does not cover the cost
	// Default: 402 (Payment Required)
	InsufficientCreditsStatusCode int

	// OnInsufficientCredits is called when the balance does not cover the cost
	// If nil, uses default response: InsufficientCreditsStatusCode JSON with the balance
	OnInsufficientCredits func(c *gongin.Context, balance int64)

	// OnUnauthorized is called when no organization could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that debits credits before the handler runs
func Middleware(cfg Config) gongin.HandlerFunc {
	switch {
	case cfg.Ledger == nil:
		panic("relay/gin: Config.Ledger is required")
	case cfg.GetTenantID == nil, cfg.GetCreditType == nil, cfg.GetAmount == nil:
		panic("relay/gin: Config.GetTenantID, GetCreditType and GetAmount are required")
	}
	if cfg.InsufficientCreditsStatusCode == 0 {
		cfg.InsufficientCreditsStatusCode = http.StatusPaymentRequired
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader("Idempotency-Key")
	}

	return func(c *gongin.Context) {
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			c.Abort()
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
				return
			}
			c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			return
		}

		amount, err := cfg.GetAmount(c)
		if err != nil {
			cfg.fail(c, fmt.Errorf("%w: %v", reconcile.ErrInvalidAmount, err))
			return
		}
		creditType := cfg.GetCreditType(c)
		balance, err := cfg.Ledger.Meter(c.Request.Context(), reconcile.MeterRequest{
			TenantID:       tenantID,
			CreditType:     creditType,
			Amount:         amount,
			IdempotencyKey: cfg.GetIdempotencyKey(c),
			Route:          c.FullPath(),
		})
		switch {
		case errors.Is(err, reconcile.ErrInsufficientCredits):
			c.Abort()
			if cfg.OnInsufficientCredits != nil {
				cfg.OnInsufficientCredits(c, balance)
				return
			}
			c.JSON(cfg.InsufficientCreditsStatusCode, gongin.H{
				"error":       "Insufficient credits",
				"credit_type": string(creditType),
				"balance":     balance,
			})
		case err != nil:
			cfg.fail(c, err)
		default:
			c.Header(RemainingHeader, strconv.FormatInt(balance, 10))
			c.Next()
		}
	}
}

func (cfg Config) fail(c *gongin.Context, err error) {
	c.Abort()
	switch {
	case cfg.OnError != nil:
		cfg.OnError(c, err)
	case errors.Is(err, reconcile.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
	default:
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
}

// Webhook adapts a provider's webhook handler to a Gin route.
//
// Example:
//
//	router.POST("/webhooks/stripe", gin.Webhook(stripeProvider))
func Webhook(p billing.Provider) gongin.HandlerFunc {
	return gongin.WrapH(p.WebhookHandler())
}

// Mount registers every provider's webhook under group at "/" + provider name
func Mount(group gongin.IRoutes, providers ...billing.Provider) {
	for _, p := range providers {
		group.POST("/"+string(p.Name()), Webhook(p))
	}
}

// Convenience extractors

// FromContext returns a TenantIDExtractor that gets the organization id from Gin context values
// set by an auth middleware via c.Set(key, tenantID)
func FromContext(key string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets the organization id from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets the organization id from a route parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedCreditType returns a CreditTypeExtractor that always returns creditType
func FixedCreditType(creditType reconcile.CreditType) CreditTypeExtractor {
	return func(*gongin.Context) reconcile.CreditType {
		return creditType
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*gongin.Context) (int64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int64) AmountExtractor {
	return func(c *gongin.Context) (int64, error) {
		return costFunc(c), nil
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that gets the key from a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
