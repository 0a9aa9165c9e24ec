// Package fiber provides Fiber middleware that meters requests against the credit ledger
package fiber

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// TenantIDExtractor extracts the organization id from a Fiber context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c *fiber.Ctx) string

// CreditTypeExtractor selects the credit type a request consumes
type CreditTypeExtractor func(c *fiber.Ctx) reconcile.CreditType

// AmountExtractor calculates how many credits the request costs
type AmountExtractor func(c *fiber.Ctx) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from a Fiber context
// Return empty string if no idempotency key is available
type IdempotencyKeyExtractor func(c *fiber.Ctx) string

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
	OnInsufficientCredits func(c *fiber.Ctx, balance int64) error

	// OnUnauthorized is called when no organization could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that debits credits before the handler runs
func Middleware(cfg Config) fiber.Handler {
	switch {
	case cfg.Ledger == nil:
		panic("relay/fiber: Config.Ledger is required")
	case cfg.GetTenantID == nil, cfg.GetCreditType == nil, cfg.GetAmount == nil:
		panic("relay/fiber: Config.GetTenantID, GetCreditType and GetAmount are required")
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader("Idempotency-Key")
	}

	return func(c *fiber.Ctx) error {
		tenantID := cfg.GetTenantID(c)
		if tenantID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		amount, err := cfg.GetAmount(c)
		if err != nil {
			return cfg.fail(c, fmt.Errorf("%w: %v", reconcile.ErrInvalidAmount, err))
		}
		creditType := cfg.GetCreditType(c)
		// fasthttp contexts are not context.Context; UserContext carries deadlines and values
		balance, err := cfg.Ledger.Meter(c.UserContext(), reconcile.MeterRequest{
			TenantID:       tenantID,
			CreditType:     creditType,
			Amount:         amount,
			IdempotencyKey: cfg.GetIdempotencyKey(c),
			Route:          c.Route().Path,
		})
		switch {
		case errors.Is(err, reconcile.ErrInsufficientCredits):
			if cfg.OnInsufficientCredits != nil {
				return cfg.OnInsufficientCredits(c, balance)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":       "Insufficient credits",
				"credit_type": string(creditType),
				"balance":     balance,
			})
		case err != nil:
			return cfg.fail(c, err)
		}

		c.Set(RemainingHeader, strconv.FormatInt(balance, 10))
		return c.Next()
	}
}

func (cfg Config) fail(c *fiber.Ctx, err error) error {
	switch {
	case cfg.OnError != nil:
		return cfg.OnError(c, err)
	case errors.Is(err, reconcile.ErrInvalidAmount):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
	}
}

// Mount registers every provider's webhook under router at "/" + provider name.
// The net/http handler runs through the fiber adaptor, so the raw body reaches
// signature verification unchanged.
func Mount(router fiber.Router, providers ...billing.Provider) {
	for _, p := range providers {
		router.Post("/"+string(p.Name()), adaptor.HTTPHandler(p.WebhookHandler()))
	}
}

// FromLocals returns a TenantIDExtractor that reads c.Locals(key)
func FromLocals(key string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor that gets the organization id from a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a TenantIDExtractor that gets the organization id from a route parameter
func FromParam(paramName string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FixedCreditType returns a CreditTypeExtractor that always returns creditType
func FixedCreditType(creditType reconcile.CreditType) CreditTypeExtractor {
	return func(*fiber.Ctx) reconcile.CreditType {
		return creditType
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return amount, nil
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that gets the key from a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
