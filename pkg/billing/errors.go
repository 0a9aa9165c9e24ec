package billing

import "errors"

// Configuration errors surface at construction or on first use of a
// capability the provider was built without.
var (
	ErrProviderNotConfigured = errors.New("billing: provider missing required configuration")
	ErrWebhookSecretMissing  = errors.New("billing: webhook secret required in production")
	ErrPlanNotConfigured     = errors.New("billing: plan has no product for this provider")
)

// Delivery errors classify a rejected webhook.
var (
	ErrInvalidWebhookSignature = errors.New("billing: webhook signature mismatch")
	ErrInvalidWebhookPayload   = errors.New("billing: malformed webhook payload")
)

// ErrProviderAPIError wraps any non-success answer from a provider's REST API.
var ErrProviderAPIError = errors.New("billing: provider api call failed")
