package reconcile

import "errors"

var (
	// ErrInvalidAmount is returned for zero or negative credit amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicatePayment is returned when a payment id was already applied to the ledger
	ErrDuplicatePayment = errors.New("duplicate payment")

	// ErrInsufficientCredits is returned when a debit exceeds the current balance
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrTenantNotFound is returned when a tenant id does not exist
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantNotResolved is returned when an event carries nothing to resolve a tenant from
	ErrTenantNotResolved = errors.New("tenant not resolved")

	// ErrCustomerIDTaken is returned when a (provider, customer id) pair already belongs to another tenant
	ErrCustomerIDTaken = errors.New("customer id already linked")

	// ErrPlanNotMapped is returned when a provider product id has no catalog plan
	ErrPlanNotMapped = errors.New("plan not mapped for product")

	// ErrPlanNotFound is returned for unknown plan ids
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvoiceNotFound is returned when an invoice id does not exist
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrInvoiceOutstanding is returned when an engagement already has a PENDING invoice
	ErrInvoiceOutstanding = errors.New("engagement has an outstanding invoice")

	// ErrInvoiceAlreadySettled is returned when an invoice already reached the requested terminal state
	ErrInvoiceAlreadySettled = errors.New("invoice already settled")

	// ErrInvalidTransition is returned for transitions the invoice state machine forbids
	ErrInvalidTransition = errors.New("invalid invoice transition")

	// ErrEngagementNotFound is returned when the engagement directory has no such engagement
	ErrEngagementNotFound = errors.New("engagement not found")

	// ErrCheckoutUnavailable is returned when no checkout provider is configured
	ErrCheckoutUnavailable = errors.New("checkout provider unavailable")

	// ErrForbidden is returned when a subject lacks a permission
	ErrForbidden = errors.New("forbidden")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsAlreadyApplied reports whether err means the desired state was already reached.
// Webhook handlers treat such errors as success.
func IsAlreadyApplied(err error) bool {
	return errors.Is(err, ErrDuplicatePayment) || errors.Is(err, ErrInvoiceAlreadySettled)
}

// IsBusinessError reports whether err is a business outcome that must be acknowledged
// to the provider rather than retried.
func IsBusinessError(err error) bool {
	switch {
	case err == nil:
		return false
	case IsAlreadyApplied(err),
		errors.Is(err, ErrTenantNotResolved),
		errors.Is(err, ErrTenantNotFound),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrPlanNotMapped),
		errors.Is(err, ErrPlanNotFound),
		errors.Is(err, ErrInvoiceNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrCustomerIDTaken):
		return true
	default:
		return false
	}
}
