package reconcile

import "time"

// Metrics defines the interface for tracking reconciliation outcomes.
type Metrics interface {
	// RecordLedgerTransaction records a ledger append attempt.
	// outcome: "applied", "duplicate", "insufficient" or "error"
	RecordLedgerTransaction(creditType CreditType, kind TransactionKind, amount int64, outcome string)

	// RecordEventOutcome records how a normalized event was resolved.
	// outcome: "applied", "skipped", "duplicate" or "error"
	RecordEventOutcome(provider Provider, kind EventKind, outcome string)

	// RecordInvoiceTransition records an invoice state change.
	RecordInvoiceTransition(from, to InvoiceStatus)

	// RecordPlanChange records a tenant moving between plans.
	RecordPlanChange(fromPlan, toPlan string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordLedgerTransaction(_ CreditType, _ TransactionKind, _ int64, _ string) {}
func (n *NoopMetrics) RecordEventOutcome(_ Provider, _ EventKind, _ string)                       {}
func (n *NoopMetrics) RecordInvoiceTransition(_, _ InvoiceStatus)                                 {}
func (n *NoopMetrics) RecordPlanChange(_, _ string)                                               {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error)                  {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                                   {}
