package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// Metrics implements reconcile.Metrics using Prometheus.
type Metrics struct {
	ledgerTransactions         *prometheus.CounterVec
	ledgerAmount               *prometheus.HistogramVec
	eventOutcomes              *prometheus.CounterVec
	invoiceTransitions         *prometheus.CounterVec
	planChanges                *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a Prometheus metrics implementation registered on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ledgerTransactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Total number of ledger append attempts.",
		}, []string{"credit_type", "kind", "outcome"}),

		ledgerAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_transaction_amount",
			Help:      "Distribution of applied ledger transaction amounts.",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"credit_type", "kind"}),

		eventOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_total",
			Help:      "Total number of normalized payment events by outcome.",
		}, []string{"provider", "kind", "outcome"}),

		invoiceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_transitions_total",
			Help:      "Total number of marketplace invoice state transitions.",
		}, []string{"from", "to"}),

		planChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_changes_total",
			Help:      "Total number of tenant plan changes.",
		}, []string{"from", "to"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordLedgerTransaction(creditType reconcile.CreditType, kind reconcile.TransactionKind, amount int64, outcome string) {
	m.ledgerTransactions.WithLabelValues(string(creditType), string(kind), outcome).Inc()
	if outcome == "applied" {
		m.ledgerAmount.WithLabelValues(string(creditType), string(kind)).Observe(float64(amount))
	}
}

func (m *Metrics) RecordEventOutcome(provider reconcile.Provider, kind reconcile.EventKind, outcome string) {
	k := string(kind)
	if k == "" {
		k = "unknown"
	}
	m.eventOutcomes.WithLabelValues(string(provider), k, outcome).Inc()
}

func (m *Metrics) RecordInvoiceTransition(from, to reconcile.InvoiceStatus) {
	m.invoiceTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordPlanChange(fromPlan, toPlan string) {
	m.planChanges.WithLabelValues(planLabel(fromPlan), planLabel(toPlan)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func planLabel(id string) string {
	if id == "" {
		return "none"
	}
	return id
}

var _ reconcile.Metrics = (*Metrics)(nil)
