package reconcile

import (
	"context"
	"sync"
	"time"
)

// Outcome statuses reported by Reconciler.Handle.
const (
	StatusApplied   = "applied"
	StatusSkipped   = "skipped"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// Outcome describes how an event was reconciled.
type Outcome struct {
	Status   string
	Action   string
	TenantID string
	// Err is the business error behind a skipped event.
	Err error
}

// Reason returns a short explanation for skipped events.
func (o *Outcome) Reason() string {
	if o == nil || o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// KindHandler applies one kind of normalized event.
type KindHandler func(ctx context.Context, evt *NormalizedPaymentEvent) (*Outcome, error)

// ReconcilerConfig wires the reconciler's collaborators.
type ReconcilerConfig struct {
	Resolver *Resolver
	Ledger   *Ledger
	Plans    *PlanAssigner
	Invoices *Invoices
	// Events records processed webhook events. Optional.
	Events EventLog
	// Notifier receives post-payment notifications. Optional.
	Notifier Notifier
	Logger   Logger
	Metrics  Metrics
}

// Reconciler applies normalized payment events to tenants, the ledger and invoices.
type Reconciler struct {
	resolver *Resolver
	ledger   *Ledger
	plans    *PlanAssigner
	invoices *Invoices
	events   EventLog
	notifier Notifier
	logger   Logger
	metrics  Metrics

	mu       sync.RWMutex
	handlers map[EventKind]KindHandler
	pending  sync.WaitGroup
}

// NewReconciler creates a reconciler with the default handler for every event kind.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	r := &Reconciler{
		resolver: cfg.Resolver,
		ledger:   cfg.Ledger,
		plans:    cfg.Plans,
		invoices: cfg.Invoices,
		events:   cfg.Events,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	r.handlers = map[EventKind]KindHandler{
		EventCustomerCreated:      r.onCustomerCreated,
		EventSubscriptionCreated:  r.onPlanPayment,
		EventSubscriptionRenewed:  r.onPlanPayment,
		EventInvoicePaid:          r.onPlanPayment,
		EventSubscriptionCanceled: r.onSubscriptionCanceled,
		EventPaymentSucceeded:     r.onPaymentSucceeded,
		EventCheckoutCompleted:    r.onPaymentSucceeded,
		EventPaymentFailed:        r.onPaymentFailed,
		EventPaymentDeclined:      r.onPaymentDeclined,
		EventDisputeOpened:        r.onObserveOnly,
		EventRefundIssued:         r.onObserveOnly,
	}
	return r
}

// Register replaces the handler for kind.
func (r *Reconciler) Register(kind EventKind, h KindHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Ledger returns the credit ledger.
func (r *Reconciler) Ledger() *Ledger { return r.ledger }

// Invoices returns the invoice state machine.
func (r *Reconciler) Invoices() *Invoices { return r.invoices }

// Handle reconciles one event. Business outcomes (duplicates, unresolved tenants,
// unmapped products, invalid transitions) are reported in the Outcome with a nil
// error; a non-nil error means the provider should redeliver.
func (r *Reconciler) Handle(ctx context.Context, evt *NormalizedPaymentEvent) (*Outcome, error) {
	if r.events != nil && evt.EventID != "" {
		seen, err := r.events.HasProcessed(ctx, evt.Provider, evt.EventID)
		if err != nil {
			return nil, err
		}
		if seen {
			r.metrics.RecordEventOutcome(evt.Provider, evt.Kind, StatusDuplicate)
			return &Outcome{Status: StatusDuplicate}, nil
		}
	}

	r.mu.RLock()
	handler, ok := r.handlers[evt.Kind]
	r.mu.RUnlock()
	if !ok {
		r.metrics.RecordEventOutcome(evt.Provider, evt.Kind, StatusIgnored)
		return &Outcome{Status: StatusIgnored}, nil
	}

	out, err := handler(ctx, evt)
	if err != nil {
		if !IsBusinessError(err) {
			r.metrics.RecordEventOutcome(evt.Provider, evt.Kind, "error")
			r.logger.Error("event reconciliation failed",
				F("provider", string(evt.Provider)),
				F("event_id", evt.EventID),
				F("event_type", evt.EventType),
				F("error", err.Error()))
			return nil, err
		}
		out = businessOutcome(out, err)
		r.logger.Info("event skipped",
			F("provider", string(evt.Provider)),
			F("event_id", evt.EventID),
			F("event_type", evt.EventType),
			F("reason", err.Error()))
	}
	if out == nil {
		out = &Outcome{Status: StatusApplied}
	}

	if r.events != nil && evt.EventID != "" {
		if err := r.events.MarkProcessed(ctx, &WebhookEvent{
			Provider:    evt.Provider,
			EventID:     evt.EventID,
			EventType:   evt.EventType,
			ProcessedAt: time.Now().UTC(),
		}); err != nil {
			// the state change is committed and every handler is idempotent
			r.logger.Warn("failed to record processed event",
				F("provider", string(evt.Provider)),
				F("event_id", evt.EventID),
				F("error", err.Error()))
		}
	}
	r.metrics.RecordEventOutcome(evt.Provider, evt.Kind, out.Status)
	return out, nil
}

// Wait blocks until in-flight notifications have finished.
func (r *Reconciler) Wait() {
	r.pending.Wait()
}

func businessOutcome(out *Outcome, err error) *Outcome {
	if out == nil {
		out = &Outcome{}
	}
	out.Err = err
	out.Status = StatusSkipped
	if IsAlreadyApplied(err) {
		out.Status = StatusDuplicate
	}
	return out
}

func (r *Reconciler) onCustomerCreated(ctx context.Context, evt *NormalizedPaymentEvent) (*Outcome, error) {
	t, err := r.resolver.Resolve(ctx, evt.Customer)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: StatusApplied, Action: "tenant_resolved", TenantID: t.ID}, nil
}

func (r *Reconciler) onPlanPayment(ctx context.Context, evt *NormalizedPaymentEvent) (*Outcome, error) {
	t, err := r.resolver.Resolve(ctx, evt.Customer)
	if err != nil {
		return nil, err
	}
	out := &Outcome{TenantID: t.ID}

	plan, err := r.planFor(evt, t)
	if err != nil {
		return out, err
	}
	res, err := r.plans.UpdatePlan(ctx, PlanChange{
		TenantID:  t.ID,
		PlanID:    plan.ID,
		PaymentID: evt.PaymentKey(),
		EventTime: evt.OccurredAt,
	})
	if err != nil {
		return out, err
	}
	out.Status = StatusApplied
	out.Action = "plan_updated"
	if res.Moved && res.PreviousPlanID != res.PlanID {
		r.notify(Notification{
			Type:     NotifyPlanChanged,
			TenantID: t.ID,
			Data:     map[string]string{"from": res.PreviousPlanID, "to": res.PlanID},
		})
	}
	return out, nil
}

// planFor maps the event's products onto the catalog. Renewals that carry no product
// fall back to the tenant's current plan.
func (r *Reconciler) planFor(evt *NormalizedPaymentEvent, t *Tenant) (*Plan, error) {
	catalog := r.plans.Catalog()
	if plan, ok := catalog.ForAnyProduct(evt.Provider, evt.ProductIDs); ok {
		return plan, nil
	}
	if id := evt.Meta(MetadataPlanID); id != "" {
		if plan, ok := catalog.Plan(id); ok {
			return plan, nil
		}
	}
	if len(evt.ProductIDs) == 0 && evt.Kind == EventSubscriptionRenewed && t.PlanID != nil {
		if plan, ok := catalog.Plan(*t.PlanID); ok && !plan.Default {
			return plan, nil
		}
	}
	return nil, &planNotMappedError{provider: evt.Provider, products: evt.ProductIDs}
}

func (r *Reconciler) onSubscriptionCanceled(ctx context.Context, evt *NormalizedPaymentEvent) (*Outcome, error) {
	t, err := r.resolver.Resolve(ctx, evt.Customer)
	if err != nil {
		return nil, err
	}
	res, err := r.plans.DowngradeToDefaultPlan(ctx, t.ID, evt.OccurredAt)
	if err != nil {
		return nil, err
	}
	if res.Moved {
		r.notify(Notification{
			Type:     NotifyPlanChanged,
			TenantID: t.ID,
			Data:     map[string]string{"from": res.PreviousPlanID, "to": res.PlanID},
		})
	}
	return &Outcome{Status: StatusApplied, Action: "plan_downgraded", TenantID: t.ID}, nil
}

func (r *Reconciler) onPaymentSucceeded(ctx context.Context, evt *NormalizedPaymentEvent) (*Outcome, error) {
	if invoiceID := evt.invoiceRef(); invoiceID != "" {
		inv, err := r.invoices.MarkPaid(ctx, invoiceID, evt.PaymentID)
		if err != nil {
			return &Outcome{TenantID: tenantOf(inv)}, err
		}
		r.notify(Notification{
			Type:      NotifyInvoicePaid,
			TenantID:  inv.TenantID,
			InvoiceID: inv.ID,
			Amount:    inv.Amount,
			Currency:  inv.Currency,
			Data:      map[string]string{"payout": formatInt(inv.Payout), "commission": formatInt(inv.Commission)},
		})
		return &Outcome{Status: StatusApplied, Action: "invoice_paid", TenantID: inv.TenantID}, nil
	}

	t, err := r.resolver.Resolve(ctx, evt.Customer)
	if err != nil {
		return nil, err
	}

	if plan, ok := r.plans.Catalog().ForAnyProduct(evt.Provider, evt.ProductIDs); ok {
		if _, err := r.plans.UpdatePlan(ctx, PlanChange{
			TenantID:  t.ID,
			PlanID:    plan.ID,
			PaymentID: evt.PaymentKey(),
			EventTime: evt.OccurredAt,
		}); err != nil {
			return &Outcome{TenantID: t.ID}, err
		}
		return &Outcome{Status: StatusApplied, Action: "plan_updated", TenantID: t.ID}, nil
	}

	if creditType, amount, ok := evt.CreditPack(); ok {
		_, err := r.ledger.AddCredits(ctx, AddCreditsRequest{
			TenantID:   t.ID,
			CreditType: creditType,
			Amount:     amount,
			PaymentID:  evt.IdempotencyKey(),
			Metadata: map[string]string{
				"reason":   "credit_pack",
				"provider": string(evt.Provider),
				"event_id": evt.EventID,
			},
		})
		if err != nil {
			return &Outcome{TenantID: t.ID}, err
		}
		r.notify(Notification{
			Type:     NotifyCreditsAdded,
			TenantID: t.ID,
			Amount:   amount,
			Data:     map[string]string{"credit_type": string(creditType)},
		})
		return &Outcome{Status: StatusApplied, Action: "credits_added", TenantID: t.ID}, nil
	}

	return &Outcome{TenantID: t.ID}, &planNotMappedError{provider: evt.Provider, products: evt.ProductIDs}
}

func (r *Reconciler) onPaymentFailed(ctx context.Context, evt *NormalizedPaymentEvent) (*Outcome, error) {
	invoiceID := evt.invoiceRef()
	if invoiceID == "" {
		r.logger.Info("payment failed without invoice reference",
			F("provider", string(evt.Provider)),
			F("event_id", evt.EventID),
			F("payment_id", evt.PaymentID))
		return &Outcome{Status: StatusIgnored}, nil
	}
	reason := evt.Reason
	if reason == "" {
		reason = evt.EventType
	}
	inv, err := r.invoices.MarkFailed(ctx, invoiceID, reason)
	if err != nil {
		return &Outcome{TenantID: tenantOf(inv)}, err
	}
	r.notify(Notification{
		Type:      NotifyInvoiceFailed,
		TenantID:  inv.TenantID,
		InvoiceID: inv.ID,
		Amount:    inv.Amount,
		Currency:  inv.Currency,
		Data:      map[string]string{"reason": reason},
	})
	return &Outcome{Status: StatusApplied, Action: "invoice_failed", TenantID: inv.TenantID}, nil
}

// onPaymentDeclined leaves the invoice PENDING so a retried payment can still settle it.
func (r *Reconciler) onPaymentDeclined(_ context.Context, evt *NormalizedPaymentEvent) (*Outcome, error) {
	r.logger.Info("payment attempt declined",
		F("provider", string(evt.Provider)),
		F("event_id", evt.EventID),
		F("payment_id", evt.PaymentID),
		F("invoice_id", evt.invoiceRef()),
		F("reason", evt.Reason))
	return &Outcome{Status: StatusIgnored, Action: "logged"}, nil
}

func (r *Reconciler) onObserveOnly(_ context.Context, evt *NormalizedPaymentEvent) (*Outcome, error) {
	r.logger.Warn("payment event requires manual review",
		F("provider", string(evt.Provider)),
		F("event_id", evt.EventID),
		F("event_type", evt.EventType),
		F("payment_id", evt.PaymentID),
		F("amount", evt.AmountMinor),
		F("reason", evt.Reason))
	return &Outcome{Status: StatusIgnored, Action: "logged"}, nil
}

// notify delivers n in the background; failures are logged only.
func (r *Reconciler) notify(n Notification) {
	if r.notifier == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), NotifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(ctx, n); err != nil {
			r.logger.Warn("notification failed",
				F("type", string(n.Type)),
				F("tenant_id", n.TenantID),
				F("error", err.Error()))
		}
	}()
}

type planNotMappedError struct {
	provider Provider
	products []string
}

func (e *planNotMappedError) Error() string {
	return ErrPlanNotMapped.Error() + ": " + string(e.provider) + " " + joinIDs(e.products)
}

func (e *planNotMappedError) Unwrap() error { return ErrPlanNotMapped }

func tenantOf(inv *Invoice) string {
	if inv == nil {
		return ""
	}
	return inv.TenantID
}
