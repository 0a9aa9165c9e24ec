package reconcile

import (
	"context"
	"fmt"
	"time"
)

// PlanChange moves a tenant onto a plan as the result of a paid provider event.
type PlanChange struct {
	TenantID string
	PlanID   string
	// PaymentID identifies the billing period; credits are allocated once per payment.
	PaymentID string
	EventTime time.Time
}

// PlanResult reports what UpdatePlan did.
type PlanResult struct {
	PreviousPlanID string
	PlanID         string
	// Moved is false when a newer event already set the plan.
	Moved     bool
	Allocated map[CreditType]int64
}

// PlanAssigner sets tenant plans and allocates their quota credits.
type PlanAssigner struct {
	storage Storage
	catalog *Catalog
	ledger  *Ledger
	logger  Logger
	metrics Metrics
}

// NewPlanAssigner creates a plan assigner.
func NewPlanAssigner(storage Storage, catalog *Catalog, ledger *Ledger, logger Logger, metrics Metrics) *PlanAssigner {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &PlanAssigner{
		storage: storage,
		catalog: catalog,
		ledger:  ledger,
		logger:  logger,
		metrics: metrics,
	}
}

// Catalog returns the plan catalog.
func (a *PlanAssigner) Catalog() *Catalog {
	return a.catalog
}

// UpdatePlan points the tenant at change.PlanID and allocates the plan's credits.
// Any plan may follow any other. An event older than the last applied plan change
// leaves the pointer alone, but the payment it carries is still allocated.
func (a *PlanAssigner) UpdatePlan(ctx context.Context, change PlanChange) (*PlanResult, error) {
	plan, ok := a.catalog.Plan(change.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, change.PlanID)
	}
	if change.EventTime.IsZero() {
		change.EventTime = time.Now().UTC()
	}

	planID := plan.ID
	prev, moved, err := a.storage.SetTenantPlan(ctx, change.TenantID, &planID, change.EventTime)
	if err != nil {
		return nil, fmt.Errorf("failed to set plan: %w", err)
	}

	result := &PlanResult{PreviousPlanID: deref(prev), PlanID: plan.ID, Moved: moved}
	if moved {
		a.metrics.RecordPlanChange(result.PreviousPlanID, plan.ID)
		a.logger.Info("plan updated",
			F("tenant_id", change.TenantID),
			F("from", result.PreviousPlanID),
			F("to", plan.ID))
	} else {
		a.logger.Info("stale plan event ignored",
			F("tenant_id", change.TenantID),
			F("plan_id", plan.ID),
			F("event_time", change.EventTime))
	}

	allocated, err := a.AllocatePlanCredits(ctx, change.TenantID, plan, change.PaymentID, change.EventTime)
	if err != nil {
		return result, err
	}
	result.Allocated = allocated
	return result, nil
}

// AllocatePlanCredits grants a plan's quota for one billing period. Grants are keyed by
// tenant, plan, payment and credit type, so redelivered renewals are no-ops.
// Returns the credits newly granted by this call.
func (a *PlanAssigner) AllocatePlanCredits(ctx context.Context, tenantID string, plan *Plan, paymentID string, at time.Time) (map[CreditType]int64, error) {
	allocated := make(map[CreditType]int64)
	if paymentID == "" {
		a.logger.Warn("plan credits not allocated without a payment id",
			F("tenant_id", tenantID),
			F("plan_id", plan.ID))
		return allocated, nil
	}

	var expiresAt *time.Time
	if plan.CreditTTL.Duration > 0 {
		t := at.Add(plan.CreditTTL.Duration)
		expiresAt = &t
	}

	for creditType, amount := range plan.Credits {
		if amount <= 0 {
			continue
		}
		_, err := a.ledger.AddCredits(ctx, AddCreditsRequest{
			TenantID:   tenantID,
			CreditType: creditType,
			Amount:     amount,
			PaymentID:  AllocationKey(tenantID, plan.ID, paymentID, creditType),
			ExpiresAt:  expiresAt,
			Metadata: map[string]string{
				"reason":     "plan_allocation",
				"plan_id":    plan.ID,
				"payment_id": paymentID,
			},
		})
		switch {
		case err == nil:
			allocated[creditType] = amount
		case IsAlreadyApplied(err):
		default:
			return allocated, fmt.Errorf("failed to allocate %s credits: %w", creditType, err)
		}
	}
	return allocated, nil
}

// DowngradeToDefaultPlan moves the tenant to the catalog's baseline plan, or clears the
// plan when the catalog has none. Credits already granted are kept.
func (a *PlanAssigner) DowngradeToDefaultPlan(ctx context.Context, tenantID string, eventTime time.Time) (*PlanResult, error) {
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}
	var target *string
	if def := a.catalog.Default(); def != nil {
		id := def.ID
		target = &id
	}

	prev, moved, err := a.storage.SetTenantPlan(ctx, tenantID, target, eventTime)
	if err != nil {
		return nil, fmt.Errorf("failed to downgrade plan: %w", err)
	}
	result := &PlanResult{PreviousPlanID: deref(prev), PlanID: deref(target), Moved: moved}
	if moved {
		a.metrics.RecordPlanChange(result.PreviousPlanID, result.PlanID)
		a.logger.Info("plan downgraded",
			F("tenant_id", tenantID),
			F("from", result.PreviousPlanID),
			F("to", result.PlanID))
	}
	return result, nil
}

// AllocationKey is the ledger payment id of one plan allocation.
func AllocationKey(tenantID, planID, paymentID string, creditType CreditType) string {
	return fmt.Sprintf("plan:%s:%s:%s:%s", tenantID, planID, paymentID, creditType)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
