package billing

import (
	"fmt"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// ProductIDs returns the provider's product ids configured on plan.
func ProductIDs(plan *reconcile.Plan, provider reconcile.Provider) reconcile.ProviderIDs {
	switch provider {
	case reconcile.ProviderStripe:
		return plan.StripePriceIDs
	case reconcile.ProviderDodo:
		return plan.DodoProductIDs
	case reconcile.ProviderPayPal:
		return plan.PayPalPlanIDs
	default:
		return reconcile.ProviderIDs{}
	}
}

// PlanProductID resolves the provider product id a plan checkout should sell.
// Yearly falls back to monthly when the plan has no yearly id.
func PlanProductID(catalog *reconcile.Catalog, provider reconcile.Provider, planID string, yearly bool) (string, error) {
	if catalog == nil {
		return "", ErrProviderNotConfigured
	}
	plan, ok := catalog.Plan(planID)
	if !ok {
		return "", fmt.Errorf("%w: %s", reconcile.ErrPlanNotFound, planID)
	}
	ids := ProductIDs(plan, provider)
	if yearly && ids.Yearly != "" {
		return ids.Yearly, nil
	}
	if ids.Monthly != "" {
		return ids.Monthly, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrPlanNotConfigured, planID, provider)
}
