package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

func TestPlanProductID(t *testing.T) {
	catalog, err := reconcile.NewCatalog([]reconcile.Plan{
		{ID: "free", Default: true},
		{
			ID:             "pro",
			StripePriceIDs: reconcile.ProviderIDs{Monthly: "price_m", Yearly: "price_y"},
			DodoProductIDs: reconcile.ProviderIDs{Monthly: "pdt_m"},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		provider reconcile.Provider
		planID   string
		yearly   bool
		want     string
		wantErr  error
	}{
		{"stripe monthly", reconcile.ProviderStripe, "pro", false, "price_m", nil},
		{"stripe yearly", reconcile.ProviderStripe, "pro", true, "price_y", nil},
		{"dodo yearly falls back to monthly", reconcile.ProviderDodo, "pro", true, "pdt_m", nil},
		{"paypal not configured", reconcile.ProviderPayPal, "pro", false, "", billing.ErrPlanNotConfigured},
		{"unknown plan", reconcile.ProviderStripe, "enterprise", false, "", reconcile.ErrPlanNotFound},
		{"default plan has no product", reconcile.ProviderStripe, "free", false, "", billing.ErrPlanNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := billing.PlanProductID(catalog, tt.provider, tt.planID, tt.yearly)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = billing.PlanProductID(nil, reconcile.ProviderStripe, "pro", false)
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
