package reconcile_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const catalogJSON = `[
  {"id": "free", "codename": "free", "default": true, "credits": {"image_generation": 10}},
  {
    "id": "pro",
    "codename": "pro",
    "stripe_price_ids": {"monthly": "price_m", "yearly": "price_y"},
    "dodo_product_ids": {"onetime": "pdt_once"},
    "paypal_plan_ids": {"monthly": "P-1"},
    "credits": {"image_generation": 500, "video_generation": 20},
    "credit_ttl": "720h"
  }
]`

func TestLoadCatalog(t *testing.T) {
	catalog, err := reconcile.LoadCatalog(strings.NewReader(catalogJSON))
	require.NoError(t, err)

	assert.Equal(t, "free", catalog.Default().ID)
	assert.Len(t, catalog.Plans(), 2)

	pro, ok := catalog.Plan("pro")
	require.True(t, ok)
	assert.Equal(t, 720*time.Hour, pro.CreditTTL.Duration)
	assert.Equal(t, int64(20), pro.Credits[reconcile.CreditTypeVideoGeneration])

	for _, tc := range []struct {
		provider reconcile.Provider
		product  string
		found    bool
	}{
		{reconcile.ProviderStripe, "price_y", true},
		{reconcile.ProviderDodo, "pdt_once", true},
		{reconcile.ProviderPayPal, "P-1", true},
		{reconcile.ProviderDodo, "price_y", false},
		{reconcile.ProviderStripe, "", false},
		{reconcile.ProviderAdmin, "price_m", false},
	} {
		plan, ok := catalog.ForProduct(tc.provider, tc.product)
		assert.Equal(t, tc.found, ok, "%s %s", tc.provider, tc.product)
		if ok {
			assert.Equal(t, "pro", plan.ID)
		}
	}

	plan, ok := catalog.ForAnyProduct(reconcile.ProviderStripe, []string{"price_other", "price_m"})
	require.True(t, ok)
	assert.Equal(t, "pro", plan.ID)
}

func TestNewCatalog_Validation(t *testing.T) {
	_, err := reconcile.NewCatalog([]reconcile.Plan{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)

	_, err = reconcile.NewCatalog([]reconcile.Plan{{ID: "a", Default: true}, {ID: "b", Default: true}})
	assert.Error(t, err)

	_, err = reconcile.NewCatalog([]reconcile.Plan{{}})
	assert.Error(t, err)

	_, err = reconcile.NewCatalog([]reconcile.Plan{{ID: "a", Credits: map[reconcile.CreditType]int64{"x": -1}}})
	assert.Error(t, err)

	_, err = reconcile.LoadCatalog(strings.NewReader(`{"id": "not-an-array"}`))
	assert.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	var d reconcile.Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"90m"`)))
	assert.Equal(t, 90*time.Minute, d.Duration)

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(out))

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}
