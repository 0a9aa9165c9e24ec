package reconcile_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

func TestLedger_AddCreditsIsIdempotentPerPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")

	balance, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{
		TenantID: tenant.ID, CreditType: imageCredits, Amount: 100, PaymentID: "pay_1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	_, err = h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{
		TenantID: tenant.ID, CreditType: imageCredits, Amount: 100, PaymentID: "pay_1",
	})
	assert.ErrorIs(t, err, reconcile.ErrDuplicatePayment)
	assert.True(t, reconcile.IsAlreadyApplied(err))

	credits, err := h.ledger.GetOrganizationCredits(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), credits[imageCredits])

	history, err := h.ledger.ListTransactions(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLedger_PaymentIDIsGloballyUnique(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.tenant(t, "a@example.com")
	b := h.tenant(t, "b@example.com")

	_, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: a.ID, CreditType: imageCredits, Amount: 5, PaymentID: "pay_x"})
	require.NoError(t, err)
	_, err = h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: b.ID, CreditType: videoCredits, Amount: 5, PaymentID: "pay_x"})
	assert.ErrorIs(t, err, reconcile.ErrDuplicatePayment)
}

func TestLedger_DeductRejectsOverdraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")

	_, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: tenant.ID, CreditType: videoCredits, Amount: 50, PaymentID: "pay_1"})
	require.NoError(t, err)

	_, err = h.ledger.DeductCredits(ctx, reconcile.DeductCreditsRequest{TenantID: tenant.ID, CreditType: videoCredits, Amount: 80})
	assert.ErrorIs(t, err, reconcile.ErrInsufficientCredits)

	credits, err := h.ledger.GetOrganizationCredits(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), credits[videoCredits])

	history, err := h.ledger.ListTransactions(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "rejected debit must not be written")
}

func TestLedger_RejectsNonPositiveAmounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")

	for _, amount := range []int64{0, -5} {
		_, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: amount})
		assert.ErrorIs(t, err, reconcile.ErrInvalidAmount)
		_, err = h.ledger.DeductCredits(ctx, reconcile.DeductCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: amount})
		assert.ErrorIs(t, err, reconcile.ErrInvalidAmount)
	}
}

func TestLedger_RecalculateMatchesIncrementalCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")
	rng := rand.New(rand.NewSource(42))
	types := []reconcile.CreditType{imageCredits, videoCredits}

	for i := 0; i < 500; i++ {
		creditType := types[rng.Intn(len(types))]
		amount := int64(rng.Intn(100) + 1)
		if rng.Intn(3) == 0 {
			_, err := h.ledger.DeductCredits(ctx, reconcile.DeductCreditsRequest{TenantID: tenant.ID, CreditType: creditType, Amount: amount})
			if err != nil {
				require.ErrorIs(t, err, reconcile.ErrInsufficientCredits)
			}
			continue
		}
		paymentID := fmt.Sprintf("pay_%d", rng.Intn(300))
		_, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: tenant.ID, CreditType: creditType, Amount: amount, PaymentID: paymentID})
		if err != nil {
			require.ErrorIs(t, err, reconcile.ErrDuplicatePayment)
		}
	}

	cached, err := h.ledger.GetOrganizationCredits(ctx, tenant.ID)
	require.NoError(t, err)
	replayed, err := h.ledger.Recalculate(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, cached, replayed)

	history, err := h.ledger.ListTransactions(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ReplayLedger(history), replayed)
	for _, balance := range replayed {
		assert.GreaterOrEqual(t, balance, int64(0))
	}
}

func TestLedger_RecalculateRepairsDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")

	_, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 70, PaymentID: "pay_1"})
	require.NoError(t, err)
	_, err = h.ledger.DeductCredits(ctx, reconcile.DeductCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 20})
	require.NoError(t, err)

	h.store.CorruptBalance(tenant.ID, imageCredits, 9999)

	balances, err := h.ledger.Recalculate(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balances[imageCredits])

	credits, err := h.ledger.GetOrganizationCredits(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), credits[imageCredits])
}

func TestLedger_ConcurrentAddsForSameTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, amount := range []int64{100, 200} {
		wg.Add(1)
		go func(i int, amount int64) {
			defer wg.Done()
			_, errs[i] = h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{
				TenantID: tenant.ID, CreditType: imageCredits, Amount: amount, PaymentID: fmt.Sprintf("pay_%d", i),
			})
		}(i, amount)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	credits, err := h.ledger.GetOrganizationCredits(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), credits[imageCredits])

	history, err := h.ledger.ListTransactions(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestLedger_ConcurrentMixedTraffic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")

	_, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 100, PaymentID: "seed"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{
				TenantID: tenant.ID, CreditType: imageCredits, Amount: 10, PaymentID: fmt.Sprintf("pay_%d", i%25),
			})
		}(i)
		go func() {
			defer wg.Done()
			_, _ = h.ledger.DeductCredits(ctx, reconcile.DeductCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 15})
		}()
	}
	wg.Wait()

	cached, err := h.ledger.GetOrganizationCredits(ctx, tenant.ID)
	require.NoError(t, err)
	replayed, err := h.ledger.Recalculate(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, cached, replayed)
	assert.GreaterOrEqual(t, replayed[imageCredits], int64(0))
}

func TestLedger_AdjustCreditsRequiresPermission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")

	_, err := h.ledger.AdjustCredits(ctx, "someone@example.com", reconcile.AdjustCreditsRequest{
		TenantID: tenant.ID, CreditType: imageCredits, Delta: 10,
	})
	assert.ErrorIs(t, err, reconcile.ErrForbidden)

	balance, err := h.ledger.AdjustCredits(ctx, "Billing@Example.com", reconcile.AdjustCreditsRequest{
		TenantID: tenant.ID, CreditType: imageCredits, Delta: -25, Reason: "chargeback",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-25), balance, "administrative overrides may overdraw")

	replayed, err := h.ledger.Recalculate(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-25), replayed[imageCredits])
}

func TestLedger_GrantCreditsAsAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")

	balance, err := h.ledger.GrantCredits(ctx, "root@example.com", reconcile.AddCreditsRequest{
		TenantID: tenant.ID, CreditType: videoCredits, Amount: 30, PaymentID: "grant_1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	history, err := h.ledger.ListTransactions(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "root@example.com", history[0].Metadata["actor"])

	_, err = h.ledger.RecalculateAs(ctx, "nobody@example.com", tenant.ID)
	assert.ErrorIs(t, err, reconcile.ErrForbidden)
}

func TestLedger_ExpireDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	_, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 100, PaymentID: "old", ExpiresAt: &past})
	require.NoError(t, err)
	_, err = h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 40, PaymentID: "new", ExpiresAt: &future})
	require.NoError(t, err)
	_, err = h.ledger.DeductCredits(ctx, reconcile.DeductCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 30})
	require.NoError(t, err)

	expired, err := h.ledger.ExpireDue(ctx, tenant.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), expired)

	again, err := h.ledger.ExpireDue(ctx, tenant.ID, now)
	require.NoError(t, err)
	assert.Zero(t, again)

	credits, err := h.ledger.GetOrganizationCredits(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), credits[imageCredits])

	// capped by the remaining balance
	expired, err = h.ledger.ExpireDue(ctx, tenant.ID, future.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(10), expired)

	replayed, err := h.ledger.Recalculate(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, replayed[imageCredits])
}

func TestLedger_UnknownTenant(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.AddCredits(context.Background(), reconcile.AddCreditsRequest{TenantID: "missing", CreditType: imageCredits, Amount: 1})
	assert.ErrorIs(t, err, reconcile.ErrTenantNotFound)
}

func TestLedger_Meter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tenant := h.tenant(t, "a@example.com")
	_, err := h.ledger.AddCredits(ctx, reconcile.AddCreditsRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 10, PaymentID: "pay_1"})
	require.NoError(t, err)

	req := reconcile.MeterRequest{TenantID: tenant.ID, CreditType: imageCredits, Amount: 3, IdempotencyKey: "job-1", Route: "/render"}
	balance, err := h.ledger.Meter(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)

	balance, err = h.ledger.Meter(ctx, req)
	require.NoError(t, err, "replayed key is not an error")
	assert.Equal(t, int64(7), balance)

	req.IdempotencyKey = ""
	balance, err = h.ledger.Meter(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)

	req.Amount = 5
	balance, err = h.ledger.Meter(ctx, req)
	assert.ErrorIs(t, err, reconcile.ErrInsufficientCredits)
	assert.Equal(t, int64(4), balance)

	req.Amount = 0
	_, err = h.ledger.Meter(ctx, req)
	assert.ErrorIs(t, err, reconcile.ErrInvalidAmount)

	history, err := h.ledger.ListTransactions(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, reconcile.MeterPaymentID(tenant.ID, "job-1"), history[1].PaymentID)
	assert.Equal(t, "/render", history[1].Metadata["route"])
}
