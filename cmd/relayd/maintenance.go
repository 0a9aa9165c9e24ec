package main

import (
	"context"
	"fmt"
	"time"

	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// expireAll expires due grants for every organization and returns the units expired.
// A failing organization is logged and skipped.
func (a *app) expireAll(ctx context.Context, now time.Time) (int64, error) {
	ids, err := a.tenants.TenantIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list organizations: %w", err)
	}

	var total int64
	var failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := a.ledger.ExpireDue(ctx, id, now)
		total += n
		if err != nil {
			failed++
			a.log.Warn().Err(err).Str("organization_id", id).Msg("failed to expire credits")
			continue
		}
		if n > 0 {
			a.log.Info().Str("organization_id", id).Int64("expired", n).Msg("expired credits")
		}
	}
	if failed > 0 {
		return total, fmt.Errorf("expiry failed for %d of %d organizations", failed, len(ids))
	}
	return total, nil
}

// recalculate rebuilds cached balances from the transaction log.
// An empty orgID recalculates every organization.
func (a *app) recalculate(ctx context.Context, orgID string) (map[string]map[reconcile.CreditType]int64, error) {
	ids := []string{orgID}
	if orgID == "" {
		var err error
		if ids, err = a.tenants.TenantIDs(ctx); err != nil {
			return nil, fmt.Errorf("list organizations: %w", err)
		}
	}

	out := make(map[string]map[reconcile.CreditType]int64, len(ids))
	for _, id := range ids {
		balances, err := a.ledger.Recalculate(ctx, id)
		if err != nil {
			return out, fmt.Errorf("recalculate %s: %w", id, err)
		}
		out[id] = balances
	}
	return out, nil
}
