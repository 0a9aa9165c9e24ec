package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Resolver maps provider customers onto tenants, creating tenants on first sight.
type Resolver struct {
	storage Storage
	logger  Logger
	group   singleflight.Group
	now     func() time.Time
}

// NewResolver creates a resolver over storage.
func NewResolver(storage Storage, logger Logger) *Resolver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Resolver{
		storage: storage,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the tenant for hint. Lookup order is the provider customer id, then an
// explicit organization id, then email; a tenant is created when none matches.
// A hint with neither customer id nor email yields ErrTenantNotResolved, as does an
// organization id that matches no tenant when nothing else identifies the payer.
func (r *Resolver) Resolve(ctx context.Context, hint CustomerHint) (*Tenant, error) {
	hint.ExternalID = strings.TrimSpace(hint.ExternalID)
	hint.Email = normalizeEmail(hint.Email)
	hint.TenantID = strings.TrimSpace(hint.TenantID)
	if hint.Empty() {
		return nil, ErrTenantNotResolved
	}
	if hint.ExternalID != "" && hint.Provider == "" {
		return nil, fmt.Errorf("%w: customer id without provider", ErrTenantNotResolved)
	}

	v, err, _ := r.group.Do(flightKey(hint), func() (interface{}, error) {
		return r.resolve(ctx, hint)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tenant), nil
}

func flightKey(hint CustomerHint) string {
	switch {
	case hint.ExternalID != "":
		return "id:" + string(hint.Provider) + ":" + hint.ExternalID
	case hint.TenantID != "":
		return "tenant:" + hint.TenantID
	default:
		return "email:" + hint.Email
	}
}

func (r *Resolver) resolve(ctx context.Context, hint CustomerHint) (*Tenant, error) {
	if hint.ExternalID != "" {
		t, err := r.storage.FindTenantByCustomerID(ctx, hint.Provider, hint.ExternalID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrTenantNotFound) {
			return nil, err
		}
	}

	if hint.TenantID != "" {
		t, err := r.storage.GetTenant(ctx, hint.TenantID)
		switch {
		case err == nil:
			return r.link(ctx, t, hint, true)
		case errors.Is(err, ErrTenantNotFound):
			r.logger.Warn("organization hint does not exist",
				F("organization_id", hint.TenantID),
				F("provider", string(hint.Provider)))
			if hint.ExternalID == "" && hint.Email == "" {
				return nil, fmt.Errorf("%w: unknown organization %s", ErrTenantNotResolved, hint.TenantID)
			}
		default:
			return nil, err
		}
	}

	if hint.Email != "" {
		t, err := r.storage.FindTenantByEmail(ctx, hint.Email)
		switch {
		case err == nil:
			existing := t.CustomerID(hint.Provider)
			if hint.ExternalID == "" || existing == "" || existing == hint.ExternalID {
				return r.link(ctx, t, hint, false)
			}
			r.logger.Info("email matches a tenant linked to another customer, creating new tenant",
				F("tenant_id", t.ID),
				F("provider", string(hint.Provider)))
		case errors.Is(err, ErrTenantNotFound):
		default:
			return nil, err
		}
	}

	return r.create(ctx, hint)
}

// link persists the customer id on t. An explicit organization hint wins even when
// the tenant is already linked to a different customer.
func (r *Resolver) link(ctx context.Context, t *Tenant, hint CustomerHint, explicit bool) (*Tenant, error) {
	if hint.ExternalID == "" || t.CustomerID(hint.Provider) == hint.ExternalID {
		return t, nil
	}
	err := r.storage.LinkCustomerID(ctx, t.ID, hint.Provider, hint.ExternalID)
	switch {
	case err == nil:
		if t.CustomerIDs == nil {
			t.CustomerIDs = make(map[Provider]string)
		}
		t.CustomerIDs[hint.Provider] = hint.ExternalID
		r.logger.Info("customer linked to tenant",
			F("tenant_id", t.ID),
			F("provider", string(hint.Provider)),
			F("customer_id", hint.ExternalID))
		return t, nil
	case errors.Is(err, ErrCustomerIDTaken):
		if owner, lerr := r.storage.FindTenantByCustomerID(ctx, hint.Provider, hint.ExternalID); lerr == nil {
			return owner, nil
		}
		if explicit {
			r.logger.Warn("organization already linked to another customer",
				F("tenant_id", t.ID),
				F("provider", string(hint.Provider)),
				F("customer_id", hint.ExternalID))
			return t, nil
		}
		return r.create(ctx, hint)
	default:
		return nil, err
	}
}

func (r *Resolver) create(ctx context.Context, hint CustomerHint) (*Tenant, error) {
	now := r.now()
	name := strings.TrimSpace(hint.Name)
	if name == "" {
		name = hint.Email
	}
	t := &Tenant{
		ID:          uuid.NewString(),
		Name:        name,
		Email:       hint.Email,
		CustomerIDs: make(map[Provider]string),
		Balances:    make(map[CreditType]int64),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if hint.ExternalID != "" {
		t.CustomerIDs[hint.Provider] = hint.ExternalID
	}

	err := r.storage.CreateTenant(ctx, t)
	if errors.Is(err, ErrCustomerIDTaken) && hint.ExternalID != "" {
		// another process created it first
		return r.storage.FindTenantByCustomerID(ctx, hint.Provider, hint.ExternalID)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("tenant created",
		F("tenant_id", t.ID),
		F("provider", string(hint.Provider)),
		F("customer_id", hint.ExternalID))
	return t, nil
}
