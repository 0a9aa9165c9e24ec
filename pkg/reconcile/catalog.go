package reconcile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Catalog is the static plan catalog.
type Catalog struct {
	plans []Plan
	byID  map[string]*Plan
	def   *Plan
}

// NewCatalog indexes plans. Plan ids must be unique and at most one plan may be the default.
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans: make([]Plan, len(plans)),
		byID:  make(map[string]*Plan, len(plans)),
	}
	copy(c.plans, plans)
	for i := range c.plans {
		p := &c.plans[i]
		if p.ID == "" {
			return nil, fmt.Errorf("plan at index %d has no id", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		for creditType, amount := range p.Credits {
			if amount < 0 {
				return nil, fmt.Errorf("plan %q: negative allocation for %s", p.ID, creditType)
			}
		}
		if p.Default {
			if c.def != nil {
				return nil, fmt.Errorf("plans %q and %q are both marked default", c.def.ID, p.ID)
			}
			c.def = p
		}
		c.byID[p.ID] = p
	}
	return c, nil
}

// LoadCatalog reads a JSON array of plans.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var plans []Plan
	if err := json.NewDecoder(r).Decode(&plans); err != nil {
		return nil, fmt.Errorf("failed to decode plan catalog: %w", err)
	}
	return NewCatalog(plans)
}

// LoadCatalogFile reads the catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadCatalog(f)
}

// Plan returns the plan with id.
func (c *Catalog) Plan(id string) (*Plan, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Default returns the baseline plan, or nil when the catalog has none.
func (c *Catalog) Default() *Plan {
	return c.def
}

// Plans returns every plan in catalog order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// ForProduct maps a provider product id to its plan.
func (c *Catalog) ForProduct(provider Provider, productID string) (*Plan, bool) {
	if productID == "" {
		return nil, false
	}
	for i := range c.plans {
		p := &c.plans[i]
		var ids ProviderIDs
		switch provider {
		case ProviderStripe:
			ids = p.StripePriceIDs
		case ProviderDodo:
			ids = p.DodoProductIDs
		case ProviderPayPal:
			ids = p.PayPalPlanIDs
		default:
			return nil, false
		}
		if ids.Contains(productID) {
			return p, true
		}
	}
	return nil, false
}

// ForAnyProduct returns the first plan matched by any of productIDs.
func (c *Catalog) ForAnyProduct(provider Provider, productIDs []string) (*Plan, bool) {
	for _, id := range productIDs {
		if p, ok := c.ForProduct(provider, id); ok {
			return p, true
		}
	}
	return nil, false
}
