package stripe

import (
	"bytes"
	"encoding/json"
)

// expandable is a Stripe reference that arrives either as an id string or as an
// expanded object with an "id" field.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type priceRef struct {
	Price expandable `json:"price"`
}

// subscriptionPayload is the part of a Stripe subscription object the adapter reads.
type subscriptionPayload struct {
	ID            string            `json:"id"`
	Customer      expandable        `json:"customer"`
	Status        string            `json:"status"`
	LatestInvoice expandable        `json:"latest_invoice"`
	Metadata      map[string]string `json:"metadata"`
	Items         struct {
		Data []priceRef `json:"data"`
	} `json:"items"`
}

func (s *subscriptionPayload) live() bool {
	return s.Status == "active" || s.Status == "trialing"
}

func (s *subscriptionPayload) ended() bool {
	return s.Status == "canceled" || s.Status == "unpaid" || s.Status == "incomplete_expired"
}

func (s *subscriptionPayload) priceIDs() []string {
	var ids []string
	for _, item := range s.Items.Data {
		if item.Price != "" {
			ids = append(ids, string(item.Price))
		}
	}
	return ids
}

// invoicePayload covers both the current invoice shape, where the subscription sits
// under parent.subscription_details, and the older top-level subscription field.
type invoicePayload struct {
	ID            string            `json:"id"`
	Customer      expandable        `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	CustomerName  string            `json:"customer_name"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	Subscription  expandable        `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandable        `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

type invoiceLine struct {
	Price   expandable `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price expandable `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

func (l invoiceLine) priceID() string {
	if l.Pricing != nil && l.Pricing.PriceDetails != nil && l.Pricing.PriceDetails.Price != "" {
		return string(l.Pricing.PriceDetails.Price)
	}
	return string(l.Price)
}

func (inv *invoicePayload) subscription() (string, map[string]string) {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		if details.Subscription != "" {
			return string(details.Subscription), details.Metadata
		}
	}
	return string(inv.Subscription), nil
}

func (inv *invoicePayload) priceIDs() []string {
	var ids []string
	for _, line := range inv.Lines.Data {
		if id := line.priceID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
