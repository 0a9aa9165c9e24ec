package reconcile

import (
	"context"
	"time"
)

// NotificationType names a post-payment notification
type NotificationType string

const (
	NotifyInvoicePaid   NotificationType = "invoice.paid"
	NotifyInvoiceFailed NotificationType = "invoice.failed"
	NotifyPlanChanged   NotificationType = "plan.changed"
	NotifyCreditsAdded  NotificationType = "credits.added"
)

// Notification is an outbound message about a committed state change.
type Notification struct {
	Type      NotificationType  `json:"type"`
	TenantID  string            `json:"tenant_id"`
	InvoiceID string            `json:"invoice_id,omitempty"`
	Amount    int64             `json:"amount,omitempty"`
	Currency  string            `json:"currency,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier delivers notifications (email, queue). Delivery failures never affect reconciliation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifyTimeout bounds a single notification delivery.
const NotifyTimeout = 5 * time.Second

// LogNotifier writes notifications to the logger.
type LogNotifier struct {
	Logger Logger
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Info("notification",
		F("type", string(n.Type)),
		F("tenant_id", n.TenantID),
		F("invoice_id", n.InvoiceID),
		F("amount", n.Amount))
	return nil
}

// MultiNotifier fans out to several notifiers and returns the first error.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
