package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing/internal"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

// DecodeFunc verifies a webhook request and translates its body into a normalized event.
// It returns (nil, nil) for event types the provider adapter does not handle.
// Signature failures wrap ErrInvalidWebhookSignature or ErrWebhookSecretMissing,
// malformed payloads wrap ErrInvalidWebhookPayload and failed provider calls wrap
// ErrProviderAPIError.
type DecodeFunc func(r *http.Request, body []byte) (*reconcile.NormalizedPaymentEvent, error)

// ParseFunc translates one decoded provider envelope into a normalized event.
type ParseFunc[E any] func(ctx context.Context, env E) (*reconcile.NormalizedPaymentEvent, error)

// Registry maps provider event types to their parsers.
// Adding an event type is a registry entry, not a new branch.
type Registry[E any] map[string]ParseFunc[E]

// Parse runs the parser registered for eventType. Unregistered types yield (nil, nil).
func (r Registry[E]) Parse(ctx context.Context, eventType string, env E) (*reconcile.NormalizedPaymentEvent, error) {
	fn, ok := r[eventType]
	if !ok {
		return nil, nil
	}
	return fn(ctx, env)
}

// Types returns the registered event types.
func (r Registry[E]) Types() []string {
	types := make([]string, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	return types
}

// WebhookResponse is the JSON acknowledgment returned to providers
type WebhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
	Skipped  string `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

type webhookHandler struct {
	provider reconcile.Provider
	decode   DecodeFunc
	sink     EventSink
	logger   reconcile.Logger
	metrics  Metrics
}

// NewWebhookHandler builds the shared webhook pipeline: method check, bounded body read,
// decode (signature + parse), reconciliation and JSON acknowledgment, behind a per-IP
// rate limiter. cfg must have been passed through WithDefaults.
func NewWebhookHandler(provider reconcile.Provider, cfg Config, decode DecodeFunc) http.Handler {
	h := &webhookHandler{
		provider: provider,
		decode:   decode,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	limiter := internal.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	return limiter.Middleware(http.HandlerFunc(h.serve))
}

func (h *webhookHandler) serve(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	name := string(h.provider)
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.reply(w, http.StatusMethodNotAllowed, WebhookResponse{Error: "method not allowed"})
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookRejected(name, "payload_too_large")
			h.reply(w, http.StatusRequestEntityTooLarge, WebhookResponse{Error: "payload too large"})
		} else {
			h.metrics.RecordWebhookRejected(name, "invalid_payload")
			h.reply(w, http.StatusBadRequest, WebhookResponse{Error: "invalid payload"})
		}
		return
	}

	evt, err := h.decode(r, body)
	switch {
	case errors.Is(err, ErrInvalidWebhookSignature), errors.Is(err, ErrWebhookSecretMissing):
		h.metrics.RecordWebhookRejected(name, "auth_failed")
		h.logger.Warn("webhook rejected",
			reconcile.F("provider", name),
			reconcile.F("error", err.Error()))
		h.reply(w, http.StatusUnauthorized, WebhookResponse{Error: "unauthorized"})
		return
	case errors.Is(err, ErrProviderAPIError):
		// verification or a required provider call failed; let the provider retry
		h.metrics.RecordWebhookRejected(name, "provider_unavailable")
		h.logger.Error("webhook verification unavailable",
			reconcile.F("provider", name),
			reconcile.F("error", err.Error()))
		h.reply(w, http.StatusServiceUnavailable, WebhookResponse{Error: "provider unavailable"})
		return
	case err != nil:
		h.metrics.RecordWebhookRejected(name, "invalid_payload")
		h.logger.Warn("webhook payload rejected",
			reconcile.F("provider", name),
			reconcile.F("error", err.Error()))
		h.reply(w, http.StatusBadRequest, WebhookResponse{Error: "invalid payload"})
		return
	case evt == nil:
		h.metrics.RecordWebhook(name, "unknown", reconcile.StatusIgnored, time.Since(startTime))
		h.reply(w, http.StatusOK, WebhookResponse{Received: true, Status: reconcile.StatusIgnored})
		return
	}

	evt.Provider = h.provider
	out, err := h.sink.Handle(r.Context(), evt)
	if err != nil {
		h.metrics.RecordWebhook(name, evt.EventType, "error", time.Since(startTime))
		h.reply(w, http.StatusInternalServerError, WebhookResponse{Error: "failed to process webhook"})
		return
	}

	h.metrics.RecordWebhook(name, evt.EventType, out.Status, time.Since(startTime))
	h.reply(w, http.StatusOK, WebhookResponse{Received: true, Status: out.Status, Skipped: out.Reason()})
}

func (h *webhookHandler) reply(w http.ResponseWriter, code int, resp WebhookResponse) {
	if err := internal.WriteJSON(w, code, resp); err != nil {
		h.logger.Debug("failed to write webhook response",
			reconcile.F("provider", string(h.provider)),
			reconcile.F("error", err.Error()))
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// AllowUnsigned reports whether a webhook may be processed without a configured secret.
// It returns ErrWebhookSecretMissing in production.
func (c Config) AllowUnsigned() error {
	if c.Production() {
		return ErrWebhookSecretMissing
	}
	return nil
}
