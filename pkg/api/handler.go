package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/projectelevate-biz/rebound-relay/pkg/billing"
	"github.com/projectelevate-biz/rebound-relay/pkg/reconcile"
)

const (
	maxBodyBytes     = 1 << 20
	maxTenantIDLen   = 255
	paramOrgID       = "orgID"
	paramInvoiceID   = "invoiceID"
	errInternalError = "internal error"
)

var (
	errMissingActor = errors.New("actor not found")
	errInvalidOrgID = errors.New("invalid organization id")
	errUnknownPlan  = errors.New("no plan checkout for provider")
)

// requestError is a client error detected before any state was touched
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

// Handler provides the collaborator endpoints for invoices and credits
type Handler struct {
	config    Config
	checkouts map[reconcile.Provider]billing.PlanCheckout
	validate  *validator.Validate
}

// Routes returns a router serving every endpoint under /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/invoices", h.CreateInvoice)
		r.Get("/invoices/{invoiceID}", h.GetInvoice)
		r.Get("/commission", h.GetCommission)
		r.Put("/commission", h.SetCommission)
		r.Route("/organizations/{orgID}", func(r chi.Router) {
			r.Get("/credits", h.GetCredits)
			r.Post("/credits", h.GrantCredits)
			r.Post("/credits/deduct", h.DeductCredits)
			r.Post("/credits/adjust", h.AdjustCredits)
			r.Post("/credits/recalculate", h.RecalculateCredits)
			r.Get("/transactions", h.ListTransactions)
			r.Post("/checkout", h.CreatePlanCheckout)
		})
	})
	return r
}

// CreateInvoice persists a PENDING invoice and returns its hosted checkout URL
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.config.Invoices.CreateInvoiceAndCheckout(r.Context(), req.EngagementID, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// GetInvoice returns the current state of an invoice
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.config.Invoices.GetInvoice(r.Context(), chi.URLParam(r, paramInvoiceID))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, InvoiceResponse{
		InvoiceID:       inv.ID,
		EngagementID:    inv.EngagementID,
		OrganizationID:  inv.TenantID,
		Status:          string(inv.Status),
		Amount:          inv.Amount,
		Currency:        inv.Currency,
		Commission:      inv.Commission,
		Payout:          inv.Payout,
		CommissionRate:  inv.CommissionRate.String(),
		Provider:        string(inv.Provider),
		PaymentIntentID: inv.PaymentIntentID,
		FailureReason:   inv.FailureReason,
		CreatedAt:       inv.CreatedAt,
		UpdatedAt:       inv.UpdatedAt,
	})
}

// GetCommission reports the rate applied to new invoices
func (h *Handler) GetCommission(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, CommissionResponse{Rate: h.config.Invoices.CommissionRate().String()})
}

// SetCommission changes the rate applied to new invoices. Existing invoices keep theirs.
func (h *Handler) SetCommission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	if err := h.config.Policy.Authorize(r.Context(), actor, reconcile.PermissionManageInvoices); err != nil {
		h.handleError(w, r, err)
		return
	}
	var req CommissionRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		h.handleError(w, r, &requestError{msg: "rate must be a decimal"})
		return
	}
	if err := h.config.Invoices.SetCommissionRate(rate); err != nil {
		h.handleError(w, r, &requestError{msg: err.Error()})
		return
	}
	h.config.Logger.Info("commission rate changed",
		reconcile.F("actor", actor),
		reconcile.F("rate", rate.String()))
	h.writeJSON(w, http.StatusOK, CommissionResponse{Rate: rate.String()})
}

// GetCredits returns every balance the organization holds
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	balances, err := h.config.Ledger.GetOrganizationCredits(r.Context(), orgID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, creditsResponse(orgID, balances))
}

// GrantCredits adds credits on behalf of an operator. Replaying a payment id is a no-op.
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req GrantCreditsRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	balance, err := h.config.Ledger.GrantCredits(r.Context(), actor, reconcile.AddCreditsRequest{
		TenantID:   orgID,
		CreditType: reconcile.CreditType(req.CreditType),
		Amount:     req.Amount,
		PaymentID:  req.PaymentID,
		ExpiresAt:  req.ExpiresAt,
		Metadata:   map[string]string{"reason": req.Reason},
	})
	if err != nil && !reconcile.IsAlreadyApplied(err) {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{
		OrganizationID: orgID,
		CreditType:     req.CreditType,
		Balance:        balance,
	})
}

// AdjustCredits applies an operator correction that may leave a negative balance
func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req AdjustCreditsRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	balance, err := h.config.Ledger.AdjustCredits(r.Context(), actor, reconcile.AdjustCreditsRequest{
		TenantID:   orgID,
		CreditType: reconcile.CreditType(req.CreditType),
		Delta:      req.Delta,
		PaymentID:  req.PaymentID,
		Reason:     req.Reason,
	})
	if err != nil && !reconcile.IsAlreadyApplied(err) {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{
		OrganizationID: orgID,
		CreditType:     req.CreditType,
		Balance:        balance,
	})
}

// DeductCredits consumes credits. It answers 402 when the balance does not cover the amount.
func (h *Handler) DeductCredits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	var req DeductCreditsRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	var metadata map[string]string
	if req.Reason != "" {
		metadata = map[string]string{"reason": req.Reason}
	}
	balance, err := h.config.Ledger.DeductCredits(r.Context(), reconcile.DeductCreditsRequest{
		TenantID:   orgID,
		CreditType: reconcile.CreditType(req.CreditType),
		Amount:     req.Amount,
		PaymentID:  req.PaymentID,
		Metadata:   metadata,
	})
	if err != nil && !reconcile.IsAlreadyApplied(err) {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{
		OrganizationID: orgID,
		CreditType:     req.CreditType,
		Balance:        balance,
	})
}

// RecalculateCredits rebuilds the organization's cached balances from the ledger
func (h *Handler) RecalculateCredits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	balances, err := h.config.Ledger.RecalculateAs(r.Context(), actor, orgID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, creditsResponse(orgID, balances))
}

// ListTransactions returns the organization's ledger, oldest first
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	if err := h.config.Policy.Authorize(r.Context(), actor, reconcile.PermissionReadCredits); err != nil {
		h.handleError(w, r, err)
		return
	}
	rows, err := h.config.Ledger.ListTransactions(r.Context(), orgID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	out := TransactionsResponse{
		OrganizationID: orgID,
		Transactions:   make([]TransactionResponse, 0, len(rows)),
	}
	for _, tx := range rows {
		out.Transactions = append(out.Transactions, TransactionResponse{
			ID:         tx.ID,
			CreditType: string(tx.CreditType),
			Kind:       string(tx.Kind),
			Amount:     tx.Amount,
			PaymentID:  tx.PaymentID,
			ExpiresAt:  tx.ExpiresAt,
			Metadata:   tx.Metadata,
			CreatedAt:  tx.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// CreatePlanCheckout opens a subscription checkout for the organization with one provider
func (h *Handler) CreatePlanCheckout(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgID(w, r)
	if !ok {
		return
	}
	var req PlanCheckoutRequest
	if err := h.decode(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	pc, found := h.checkouts[reconcile.Provider(strings.ToLower(req.Provider))]
	if !found {
		h.handleError(w, r, fmt.Errorf("%w: %s", errUnknownPlan, req.Provider))
		return
	}
	// reuse the provider customer already linked to the organization, if any
	var customerID string
	tenant, err := h.config.Ledger.GetTenant(r.Context(), orgID)
	switch {
	case err == nil:
		customerID = tenant.CustomerID(pc.Name())
	case !errors.Is(err, reconcile.ErrTenantNotFound):
		h.handleError(w, r, err)
		return
	}
	session, err := pc.CheckoutForPlan(r.Context(), billing.PlanCheckoutRequest{
		TenantID:   orgID,
		PlanID:     req.PlanID,
		Email:      req.Email,
		CustomerID: customerID,
		Yearly:     req.Yearly,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, CheckoutResponse{SessionID: session.ID, CheckoutURL: session.URL})
}

func creditsResponse(orgID string, balances map[reconcile.CreditType]int64) CreditsResponse {
	out := CreditsResponse{OrganizationID: orgID, Credits: make(map[string]int64, len(balances))}
	for creditType, balance := range balances {
		out.Credits[string(creditType)] = balance
	}
	return out
}

func (h *Handler) orgID(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID := strings.TrimSpace(chi.URLParam(r, paramOrgID))
	if orgID == "" || len(orgID) > maxTenantIDLen {
		h.handleError(w, r, &requestError{msg: errInvalidOrgID.Error()})
		return "", false
	}
	return orgID, true
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(h.config.GetActor(r))
	if actor == "" {
		h.handleError(w, r, errMissingActor)
		return "", false
	}
	return actor, true
}

// decode reads a JSON body into dst and validates it
func (h *Handler) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &requestError{msg: "invalid request body: " + err.Error()}
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			sort.Strings(msgs)
			return &requestError{msg: "invalid request: " + strings.Join(msgs, ", ")}
		}
		return &requestError{msg: err.Error()}
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, reconcile.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, errMissingActor):
		return http.StatusUnauthorized
	case errors.Is(err, reconcile.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, reconcile.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, reconcile.ErrTenantNotFound),
		errors.Is(err, reconcile.ErrEngagementNotFound),
		errors.Is(err, reconcile.ErrInvoiceNotFound),
		errors.Is(err, reconcile.ErrPlanNotFound),
		errors.Is(err, billing.ErrPlanNotConfigured),
		errors.Is(err, errUnknownPlan):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrInvoiceOutstanding):
		return http.StatusConflict
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	case errors.Is(err, reconcile.ErrCheckoutUnavailable),
		errors.Is(err, billing.ErrProviderNotConfigured),
		errors.Is(err, reconcile.ErrCircuitOpen),
		errors.Is(err, reconcile.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err with the status it maps to. Internal errors are logged and masked.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("collaborator api request failed",
			reconcile.F("method", r.Method),
			reconcile.F("path", r.URL.Path),
			reconcile.F("status", status),
			reconcile.F("error", err.Error()))
		if status == http.StatusInternalServerError {
			msg = errInternalError
		}
	}
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Warn("failed to encode response", reconcile.F("error", err.Error()))
	}
}
