// Package api exposes the operator HTTP surface: manual payout control,
// rate administration, reporting, and an HTTP ingestion path for order
// settlements.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"vendorpay/internal/commission"
	"vendorpay/internal/common/api"
	"vendorpay/internal/common/database"
	"vendorpay/internal/common/middleware"
	"vendorpay/internal/common/money"
	"vendorpay/internal/payout"
)

// Handler handles settlement HTTP requests.
type Handler struct {
	ledger    *commission.Ledger
	scheduler *payout.Scheduler
	processor *payout.Processor
	payouts   payout.Store
	logger    *slog.Logger
}

// NewHandler creates a new settlement handler.
func NewHandler(ledger *commission.Ledger, scheduler *payout.Scheduler, processor *payout.Processor, payouts payout.Store, logger *slog.Logger) *Handler {
	return &Handler{
		ledger:    ledger,
		scheduler: scheduler,
		processor: processor,
		payouts:   payouts,
		logger:    logger,
	}
}

// Routes returns the settlement routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Ingestion (service-to-service alternative to the event stream).
	r.Post("/orders/settled", h.OrderSettled)
	r.Post("/orders/reversed", h.OrderReversed)

	// Reporting.
	r.Get("/commissions", h.ListCommissions)
	r.Get("/commissions/{id}", h.GetCommission)
	r.Get("/payouts", h.ListPayouts)
	r.Get("/payouts/{id}", h.GetPayout)
	r.Get("/payouts/{id}/commissions", h.ListPayoutCommissions)
	r.Get("/rates", h.ListRateRules)

	// Operator actions.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireOperator)
		r.Post("/payouts", h.RequestPayout)
		r.Post("/payouts/{id}/retry", h.RetryPayout)
		r.Post("/payouts/{id}/cancel", h.CancelPayout)
		r.Post("/rates", h.SetRateRule)
	})

	return r
}

// OrderSettledRequest is the HTTP ingestion form of an order settlement.
type OrderSettledRequest struct {
	OrderID     string   `json:"order_id" validate:"required,max=64"`
	VendorID    string   `json:"vendor_id" validate:"required,max=64"`
	GrossMinor  int64    `json:"gross_minor"`
	Currency    string   `json:"currency" validate:"required,len=3"`
	CategoryIDs []string `json:"category_ids"`
	SettledAt   string   `json:"settled_at"`
}

// OrderSettled handles POST /orders/settled.
func (h *Handler) OrderSettled(w http.ResponseWriter, r *http.Request) {
	var req OrderSettledRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	settledAt := time.Now().UTC()
	if req.SettledAt != "" {
		t, err := time.Parse(time.RFC3339, req.SettledAt)
		if err != nil {
			api.BadRequest(w, "settled_at must be RFC 3339")
			return
		}
		settledAt = t
	}

	order := commission.OrderSettlement{
		OrderID:     req.OrderID,
		VendorID:    req.VendorID,
		Gross:       money.New(req.GrossMinor, money.Currency(req.Currency)),
		CategoryIDs: req.CategoryIDs,
		SettledAt:   settledAt,
	}

	c, err := h.ledger.HandleOrderSettled(r.Context(), order)
	if err != nil {
		switch {
		case errors.Is(err, commission.ErrInvalidAmount):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "gross amount must be positive; order parked for review")
		case errors.Is(err, commission.ErrNoRateConfigured):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeNoRate, "no commission rate configured for vendor")
		case database.IsNotFound(err):
			api.NotFound(w, "vendor not found")
		default:
			h.logger.Error("order settlement failed", "error", err, "order_id", req.OrderID)
			api.InternalError(w, "failed to process settlement")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, c)
}

// OrderReversedRequest is the HTTP ingestion form of an order reversal.
type OrderReversedRequest struct {
	OrderID  string `json:"order_id" validate:"required,max=64"`
	VendorID string `json:"vendor_id" validate:"required,max=64"`
	Reason   string `json:"reason" validate:"max=255"`
}

// OrderReversed handles POST /orders/reversed.
func (h *Handler) OrderReversed(w http.ResponseWriter, r *http.Request) {
	var req OrderReversedRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.ledger.HandleOrderReversed(r.Context(), req.OrderID, req.VendorID, req.Reason); err != nil {
		h.logger.Error("order reversal failed", "error", err, "order_id", req.OrderID)
		api.InternalError(w, "failed to process reversal")
		return
	}

	api.WriteData(w, http.StatusAccepted, map[string]string{"order_id": req.OrderID, "status": "processed"})
}

// ListCommissions handles GET /commissions.
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 50, 200)

	filter := commission.ListFilter{
		VendorID: r.URL.Query().Get("vendor_id"),
		Status:   commission.Status(r.URL.Query().Get("status")),
		PayoutID: r.URL.Query().Get("payout_id"),
		Limit:    params.Limit,
		Offset:   params.Offset,
	}

	commissions, total, err := h.ledger.ListCommissions(r.Context(), filter)
	if err != nil {
		api.InternalError(w, "failed to list commissions")
		return
	}

	api.WritePaginated(w, commissions, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(commissions)) < total,
	})
}

// GetCommission handles GET /commissions/{id}.
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	c, err := h.ledger.GetCommission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "commission not found")
			return
		}
		api.InternalError(w, "failed to load commission")
		return
	}
	api.WriteData(w, http.StatusOK, c)
}

// RequestPayoutRequest asks for an on-demand payout.
type RequestPayoutRequest struct {
	VendorID       string `json:"vendor_id" validate:"required,max=64"`
	MaxAmountMinor int64  `json:"max_amount_minor" validate:"gte=0"`
	Currency       string `json:"currency" validate:"required_with=MaxAmountMinor,omitempty,len=3"`
	Notes          string `json:"notes" validate:"max=255"`
}

// RequestPayout handles POST /payouts.
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req RequestPayoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var maxAmount *money.Money
	if req.MaxAmountMinor > 0 {
		m := money.New(req.MaxAmountMinor, money.Currency(req.Currency))
		maxAmount = &m
	}

	operatorID := middleware.GetOperatorID(r.Context())

	p, err := h.scheduler.RequestManualPayout(r.Context(), req.VendorID, maxAmount, operatorID)
	if err != nil {
		switch {
		case errors.Is(err, payout.ErrNothingUnpaid):
			api.WriteError(w, http.StatusConflict, api.ErrCodeConflict, "vendor has no unpaid commissions")
		case errors.Is(err, commission.ErrStaleCommission):
			api.WriteError(w, http.StatusConflict, api.ErrCodeConflict, "commissions were reserved concurrently, retry")
		case database.IsNotFound(err):
			api.NotFound(w, "vendor not found")
		default:
			h.logger.Error("manual payout failed", "error", err, "vendor_id", req.VendorID)
			api.InternalError(w, "failed to create payout")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, p)
}

// ListPayouts handles GET /payouts.
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 50, 200)

	filter := payout.ListFilter{
		VendorID: r.URL.Query().Get("vendor_id"),
		Status:   payout.Status(r.URL.Query().Get("status")),
		Limit:    params.Limit,
		Offset:   params.Offset,
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			api.BadRequest(w, "from must be RFC 3339")
			return
		}
		filter.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			api.BadRequest(w, "to must be RFC 3339")
			return
		}
		filter.To = t
	}

	payouts, total, err := h.payouts.List(r.Context(), filter)
	if err != nil {
		api.InternalError(w, "failed to list payouts")
		return
	}

	api.WritePaginated(w, payouts, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(payouts)) < total,
	})
}

// GetPayout handles GET /payouts/{id}.
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.payouts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payout not found")
			return
		}
		api.InternalError(w, "failed to load payout")
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ListPayoutCommissions handles GET /payouts/{id}/commissions.
func (h *Handler) ListPayoutCommissions(w http.ResponseWriter, r *http.Request) {
	commissions, err := h.ledger.ListByPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.InternalError(w, "failed to list payout commissions")
		return
	}
	api.WriteData(w, http.StatusOK, commissions)
}

// RetryPayout handles POST /payouts/{id}/retry.
func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.processor.Retry(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, payout.ErrInvalidState):
			api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidState, "payout is not retryable in its current state")
		case database.IsNotFound(err):
			api.NotFound(w, "payout not found")
		default:
			h.logger.Error("payout retry failed", "error", err, "payout_id", id)
			api.InternalError(w, "failed to retry payout")
		}
		return
	}

	p, err := h.payouts.Get(r.Context(), id)
	if err != nil {
		api.InternalError(w, "failed to load payout")
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// CancelPayoutRequest carries the operator's cancellation reason.
type CancelPayoutRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// CancelPayout handles POST /payouts/{id}/cancel.
func (h *Handler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CancelPayoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.processor.Cancel(r.Context(), id, req.Reason); err != nil {
		switch {
		case errors.Is(err, payout.ErrInvalidState):
			api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidState, "only pending or failed payouts can be cancelled")
		case database.IsNotFound(err):
			api.NotFound(w, "payout not found")
		default:
			h.logger.Error("payout cancel failed", "error", err, "payout_id", id)
			api.InternalError(w, "failed to cancel payout")
		}
		return
	}

	p, err := h.payouts.Get(r.Context(), id)
	if err != nil {
		api.InternalError(w, "failed to load payout")
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// SetRateRuleRequest creates a vendor category rate rule.
type SetRateRuleRequest struct {
	VendorID      string  `json:"vendor_id" validate:"required,max=64"`
	CategoryID    string  `json:"category_id" validate:"required,max=64"`
	Rate          float64 `json:"rate" validate:"gte=0,lte=1"`
	EffectiveFrom string  `json:"effective_from" validate:"required"`
	EffectiveTo   string  `json:"effective_to"`
}

// SetRateRule handles POST /rates.
func (h *Handler) SetRateRule(w http.ResponseWriter, r *http.Request) {
	var req SetRateRuleRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	rate, err := money.NewRateFromDecimal(req.Rate)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	effectiveFrom, err := time.Parse(time.RFC3339, req.EffectiveFrom)
	if err != nil {
		api.BadRequest(w, "effective_from must be RFC 3339")
		return
	}
	var effectiveTo *time.Time
	if req.EffectiveTo != "" {
		t, err := time.Parse(time.RFC3339, req.EffectiveTo)
		if err != nil {
			api.BadRequest(w, "effective_to must be RFC 3339")
			return
		}
		effectiveTo = &t
	}

	rule, err := h.ledger.SetRateRule(r.Context(), req.VendorID, req.CategoryID, rate, effectiveFrom, effectiveTo)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusCreated, rule)
}

// ListRateRules handles GET /rates.
func (h *Handler) ListRateRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.ledger.ListRateRules(r.Context())
	if err != nil {
		api.InternalError(w, "failed to list rate rules")
		return
	}
	api.WriteData(w, http.StatusOK, rules)
}
