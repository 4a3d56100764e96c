package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/handler"
)

// IdempotencyKeyHeader lets clients retry intent creation safely.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 255

// PaymentHandler serves payment preparation.
type PaymentHandler struct {
	orders domain.OrderService
	logger *slog.Logger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(orders domain.OrderService, logger *slog.Logger) *PaymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandler{
		orders: orders,
		logger: logger,
	}
}

// CreateIntent handles POST /api/payments/intent
//
// The body is either {"orderId": "..."} for an existing unpaid order or
// {"orderItems": [...]} for a cart. The response carries the client secret
// the browser needs to confirm the card payment.
func (h *PaymentHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	const op = "payment.create_intent"

	id, ok := identity(w, r)
	if !ok {
		return
	}

	var params domain.PreparePaymentParams
	if err := handler.DecodeJSON(r, op, &params); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	params.Identity = id

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKeyLength {
		handler.ErrorResponse(w, r, domain.NewValidationError(op, IdempotencyKeyHeader, "must be at most 255 characters"))
		return
	}
	params.IdempotencyKey = key

	prep, err := h.orders.PreparePayment(r.Context(), params)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, prep)
}
