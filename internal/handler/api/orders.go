// Package api serves the JSON API under /api.
package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/handler"
	"github.com/dukerupert/manzil/internal/middleware"
)

// OrderHandler serves the order endpoints.
type OrderHandler struct {
	orders domain.OrderService
	logger *slog.Logger
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orders domain.OrderService, logger *slog.Logger) *OrderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

// Create handles POST /api/orders
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var params domain.CreateOrderParams
	if err := handler.DecodeJSON(r, "order.create", &params); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	params.Identity = id

	order, err := h.orders.CreateOrder(r.Context(), params)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	middleware.GetLogger(r.Context(), h.logger).InfoContext(r.Context(), "order created",
		"order_id", order.ID,
		"total", order.TotalPrice.String(),
		"paid", order.IsPaid,
	)
	handler.JSON(w, http.StatusCreated, order)
}

// Mine handles GET /api/orders/mine
func (h *OrderHandler) Mine(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.ListOrdersForUser(r.Context(), id)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, nonNil(orders))
}

// Get handles GET /api/orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDFromPath(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id, orderID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, order)
}

// List handles GET /api/orders
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.ListAllOrders(r.Context(), id)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, nonNil(orders))
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /api/orders/{id}/status
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDFromPath(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := handler.DecodeJSON(r, "order.update_status", &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	order, err := h.orders.UpdateOrderStatus(r.Context(), id, orderID, req.Status)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, order)
}

// identity returns the caller or writes a 401. Routes that reach these
// handlers are wrapped in RequireAuth, so the 401 path is a fallback.
func identity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := domain.IdentityFromContext(r.Context())
	if !ok {
		handler.UnauthorizedResponse(w, r)
		return domain.Identity{}, false
	}
	return id, true
}

// orderIDFromPath parses {id}. A malformed id cannot name an order, so it
// is reported as not found.
func orderIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		handler.ErrorResponse(w, r, domain.ErrOrderNotFound)
		return uuid.Nil, false
	}
	return orderID, true
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil(orders []domain.Order) []domain.Order {
	if orders == nil {
		return []domain.Order{}
	}
	return orders
}
