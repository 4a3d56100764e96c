package api

import (
	"net/http"

	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/handler"
)

// DashboardHandler serves the admin dashboard.
type DashboardHandler struct {
	dashboard domain.DashboardService
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(dashboard domain.DashboardService) *DashboardHandler {
	return &DashboardHandler{dashboard: dashboard}
}

// Stats handles GET /api/admin/dashboard
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	stats, err := h.dashboard.GetDashboardStats(r.Context(), id)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, stats)
}
