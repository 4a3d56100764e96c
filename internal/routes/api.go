package routes

import (
	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/middleware"
	"github.com/dukerupert/manzil/internal/router"
)

// RegisterAPIRoutes registers the JSON API. Every route except sign in
// requires an identity; order administration and the dashboard also
// require the matching role capability.
func RegisterAPIRoutes(r *router.Router, deps APIDeps) {
	// Public
	if deps.AuthRateLimit != nil {
		r.Post("/api/auth/login", deps.AuthHandler.Login, deps.AuthRateLimit)
	} else {
		r.Post("/api/auth/login", deps.AuthHandler.Login)
	}
	r.Post("/api/auth/logout", deps.AuthHandler.Logout)

	// Authenticated customers
	authed := r.Group(middleware.RequireAuth)
	authed.Post("/api/orders", deps.OrderHandler.Create)
	authed.Get("/api/orders/mine", deps.OrderHandler.Mine)
	authed.Get("/api/orders/{id}", deps.OrderHandler.Get)
	authed.Post("/api/payments/intent", deps.PaymentHandler.CreateIntent)

	// Admin and owner
	orderAdmin := r.Group(middleware.RequireCapability(domain.Role.CanManageOrders))
	orderAdmin.Get("/api/orders", deps.OrderHandler.List)
	orderAdmin.Put("/api/orders/{id}/status", deps.OrderHandler.UpdateStatus)

	dashboard := r.Group(middleware.RequireCapability(domain.Role.CanViewDashboard))
	dashboard.Get("/api/admin/dashboard", deps.DashboardHandler.Stats)
}
