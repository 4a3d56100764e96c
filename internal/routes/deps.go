package routes

import (
	"net/http"

	"github.com/dukerupert/manzil/internal/handler/api"
)

// APIDeps contains dependencies for API routes
type APIDeps struct {
	AuthHandler      *api.AuthHandler
	OrderHandler     *api.OrderHandler
	PaymentHandler   *api.PaymentHandler
	DashboardHandler *api.DashboardHandler

	// AuthRateLimit is applied to sign in on top of the global limit.
	AuthRateLimit func(http.Handler) http.Handler
}

// WebhookDeps contains dependencies for webhook routes
type WebhookDeps struct {
	StripeHandler http.HandlerFunc
}
