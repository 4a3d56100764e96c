package api

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/manzil/internal/cookie"
	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/handler"
	"github.com/dukerupert/manzil/internal/middleware"
)

// AuthHandler serves password sign in and sign out.
type AuthHandler struct {
	auth    domain.AuthService
	cookies *cookie.Config
	logger  *slog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(auth domain.AuthService, cookies *cookie.Config, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cookies == nil {
		cookies = cookie.NewConfig("", true)
	}
	return &AuthHandler{
		auth:    auth,
		cookies: cookies,
		logger:  logger,
	}
}

// Login handles POST /api/auth/login
//
// The token is returned in the body and also set as an HttpOnly cookie so
// browser clients do not need to store it.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var params domain.LoginParams
	if err := handler.DecodeJSON(r, "auth.login", &params); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	logger := middleware.GetLogger(r.Context(), h.logger)

	session, err := h.auth.Login(r.Context(), params)
	if err != nil {
		if domain.IsCode(err, domain.EUNAUTHORIZED) {
			logger.WarnContext(r.Context(), "login failed",
				"client_ip", middleware.GetClientIPFromContext(r.Context()),
			)
		}
		handler.ErrorResponse(w, r, err)
		return
	}

	h.cookies.SetSession(w, middleware.TokenCookieName, session.Token, session.ExpiresAt)

	logger.InfoContext(r.Context(), "login succeeded",
		"user_id", session.User.ID,
		"role", session.User.Role,
	)
	handler.JSON(w, http.StatusOK, session)
}

// Logout handles POST /api/auth/logout
//
// Tokens are stateless, so this only clears the cookie. Bearer clients
// discard the token themselves.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.cookies.ClearSession(w, middleware.TokenCookieName)
	w.WriteHeader(http.StatusNoContent)
}
