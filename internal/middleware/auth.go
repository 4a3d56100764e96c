package middleware

import (
	"net/http"
	"strings"

	"github.com/dukerupert/manzil/internal/domain"
)

// TokenCookieName is the cookie that may carry the identity token.
const TokenCookieName = "jwt"

// TokenParser validates an identity token.
type TokenParser interface {
	ParseToken(token string) (domain.Identity, error)
}

// WithIdentity extracts the identity token from the Authorization header or
// the jwt cookie and adds the identity to the request context.
// This middleware is optional - requests without a valid token continue
// anonymously and are rejected later by RequireAuth where needed.
func WithIdentity(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, err := tokens.ParseToken(token)
			if err != nil {
				GetLogger(r.Context()).Debug("ignoring invalid identity token", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			ctx := domain.NewContextWithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth ensures the request carries an identity, returning 401 if not.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !domain.IsAuthenticated(r.Context()) {
			respondUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCapability ensures the caller's role passes allowed, returning 401
// for anonymous requests and 403 for roles without the capability.
//
//	middleware.RequireCapability(domain.Role.CanManageOrders)
func RequireCapability(allowed func(domain.Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := domain.IdentityFromContext(r.Context())
			if !ok {
				respondUnauthorized(w, r)
				return
			}
			if !allowed(id.Role) {
				respondForbidden(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tokenFromRequest prefers a Bearer token over the cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(TokenCookieName); err == nil {
		return c.Value
	}
	return ""
}
