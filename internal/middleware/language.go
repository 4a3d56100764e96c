package middleware

import (
	"net/http"

	"github.com/dukerupert/manzil/internal/i18n"
)

// Language negotiates the response language from Accept-Language and stores
// it on the request context for handlers rendering localized errors.
func Language(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lang := i18n.Match(r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Language", lang.String())
		w.Header().Add("Vary", "Accept-Language")
		next.ServeHTTP(w, r.WithContext(i18n.WithLanguage(r.Context(), lang)))
	})
}
