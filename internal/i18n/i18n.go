// Package i18n renders domain error messages in the caller's language.
//
// Catalog keys are the English format strings declared in the domain
// package, so English needs no entries and an untranslated key still renders
// readable text.
package i18n

import (
	"context"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/dukerupert/manzil/internal/domain"
)

// Supported lists the languages served, preferred first.
var Supported = []language.Tag{
	language.English,
	language.Arabic,
}

var (
	matcher = language.NewMatcher(Supported)
	cat     = buildCatalog()
)

func buildCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for _, key := range domain.AllMessages {
		_ = b.SetString(language.English, key, key)
		if ar, ok := arabic[key]; ok {
			_ = b.SetString(language.Arabic, key, ar)
		}
	}
	return b
}

// Match returns the supported language that best fits an Accept-Language
// header value. Malformed or empty headers select English.
func Match(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return language.English
	}
	return Supported[idx]
}

// Translate renders key with args in lang.
func Translate(lang language.Tag, key string, args ...any) string {
	p := message.NewPrinter(lang, message.Catalog(cat))
	return p.Sprintf(key, args...)
}

// Message returns the user-facing message for err in lang. Localized domain
// errors are rendered from their catalog key. Anything else falls back to
// domain.ErrorMessage, translated when that message is itself a key.
func Message(lang language.Tag, err error) string {
	if key, args, ok := domain.ErrorKey(err); ok {
		return Translate(lang, key, args...)
	}
	msg := domain.ErrorMessage(err)
	if _, ok := arabic[msg]; ok {
		return Translate(lang, msg)
	}
	return msg
}

type contextKey struct{}

// WithLanguage returns a context carrying lang.
func WithLanguage(ctx context.Context, lang language.Tag) context.Context {
	return context.WithValue(ctx, contextKey{}, lang)
}

// FromContext returns the negotiated language, English if none was set.
func FromContext(ctx context.Context) language.Tag {
	if lang, ok := ctx.Value(contextKey{}).(language.Tag); ok {
		return lang
	}
	return language.English
}
