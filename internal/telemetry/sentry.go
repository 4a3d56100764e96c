package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// flushTimeout bounds how long shutdown and panic paths wait for queued
// events to reach Sentry.
const flushTimeout = 2 * time.Second

// scrubbedHeaders never leave the process. They carry session tokens,
// payment idempotency keys and the Stripe webhook signature.
var scrubbedHeaders = []string{"Authorization", "Cookie", "Idempotency-Key", "Stripe-Signature"}

// SentryConfig is the SENTRY_* section of the server config.
type SentryConfig struct {
	DSN         string
	Enabled     bool
	Environment string
	Release     string

	// SampleRate of zero means every error is sent.
	SampleRate float64
	// TracesSampleRate of zero turns span collection off.
	TracesSampleRate float64
	Debug            bool
}

// SentryClient records whether reporting is live for this process.
type SentryClient struct {
	enabled bool
	config  SentryConfig
}

var sentryInstance *SentryClient

// InitSentry configures error reporting for the server. With reporting off,
// or with no DSN, every helper in this file becomes a no-op. The returned
// func flushes pending events and belongs in the shutdown path.
func InitSentry(cfg SentryConfig, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	sentryInstance = &SentryClient{enabled: cfg.Enabled && cfg.DSN != "", config: cfg}
	noop := func() {}

	switch {
	case !cfg.Enabled:
		logger.Info("error reporting off", "reason", "SENTRY_ENABLED=false")
		return noop, nil
	case cfg.DSN == "":
		logger.Warn("error reporting off", "reason", "SENTRY_DSN empty")
		return noop, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 1.0
	}

	opts := sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       sampleRate,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		BeforeSend:       scrubEvent,
	}
	if err := sentry.Init(opts); err != nil {
		sentryInstance.enabled = false
		return nil, fmt.Errorf("init sentry: %w", err)
	}

	logger.Info("error reporting on",
		"environment", cfg.Environment,
		"release", cfg.Release,
		"sample_rate", sampleRate,
		"traces_sample_rate", cfg.TracesSampleRate,
	)
	return func() { sentry.Flush(flushTimeout) }, nil
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Request == nil {
		return event
	}
	for _, h := range scrubbedHeaders {
		delete(event.Request.Headers, h)
	}
	event.Request.Cookies = ""
	return event
}

// IsEnabled reports whether events are being sent.
func IsEnabled() bool {
	return sentryInstance != nil && sentryInstance.enabled
}

func setExtras(scope *sentry.Scope, extras map[string]interface{}) {
	for k, v := range extras {
		scope.SetExtra(k, v)
	}
}

// CaptureError reports err on the process hub. Use it from background code
// such as the outbox relay and the webhook dispatcher; request handlers
// should prefer CaptureErrorFromContext.
func CaptureError(err error, extras ...map[string]interface{}) {
	if !IsEnabled() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		if len(extras) > 0 {
			setExtras(scope, extras[0])
		}
		sentry.CaptureException(err)
	})
}

// CaptureMessage reports a condition that is not an error value, such as a
// paid order that could not be covered by stock.
func CaptureMessage(message string, level sentry.Level, extras ...map[string]interface{}) {
	if !IsEnabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		if len(extras) > 0 {
			setExtras(scope, extras[0])
		}
		sentry.CaptureMessage(message)
	})
}

// AddBreadcrumb records a step that is attached to the next captured event.
func AddBreadcrumb(category, message string, data map[string]interface{}) {
	if !IsEnabled() {
		return
	}
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category: category,
		Message:  message,
		Data:     data,
		Level:    sentry.LevelInfo,
	})
}

// StartSpan opens a span named op under any span already in ctx. Call the
// returned func when the unit of work ends.
func StartSpan(ctx context.Context, op, description string) (context.Context, func()) {
	if !IsEnabled() {
		return ctx, func() {}
	}
	span := sentry.StartSpan(ctx, op)
	span.Description = description
	return span.Context(), span.Finish
}

// RecoverWithSentry is deferred at the top of the server command. It reports
// the panic, flushes, and panics again so the process still exits non-zero.
func RecoverWithSentry() {
	r := recover()
	if r == nil {
		return
	}
	if IsEnabled() {
		sentry.CurrentHub().Recover(r)
		sentry.Flush(flushTimeout)
	}
	panic(r)
}

func requestHub(r *http.Request) *sentry.Hub {
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		return hub
	}
	return sentry.CurrentHub().Clone()
}

// SentryMiddleware gives each request its own hub and reports handler
// panics on it. Panics are re-raised for an outer recovery middleware.
func SentryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			hub := requestHub(r)
			hub.Scope().SetRequest(r)
			ctx := sentry.SetHubOnContext(r.Context(), hub)

			defer func() {
				if err := recover(); err != nil {
					hub.RecoverWithContext(ctx, err)
					sentry.Flush(flushTimeout)
					// router.Recovery writes the response.
					panic(err)
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserInfo is the caller as seen by error reports. No email or name.
type UserInfo struct {
	ID   string
	Role string
}

// UserContextExtractor returns the authenticated caller, or nil for guests.
type UserContextExtractor func(ctx context.Context) *UserInfo

// SentryContextMiddleware tags the request hub with the route and the
// caller's id and role. It must run after authentication so the extractor
// can see the caller.
func SentryContextMiddleware(userExtractor UserContextExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			hub := requestHub(r)
			hub.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetContext("request", map[string]interface{}{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if userExtractor == nil {
					return
				}
				if user := userExtractor(r.Context()); user != nil {
					scope.SetUser(sentry.User{ID: user.ID})
					if user.Role != "" {
						scope.SetTag("role", user.Role)
					}
				}
			})

			next.ServeHTTP(w, r.WithContext(sentry.SetHubOnContext(r.Context(), hub)))
		})
	}
}

// CaptureErrorFromContext reports err on the request hub so the event
// carries the caller and route set by SentryContextMiddleware. Outside a
// request it falls back to the process hub.
func CaptureErrorFromContext(ctx context.Context, err error, extras map[string]interface{}) {
	if !IsEnabled() || err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		setExtras(scope, extras)
		hub.CaptureException(err)
	})
}

// HTTPTransport records outbound calls, such as those to the payment
// provider, as http.client spans. Responses of 500 and above mark the span
// as failed.
type HTTPTransport struct {
	Transport http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *HTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !IsEnabled() {
		return t.Transport.RoundTrip(req)
	}

	span := sentry.StartSpan(req.Context(), "http.client")
	span.Description = req.Method + " " + req.URL.Host
	defer span.Finish()

	resp, err := t.Transport.RoundTrip(req)
	switch {
	case err != nil:
		span.Status = sentry.SpanStatusInternalError
	case resp.StatusCode >= http.StatusInternalServerError:
		span.Status = sentry.SpanStatusInternalError
		span.SetData("http.status_code", resp.StatusCode)
	default:
		span.Status = sentry.SpanStatusOK
		span.SetData("http.status_code", resp.StatusCode)
	}
	return resp, err
}
