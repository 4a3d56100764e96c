// Package webhook receives payment processor callbacks.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/dukerupert/manzil/internal/billing"
	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/handler"
	"github.com/dukerupert/manzil/internal/middleware"
	"github.com/dukerupert/manzil/internal/telemetry"
)

// StripeHandler handles Stripe webhook events
type StripeHandler struct {
	provider billing.Provider
	orders   domain.OrderService
	config   StripeWebhookConfig
	logger   *slog.Logger
}

// StripeWebhookConfig contains configuration for Stripe webhook handling
type StripeWebhookConfig struct {
	// WebhookSecret is the webhook signing secret from Stripe dashboard
	WebhookSecret string

	// ProcessTimeout bounds the work done for a single event.
	ProcessTimeout time.Duration
}

// NewStripeHandler creates a new Stripe webhook handler
func NewStripeHandler(provider billing.Provider, orders domain.OrderService, config StripeWebhookConfig, logger *slog.Logger) *StripeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = 15 * time.Second
	}
	return &StripeHandler{
		provider: provider,
		orders:   orders,
		config:   config,
		logger:   logger,
	}
}

// errRetry marks failures Stripe should redeliver.
var errRetry = errors.New("webhook: retryable failure")

// HandleWebhook processes incoming Stripe webhook events
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/webhooks/stripe
//	stripe trigger payment_intent.succeeded
//
// Every verified event is acknowledged with 200 unless processing hit an
// internal error, in which case a 500 asks Stripe to retry.
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	logger := middleware.GetLogger(r.Context(), h.logger)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			handler.ErrorResponse(w, r, domain.Localized(domain.ETOOLARGE, "webhook.stripe", domain.MsgRequestTooLarge))
			return
		}
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "webhook.stripe", "Error reading request body"))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		logger.WarnContext(r.Context(), "webhook missing signature")
		h.failed("unknown", "missing_signature")
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "webhook.stripe", "Missing signature"))
		return
	}

	if err := h.provider.VerifyWebhookSignature(payload, signature, h.config.WebhookSecret); err != nil {
		logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		h.failed("unknown", "invalid_signature")
		handler.ErrorResponse(w, r, domain.Errorf(domain.EUNAUTHORIZED, "webhook.stripe", "Invalid signature"))
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.WarnContext(r.Context(), "webhook payload is not a stripe event", "error", err)
		h.failed("unknown", "invalid_json")
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "webhook.stripe", "Invalid JSON"))
		return
	}

	eventType := string(event.Type)
	logger = logger.With("event_id", event.ID, "event_type", eventType)
	logger.InfoContext(r.Context(), "stripe event received")

	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(eventType).Inc()
	}
	defer func() {
		if telemetry.Business != nil {
			telemetry.Business.WebhookLatency.WithLabelValues(eventType).Observe(time.Since(startTime).Seconds())
		}
	}()

	telemetry.AddBreadcrumb("webhook", "stripe event received", map[string]interface{}{
		"event_id":   event.ID,
		"event_type": eventType,
	})

	// Finish processing even if Stripe hangs up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.config.ProcessTimeout)
	defer cancel()

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		err = h.handlePaymentIntentSucceeded(ctx, logger, event)

	case stripe.EventTypePaymentIntentPaymentFailed:
		err = h.handlePaymentIntentFailed(ctx, logger, event)

	case stripe.EventTypePaymentIntentCanceled:
		err = h.handlePaymentIntentCanceled(ctx, logger, event)

	default:
		logger.DebugContext(ctx, "unhandled stripe event type")
	}

	if errors.Is(err, errRetry) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"received":false}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

// handlePaymentIntentSucceeded confirms the order the payment belongs to.
// Orders paid at checkout are already confirmed, which makes this a no-op.
func (h *StripeHandler) handlePaymentIntentSucceeded(ctx context.Context, logger *slog.Logger, event stripe.Event) error {
	const eventType = string(stripe.EventTypePaymentIntentSucceeded)

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		logger.ErrorContext(ctx, "failed to parse payment intent", "error", err)
		h.failed(eventType, "invalid_payload")
		return nil
	}
	logger = logger.With("payment_intent_id", pi.ID)

	order, err := h.orders.ConfirmPayment(ctx, pi.ID)
	if err != nil {
		switch domain.ErrorCode(err) {
		case domain.ENOTFOUND:
			// Paid before the order was submitted; CreateOrder will
			// consume the handle.
			logger.InfoContext(ctx, "no order for payment yet")
			h.processed(eventType)
			return nil
		case domain.EPAYMENT, domain.ECONFLICT:
			logger.WarnContext(ctx, "payment rejected for order", "error", err, "code", domain.ErrorCode(err))
			h.failed(eventType, domain.ErrorCode(err))
			return nil
		default:
			logger.ErrorContext(ctx, "failed to confirm payment", "error", err)
			h.failed(eventType, "confirm_failed")
			telemetry.CaptureError(err, map[string]interface{}{
				"payment_intent_id": pi.ID,
				"event_id":          event.ID,
			})
			return errRetry
		}
	}

	logger.InfoContext(ctx, "payment confirmed",
		"order_id", order.ID,
		"stock_reconciliation_required", order.StockReconciliationRequired,
	)
	h.processed(eventType)
	return nil
}

// handlePaymentIntentFailed records a declined payment. The order stays
// unpaid so the customer can retry.
func (h *StripeHandler) handlePaymentIntentFailed(ctx context.Context, logger *slog.Logger, event stripe.Event) error {
	const eventType = string(stripe.EventTypePaymentIntentPaymentFailed)

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		logger.ErrorContext(ctx, "failed to parse payment intent", "error", err)
		h.failed(eventType, "invalid_payload")
		return nil
	}

	if pi.LastPaymentError != nil {
		logger.InfoContext(ctx, "payment failed",
			"payment_intent_id", pi.ID,
			"code", pi.LastPaymentError.Code,
			"decline_code", pi.LastPaymentError.DeclineCode,
		)
	} else {
		logger.InfoContext(ctx, "payment failed", "payment_intent_id", pi.ID)
	}

	if telemetry.Business != nil {
		telemetry.Business.PaymentVerifyFailed.WithLabelValues("declined").Inc()
	}
	h.processed(eventType)
	return nil
}

// handlePaymentIntentCanceled records an abandoned payment.
func (h *StripeHandler) handlePaymentIntentCanceled(ctx context.Context, logger *slog.Logger, event stripe.Event) error {
	const eventType = string(stripe.EventTypePaymentIntentCanceled)

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		logger.ErrorContext(ctx, "failed to parse payment intent", "error", err)
		h.failed(eventType, "invalid_payload")
		return nil
	}

	logger.InfoContext(ctx, "payment canceled",
		"payment_intent_id", pi.ID,
		"reason", pi.CancellationReason,
	)
	h.processed(eventType)
	return nil
}

func (h *StripeHandler) processed(eventType string) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookProcessed.WithLabelValues(eventType).Inc()
	}
}

func (h *StripeHandler) failed(eventType, errorType string) {
	if telemetry.Business != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(eventType, errorType).Inc()
	}
}
