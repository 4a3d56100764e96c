package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
	"github.com/stripe/stripe-go/v83/webhook"
)

// StripeProvider implements Provider using Stripe.
type StripeProvider struct {
	config StripeConfig
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider configures the Stripe SDK and returns a provider.
// The SDK key is process-wide, so only one StripeProvider should be live.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if config.APIKey == "" {
		return nil, ErrInvalidAPIKey
	}

	stripe.Key = config.APIKey
	if config.MaxRetries > 0 || config.HTTPClient != nil {
		backendConfig := &stripe.BackendConfig{HTTPClient: config.HTTPClient}
		if config.MaxRetries > 0 {
			backendConfig.MaxNetworkRetries = stripe.Int64(config.MaxRetries)
		}
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)
		stripe.SetBackend(stripe.APIBackend, backend)
	}

	return &StripeProvider{config: config}, nil
}

// CreatePaymentIntent creates a Stripe payment intent with automatic
// payment methods enabled.
func (s *StripeProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	if params.AmountCents <= 0 {
		return nil, ErrAmountTooSmall
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(params.AmountCents),
		Currency: stripe.String(params.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	piParams.Context = ctx
	if params.Description != "" {
		piParams.Description = stripe.String(params.Description)
	}
	if params.CustomerEmail != "" {
		piParams.ReceiptEmail = stripe.String(params.CustomerEmail)
	}
	for k, v := range params.Metadata {
		piParams.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		piParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	pi, err := paymentintent.New(piParams)
	if err != nil {
		return nil, wrapStripeError(err, "create payment intent")
	}
	return convertPaymentIntent(pi), nil
}

// GetPaymentIntent retrieves a Stripe payment intent.
func (s *StripeProvider) GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error) {
	if params.PaymentIntentID == "" {
		return nil, ErrPaymentIntentNotFound
	}

	piParams := &stripe.PaymentIntentParams{}
	piParams.Context = ctx
	for _, field := range params.Expand {
		piParams.AddExpand(field)
	}

	pi, err := paymentintent.Get(params.PaymentIntentID, piParams)
	if err != nil {
		return nil, wrapStripeError(err, "get payment intent")
	}
	return convertPaymentIntent(pi), nil
}

// RefundPayment refunds a succeeded Stripe payment intent.
func (s *StripeProvider) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	refundParams := &stripe.RefundParams{
		PaymentIntent: stripe.String(params.PaymentIntentID),
	}
	refundParams.Context = ctx
	if params.AmountCents > 0 {
		refundParams.Amount = stripe.Int64(params.AmountCents)
	}
	if params.Reason != "" {
		refundParams.Reason = stripe.String(params.Reason)
	}
	for k, v := range params.Metadata {
		refundParams.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		refundParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	r, err := refund.New(refundParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefundFailed, wrapStripeError(err, "refund payment"))
	}

	return &Refund{
		ID:              r.ID,
		PaymentIntentID: params.PaymentIntentID,
		AmountCents:     r.Amount,
		Currency:        string(r.Currency),
		Status:          string(r.Status),
		CreatedAt:       time.Unix(r.Created, 0),
	}, nil
}

// VerifyWebhookSignature verifies a Stripe webhook signature.
func (s *StripeProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if secret == "" {
		secret = s.config.WebhookSecret
	}
	_, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhookSignature, err)
	}
	return nil
}

func convertPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:                  pi.ID,
		ClientSecret:        pi.ClientSecret,
		AmountCents:         pi.Amount,
		AmountReceivedCents: pi.AmountReceived,
		Currency:            string(pi.Currency),
		Status:              string(pi.Status),
		Metadata:            pi.Metadata,
		CreatedAt:           time.Unix(pi.Created, 0),
		ReceiptEmail:        pi.ReceiptEmail,
	}
	if pi.LastPaymentError != nil {
		out.LastPaymentError = &PaymentError{
			Code:        string(pi.LastPaymentError.Code),
			Message:     pi.LastPaymentError.Msg,
			DeclineCode: string(pi.LastPaymentError.DeclineCode),
		}
	}
	return out
}

// wrapStripeError maps SDK errors to billing sentinel errors and StripeError.
func wrapStripeError(err error, action string) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("stripe: %s: %w", action, err)
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeResourceMissing:
		return ErrPaymentIntentNotFound
	case stripe.ErrorCodeAmountTooSmall:
		return ErrAmountTooSmall
	case stripe.ErrorCodeIdempotencyKeyInUse:
		return ErrIdempotencyConflict
	}

	return &StripeError{
		Message:       stripeErr.Msg,
		Code:          string(stripeErr.Code),
		DeclineCode:   string(stripeErr.DeclineCode),
		StripeCode:    strconv.Itoa(stripeErr.HTTPStatusCode),
		RequestID:     stripeErr.RequestID,
		OriginalError: err,
	}
}
