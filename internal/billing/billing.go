// Package billing is the payment confirmation boundary. The order flow asks
// it for a payment handle for an amount, reads back the status of a handle,
// and refunds a captured payment when stock cannot be reserved.
package billing

import (
	"context"
	"time"
)

// Payment intent statuses reported by the processor.
const (
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusRequiresConfirmation  = "requires_confirmation"
	StatusProcessing            = "processing"
	StatusSucceeded             = "succeeded"
	StatusCanceled              = "canceled"
)

// MetadataOrderID is the payment intent metadata key that links a payment
// to an order created before payment.
const MetadataOrderID = "order_id"

// MetadataUserID records the customer that created the payment intent.
const MetadataUserID = "user_id"

// Provider is the payment processor used by the order flow.
type Provider interface {
	// CreatePaymentIntent creates a payment handle for an amount in minor
	// currency units. The client completes payment with ClientSecret.
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// GetPaymentIntent retrieves the current state of a payment handle.
	// Returns ErrPaymentIntentNotFound when the handle is unknown.
	GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error)

	// RefundPayment refunds a succeeded payment intent. AmountCents of zero
	// refunds the full captured amount.
	RefundPayment(ctx context.Context, params RefundParams) (*Refund, error)

	// VerifyWebhookSignature checks a webhook payload against its signature
	// header using the endpoint secret.
	VerifyWebhookSignature(payload []byte, signature string, secret string) error
}

// CreatePaymentIntentParams contains parameters for creating a payment intent.
type CreatePaymentIntentParams struct {
	// AmountCents is the amount in minor units (piastres, cents).
	AmountCents int64

	// Currency is the ISO 4217 code in lower case (e.g. "egp").
	Currency string

	CustomerEmail string

	Description string

	// Metadata is stored on the intent and echoed back in webhooks.
	Metadata map[string]string

	// IdempotencyKey makes retried creates return the same intent.
	IdempotencyKey string
}

// PaymentIntent is the processor's view of a payment handle.
type PaymentIntent struct {
	ID string

	// ClientSecret is handed to the browser to complete payment.
	ClientSecret string

	// AmountCents is the requested amount in minor units.
	AmountCents int64

	// AmountReceivedCents is the captured amount in minor units.
	AmountReceivedCents int64

	Currency string

	Status string

	Metadata map[string]string

	CreatedAt time.Time

	LastPaymentError *PaymentError

	ReceiptEmail string
}

// Succeeded reports whether the intent has been captured.
func (pi *PaymentIntent) Succeeded() bool {
	return pi.Status == StatusSucceeded
}

// PaymentError describes the last failed payment attempt on an intent.
type PaymentError struct {
	Code        string // Processor error code
	Message     string // Human-readable message
	DeclineCode string // Reason card was declined (if applicable)
}

// GetPaymentIntentParams contains parameters for retrieving a payment intent.
type GetPaymentIntentParams struct {
	PaymentIntentID string

	Expand []string
}

// RefundParams contains parameters for refunding a payment.
type RefundParams struct {
	PaymentIntentID string

	// AmountCents to refund. Zero refunds the full amount.
	AmountCents int64

	// Reason is one of "duplicate", "fraudulent" or "requested_by_customer".
	Reason string

	Metadata map[string]string

	IdempotencyKey string
}

// Refund is the result of a refund request.
type Refund struct {
	ID              string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	Status          string
	CreatedAt       time.Time
}
