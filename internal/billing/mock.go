package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing.
// Simulates successful payment flows without calling Stripe API.
// It is safe for concurrent use.
type MockProvider struct {
	// CreatePaymentIntentFunc allows customizing payment intent creation behavior
	CreatePaymentIntentFunc func(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// GetPaymentIntentFunc allows customizing payment intent retrieval behavior
	GetPaymentIntentFunc func(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error)

	// RefundPaymentFunc allows customizing refund behavior
	RefundPaymentFunc func(ctx context.Context, params RefundParams) (*Refund, error)

	// VerifyWebhookSignatureFunc allows customizing webhook verification behavior
	VerifyWebhookSignatureFunc func(payload []byte, signature string, secret string) error

	// PaymentIntents stores created payment intents for retrieval
	PaymentIntents map[string]*PaymentIntent

	// Refunds stores issued refunds keyed by payment intent ID
	Refunds map[string]*Refund

	// CallLog tracks method calls for test assertions
	CallLog []string

	mu sync.Mutex
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		PaymentIntents: make(map[string]*PaymentIntent),
		Refunds:        make(map[string]*Refund),
		CallLog:        []string{},
	}
}

func (m *MockProvider) record(call string) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, call)
	m.mu.Unlock()
}

// Calls returns a copy of the call log.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// CreatePaymentIntent creates a mock payment intent.
func (m *MockProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	m.record(fmt.Sprintf("CreatePaymentIntent(%d, %s)", params.AmountCents, params.Currency))

	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, params)
	}
	if params.AmountCents <= 0 {
		return nil, ErrAmountTooSmall
	}

	// Default mock behavior: create payment intent awaiting payment
	id := "pi_" + uuid.New().String()
	pi := &PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.New().String(),
		AmountCents:  params.AmountCents,
		Currency:     params.Currency,
		Status:       StatusRequiresPaymentMethod,
		Metadata:     params.Metadata,
		CreatedAt:    time.Now(),
		ReceiptEmail: params.CustomerEmail,
	}

	m.mu.Lock()
	m.PaymentIntents[pi.ID] = pi
	m.mu.Unlock()
	return pi, nil
}

// GetPaymentIntent retrieves a mock payment intent.
func (m *MockProvider) GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error) {
	m.record(fmt.Sprintf("GetPaymentIntent(%s)", params.PaymentIntentID))

	if m.GetPaymentIntentFunc != nil {
		return m.GetPaymentIntentFunc(ctx, params)
	}

	// Default mock behavior: return a copy of the stored payment intent
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, exists := m.PaymentIntents[params.PaymentIntentID]
	if !exists {
		return nil, ErrPaymentIntentNotFound
	}
	cp := *pi
	return &cp, nil
}

// RefundPayment refunds a mock payment.
func (m *MockProvider) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	m.record(fmt.Sprintf("RefundPayment(%s)", params.PaymentIntentID))

	if m.RefundPaymentFunc != nil {
		return m.RefundPaymentFunc(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pi, exists := m.PaymentIntents[params.PaymentIntentID]
	if !exists {
		return nil, ErrPaymentIntentNotFound
	}
	if pi.Status != StatusSucceeded {
		return nil, ErrRefundFailed
	}

	amount := params.AmountCents
	if amount == 0 {
		amount = pi.AmountReceivedCents
	}
	r := &Refund{
		ID:              "re_" + uuid.New().String()[:8],
		PaymentIntentID: pi.ID,
		AmountCents:     amount,
		Currency:        pi.Currency,
		Status:          StatusSucceeded,
		CreatedAt:       time.Now(),
	}
	m.Refunds[pi.ID] = r
	return r, nil
}

// VerifyWebhookSignature verifies a mock webhook signature.
func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	m.record("VerifyWebhookSignature")

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature, secret)
	}

	// Default mock behavior: always verify successfully
	return nil
}

// RefundFor returns the refund issued for a payment intent, if any.
func (m *MockProvider) RefundFor(paymentIntentID string) (*Refund, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Refunds[paymentIntentID]
	return r, ok
}

// SimulateSucceededPayment updates a payment intent to succeeded status.
// Used in tests to simulate successful payment confirmation.
func (m *MockProvider) SimulateSucceededPayment(paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return ErrPaymentIntentNotFound
	}

	pi.Status = StatusSucceeded
	pi.AmountReceivedCents = pi.AmountCents
	return nil
}

// SimulateFailedPayment updates a payment intent to failed status.
// Used in tests to simulate payment failures.
func (m *MockProvider) SimulateFailedPayment(paymentIntentID string, errorCode string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return ErrPaymentIntentNotFound
	}

	pi.Status = StatusRequiresPaymentMethod
	pi.LastPaymentError = &PaymentError{
		Code:    errorCode,
		Message: errorMessage,
	}
	return nil
}

// AddSucceededPayment stores a captured payment intent for amountCents and
// returns its ID.
func (m *MockProvider) AddSucceededPayment(amountCents int64, currency string, metadata map[string]string) string {
	id := "pi_" + uuid.New().String()
	m.mu.Lock()
	m.PaymentIntents[id] = &PaymentIntent{
		ID:                  id,
		ClientSecret:        id + "_secret",
		AmountCents:         amountCents,
		AmountReceivedCents: amountCents,
		Currency:            currency,
		Status:              StatusSucceeded,
		Metadata:            metadata,
		CreatedAt:           time.Now(),
	}
	m.mu.Unlock()
	return id
}
