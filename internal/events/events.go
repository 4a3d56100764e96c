// Package events defines the order lifecycle events written to the outbox
// and the publishers that relay them to a message broker.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TopicOrders carries every order lifecycle event, keyed by order ID.
const TopicOrders = "manzil.orders"

// Event types.
const (
	OrderCreated                = "order.created"
	OrderPaid                   = "order.paid"
	OrderStatusChanged          = "order.status_changed"
	OrderReconciliationRequired = "order.reconciliation_required"
	PaymentRefunded             = "payment.refunded"
)

// Event is the envelope published for every order lifecycle change.
type Event struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	OrderID   string         `json:"order_id"`
	UserID    string         `json:"user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New returns an event with a fresh ID stamped at now.
func New(eventType string, orderID, userID uuid.UUID, payload map[string]any) Event {
	e := Event{
		EventID:   uuid.NewString(),
		Type:      eventType,
		OrderID:   orderID.String(),
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
	if userID != uuid.Nil {
		e.UserID = userID.String()
	}
	return e
}

// Marshal encodes the event as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Message is one outbox record ready for delivery.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

// Publisher delivers outbox messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}
