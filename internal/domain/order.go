package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order-related domain errors.
var (
	ErrOrderNotFound         = Localized(ENOTFOUND, "", MsgOrderNotFound)
	ErrPaymentNotVerified    = Localized(EPAYMENT, "", MsgPaymentNotVerified)
	ErrPaymentAmountMismatch = Localized(EPAYMENT, "", MsgPaymentAmount)
	ErrPaymentReplayed       = Localized(ECONFLICT, "", MsgPaymentReplayed)
	ErrForbidden             = Localized(EFORBIDDEN, "", MsgForbidden)
	ErrInvalidCredentials    = Localized(EUNAUTHORIZED, "", MsgInvalidCredentials)
)

// InsufficientStock reports that fewer than the requested units remain.
// The message carries the available quantity for display.
func InsufficientStock(op, productName string, available int32) error {
	return Localized(ECONFLICT, op, MsgInsufficientStock, available, productName)
}

// ProductNotFound reports an order line referencing an unknown product.
func ProductNotFound(op string, productID uuid.UUID) error {
	return Localized(ENOTFOUND, op, MsgProductNotFound, productID.String())
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

// AllOrderStatuses lists every status in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// orderTransitions maps each status to the statuses it may move to.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled},
}

// ParseOrderStatus returns the status named by s.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	for _, st := range AllOrderStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions leave this status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransitionTo reports whether an order in status s may move to next.
// Re-applying the current status is always allowed.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentMethod tags how the customer pays for an order.
type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "card"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

// LineItem is one product within an order. Name, Image and Price are
// snapshots taken when the order was placed.
type LineItem struct {
	ProductID uuid.UUID       `json:"product"`
	Name      string          `json:"name"`
	Image     string          `json:"image"`
	Quantity  int32           `json:"qty"`
	Price     decimal.Decimal `json:"price"`
}

// Subtotal returns Quantity times Price.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt32(li.Quantity))
}

// ShippingAddress is copied onto the order at checkout.
type ShippingAddress struct {
	FullName string `json:"fullName" validate:"required,max=200"`
	Phone    string `json:"phone" validate:"required,max=40"`
	Address  string `json:"address" validate:"required,max=500"`
	City     string `json:"city" validate:"required,max=100"`
}

// PaymentResult records the processor's view of a confirmed payment.
type PaymentResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	EmailAddress string `json:"email_address,omitempty"`
}

// Order is a checkout transaction with snapshotted prices.
type Order struct {
	ID              uuid.UUID       `json:"_id"`
	UserID          uuid.UUID       `json:"user"`
	OrderItems      []LineItem      `json:"orderItems"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	PaymentResult   *PaymentResult  `json:"paymentResult,omitempty"`
	ItemsPrice      decimal.Decimal `json:"itemsPrice"`
	ShippingPrice   decimal.Decimal `json:"shippingPrice"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	IsPaid          bool            `json:"isPaid"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	Status          OrderStatus     `json:"status"`
	IsDelivered     bool            `json:"isDelivered"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`

	// StockReconciliationRequired is set when a payment was confirmed but
	// stock could not be decremented for every line item.
	StockReconciliationRequired bool `json:"stockReconciliationRequired"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VisibleTo reports whether the identity may read this order.
func (o *Order) VisibleTo(id Identity) bool {
	return o.UserID == id.UserID || id.Role.CanManageOrders()
}

// OrderItemRequest is a requested line item. Price is accepted for
// compatibility with clients but never used.
type OrderItemRequest struct {
	ProductID uuid.UUID        `json:"product" validate:"required"`
	Quantity  int32            `json:"qty" validate:"required,min=1,max=10000"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

// CreateOrderParams carries the checkout request.
type CreateOrderParams struct {
	Identity        Identity           `validate:"-"`
	Items           []OrderItemRequest `json:"orderItems" validate:"dive"`
	ShippingAddress ShippingAddress    `json:"shippingAddress"`
	PaymentMethod   PaymentMethod      `json:"paymentMethod" validate:"required,oneof=card cash_on_delivery"`

	// PaymentHandle is the processor's payment intent id, if the client
	// completed payment before submitting the order.
	PaymentHandle string `json:"paymentHandle,omitempty" validate:"omitempty,max=255"`
}

// PreparePaymentParams selects what a payment handle is created for:
// an existing unpaid order when OrderID is set, otherwise a cart.
type PreparePaymentParams struct {
	Identity Identity           `validate:"-"`
	OrderID  uuid.UUID          `json:"orderId,omitempty"`
	Items    []OrderItemRequest `json:"orderItems" validate:"dive"`

	// IdempotencyKey is forwarded to the processor so a retried request
	// returns the same payment handle.
	IdempotencyKey string `json:"-"`
}

// PaymentPreparation is returned to the client to complete card payment.
type PaymentPreparation struct {
	PaymentHandle string          `json:"paymentHandle"`
	ClientSecret  string          `json:"clientSecret"`
	ItemsPrice    decimal.Decimal `json:"itemsPrice"`
	ShippingPrice decimal.Decimal `json:"shippingPrice"`
	TotalPrice    decimal.Decimal `json:"totalPrice"`
	Currency      string          `json:"currency"`
}

// OrderService provides business logic for order operations.
type OrderService interface {
	// CreateOrder validates the cart against the product store, prices it
	// server side and persists the order. A payment handle marks the order
	// paid and decrements stock in the same transaction.
	CreateOrder(ctx context.Context, params CreateOrderParams) (*Order, error)

	// GetOrder returns an order visible to the requester.
	GetOrder(ctx context.Context, id Identity, orderID uuid.UUID) (*Order, error)

	// ListOrdersForUser returns the requester's orders, newest first.
	ListOrdersForUser(ctx context.Context, id Identity) ([]Order, error)

	// ListAllOrders returns every order. Requires CanManageOrders.
	ListAllOrders(ctx context.Context, id Identity) ([]Order, error)

	// UpdateOrderStatus moves an order to status. Requires CanManageOrders.
	UpdateOrderStatus(ctx context.Context, id Identity, orderID uuid.UUID, status string) (*Order, error)

	// PreparePayment prices the cart or order and creates a payment handle
	// for the total.
	PreparePayment(ctx context.Context, params PreparePaymentParams) (*PaymentPreparation, error)

	// ConfirmPayment marks the order referenced by a succeeded payment as
	// paid and decrements its stock. Calling it again for the same payment
	// is a no-op.
	ConfirmPayment(ctx context.Context, paymentHandle string) (*Order, error)
}
