package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/manzil/internal/billing"
	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/events"
	"github.com/dukerupert/manzil/internal/repository"
	"github.com/dukerupert/manzil/internal/telemetry"
)

// paymentHandleConstraint is the unique index that allows one order per
// payment handle.
const paymentHandleConstraint = "orders_payment_result_id_key"

// OrderConfig holds the pricing and workflow settings injected from config.
type OrderConfig struct {
	// ShippingPrice is the flat fee added to every order.
	ShippingPrice decimal.Decimal

	// Currency is the ISO currency code payments are taken in.
	Currency string

	// AllowStatusOverride disables the status transition guard so admins can
	// set any status.
	AllowStatusOverride bool
}

// DefaultOrderConfig returns the settings used when nothing is configured.
func DefaultOrderConfig() OrderConfig {
	return OrderConfig{
		ShippingPrice: decimal.NewFromInt(50),
		Currency:      "usd",
	}
}

type orderService struct {
	store    repository.Store
	payments billing.Provider
	guard    PaymentGuard
	config   OrderConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrderService creates a new OrderService instance.
func NewOrderService(store repository.Store, payments billing.Provider, guard PaymentGuard, config OrderConfig, logger *slog.Logger) domain.OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = NoopPaymentGuard{}
	}
	if config.Currency == "" {
		config.Currency = DefaultOrderConfig().Currency
	}
	return &orderService{
		store:    store,
		payments: payments,
		guard:    guard,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// stockError reports a conditional decrement that matched no row.
type stockError struct {
	productID uuid.UUID
}

func (e *stockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.productID)
}

// pricedLine is a requested line item priced from the product store.
type pricedLine struct {
	product  domain.Product
	quantity int32
}

func (l pricedLine) subtotal() decimal.Decimal {
	return l.product.Price.Mul(decimal.NewFromInt32(l.quantity))
}

// CreateOrder implements domain.OrderService.
//
// Client-supplied prices are discarded. When a payment handle is present the
// payment is verified before anything is written, and the order insert plus
// every stock decrement share one transaction. If any decrement fails the
// transaction rolls back and the payment is refunded.
func (s *orderService) CreateOrder(ctx context.Context, params domain.CreateOrderParams) (*domain.Order, error) {
	const op = "order.create"

	if params.Identity.IsZero() {
		return nil, domain.Localized(domain.EUNAUTHORIZED, op, domain.MsgUnauthorized)
	}
	if len(params.Items) == 0 {
		return nil, domain.NewValidationError(op, "orderItems", domain.MsgEmptyOrder)
	}
	if err := validateStruct(op, params); err != nil {
		return nil, err
	}

	lines, err := s.priceItems(ctx, op, params.Items)
	if err != nil {
		return nil, err
	}

	itemsPrice := decimal.Zero
	for _, l := range lines {
		itemsPrice = itemsPrice.Add(l.subtotal())
	}
	shippingPrice := s.config.ShippingPrice
	totalPrice := itemsPrice.Add(shippingPrice)

	var payment *billing.PaymentIntent
	if params.PaymentHandle != "" {
		payment, err = s.verifyPayment(ctx, op, params.Identity.UserID, params.PaymentHandle, totalPrice)
		if err != nil {
			return nil, err
		}

		claimed, err := s.guard.Acquire(ctx, payment.ID)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to claim payment handle")
		}
		if !claimed || s.paymentUsed(ctx, payment.ID) {
			if telemetry.Business != nil {
				telemetry.Business.PaymentReplays.Inc()
			}
			return nil, domain.ErrPaymentReplayed
		}
	}

	if err := checkStock(op, lines); err != nil {
		return nil, s.abortPaidCheckout(ctx, op, payment, err)
	}

	now := s.now().UTC()
	arg := repository.CreateOrderParams{
		UserID:           uuidToPgtype(params.Identity.UserID),
		ShippingFullName: params.ShippingAddress.FullName,
		ShippingPhone:    params.ShippingAddress.Phone,
		ShippingAddress:  params.ShippingAddress.Address,
		ShippingCity:     params.ShippingAddress.City,
		PaymentMethod:    string(params.PaymentMethod),
		ItemsPrice:       numericFromDecimal(itemsPrice),
		ShippingPrice:    numericFromDecimal(shippingPrice),
		TotalPrice:       numericFromDecimal(totalPrice),
		Status:           string(domain.OrderStatusPending),
	}
	if payment != nil {
		arg.IsPaid = true
		arg.PaidAt = timestamptz(now)
		arg.PaymentResultID = text(payment.ID)
		arg.PaymentResultStatus = text(payment.Status)
		arg.PaymentResultEmail = text(payment.ReceiptEmail)
	}

	var (
		created repository.Order
		items   []repository.OrderItem
	)
	err = s.store.ExecTx(ctx, func(q repository.Querier) error {
		row, err := q.CreateOrder(ctx, arg)
		if err != nil {
			return err
		}

		items = make([]repository.OrderItem, 0, len(lines))
		for i, l := range lines {
			item := repository.OrderItem{
				OrderID:   row.ID,
				Position:  int32(i),
				ProductID: uuidToPgtype(l.product.ID),
				Name:      l.product.Name,
				Image:     l.product.Image,
				Quantity:  l.quantity,
				Price:     numericFromDecimal(l.product.Price),
			}
			if err := q.CreateOrderItem(ctx, repository.CreateOrderItemParams{
				OrderID:   item.OrderID,
				Position:  item.Position,
				ProductID: item.ProductID,
				Name:      item.Name,
				Image:     item.Image,
				Quantity:  item.Quantity,
				Price:     item.Price,
			}); err != nil {
				return err
			}
			items = append(items, item)
		}

		if payment != nil {
			if err := decrementStock(ctx, q, items); err != nil {
				return err
			}
		}

		created = row
		return writeEvent(ctx, q, events.New(events.OrderCreated, mustUUID(row.ID), params.Identity.UserID, map[string]any{
			"total_price":    totalPrice.String(),
			"payment_method": string(params.PaymentMethod),
			"is_paid":        row.IsPaid,
		}))
	})
	if err != nil {
		return nil, s.abortPaidCheckout(ctx, op, payment, s.mapCreateError(ctx, op, err))
	}

	order := orderFromRow(created, items)

	if telemetry.Business != nil {
		telemetry.Business.OrdersCreated.WithLabelValues(string(order.PaymentMethod), fmt.Sprint(order.IsPaid)).Inc()
		telemetry.Business.OrderValue.WithLabelValues(string(order.PaymentMethod)).Observe(order.TotalPrice.InexactFloat64())
		telemetry.Business.OrderItemCount.Observe(float64(totalUnits(lines)))
		if order.IsPaid {
			telemetry.Business.PaymentsConfirmed.WithLabelValues("checkout").Inc()
		}
	}

	s.logger.InfoContext(ctx, "order created",
		"order_id", order.ID,
		"user_id", order.UserID,
		"total_price", order.TotalPrice.String(),
		"is_paid", order.IsPaid,
	)
	return &order, nil
}

// priceItems loads every requested product in one lookup and snapshots its
// current name, image and price.
func (s *orderService) priceItems(ctx context.Context, op string, requested []domain.OrderItemRequest) ([]pricedLine, error) {
	products, err := s.loadProducts(ctx, op, requested)
	if err != nil {
		return nil, err
	}

	lines := make([]pricedLine, 0, len(requested))
	for _, it := range requested {
		p, ok := products[it.ProductID]
		if !ok {
			return nil, domain.ProductNotFound(op, it.ProductID)
		}
		lines = append(lines, pricedLine{product: p, quantity: it.Quantity})
	}
	return lines, nil
}

func (s *orderService) loadProducts(ctx context.Context, op string, requested []domain.OrderItemRequest) (map[uuid.UUID]domain.Product, error) {
	ids := make([]pgtype.UUID, 0, len(requested))
	seen := make(map[uuid.UUID]struct{}, len(requested))
	for _, it := range requested {
		if _, dup := seen[it.ProductID]; dup {
			continue
		}
		seen[it.ProductID] = struct{}{}
		ids = append(ids, uuidToPgtype(it.ProductID))
	}

	rows, err := s.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load products")
	}

	products := make(map[uuid.UUID]domain.Product, len(rows))
	for _, row := range rows {
		p := productFromRow(row)
		products[p.ID] = p
	}
	return products, nil
}

// checkStock compares the total requested units of each product with its
// current stock. Repeated lines for one product are summed in int64 so a
// large cart cannot wrap past the check.
func checkStock(op string, lines []pricedLine) error {
	wanted := make(map[uuid.UUID]int64, len(lines))
	for _, l := range lines {
		wanted[l.product.ID] += int64(l.quantity)
		if wanted[l.product.ID] > int64(l.product.CountInStock) {
			return domain.InsufficientStock(op, l.product.Name, l.product.CountInStock)
		}
	}
	return nil
}

func totalUnits(lines []pricedLine) int64 {
	var n int64
	for _, l := range lines {
		n += int64(l.quantity)
	}
	return n
}

// decrementStock removes each line's quantity with a conditional update.
// It stops at the first line that no longer has enough stock.
func decrementStock(ctx context.Context, q repository.Querier, items []repository.OrderItem) error {
	for _, it := range items {
		n, err := q.DecrementProductStock(ctx, repository.DecrementProductStockParams{
			ID:       it.ProductID,
			Quantity: it.Quantity,
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return &stockError{productID: mustUUID(it.ProductID)}
		}
	}
	return nil
}

// mapCreateError turns a failed checkout transaction into a domain error.
func (s *orderService) mapCreateError(ctx context.Context, op string, err error) error {
	var se *stockError
	if errors.As(err, &se) {
		return s.currentStockError(ctx, op, se.productID)
	}
	if repository.IsUniqueViolation(err, paymentHandleConstraint) {
		if telemetry.Business != nil {
			telemetry.Business.PaymentReplays.Inc()
		}
		return domain.ErrPaymentReplayed
	}
	return domain.Internal(err, op, "failed to create order")
}

// currentStockError re-reads a product after a lost decrement race so the
// error reports what is actually left.
func (s *orderService) currentStockError(ctx context.Context, op string, productID uuid.UUID) error {
	rows, err := s.store.GetProductsByIDs(ctx, []pgtype.UUID{uuidToPgtype(productID)})
	if err != nil || len(rows) == 0 {
		return domain.InsufficientStock(op, productID.String(), 0)
	}
	p := productFromRow(rows[0])
	return domain.InsufficientStock(op, p.Name, p.CountInStock)
}

// abortPaidCheckout undoes the side effects of a verified payment when the
// order could not be created, then returns cause. Stock failures are
// refunded. The payment handle claim is released in every case so the
// customer can retry with the same payment.
func (s *orderService) abortPaidCheckout(ctx context.Context, op string, payment *billing.PaymentIntent, cause error) error {
	if domain.IsCode(cause, domain.ECONFLICT) && telemetry.Business != nil && !errors.Is(cause, domain.ErrPaymentReplayed) {
		telemetry.Business.StockConflicts.Inc()
	}
	if payment == nil {
		return cause
	}
	if errors.Is(cause, domain.ErrPaymentReplayed) {
		// The handle belongs to another order; leave the claim in place.
		return cause
	}

	if domain.IsCode(cause, domain.ECONFLICT) {
		// A concurrent checkout may have committed this handle first. Its
		// payment must not be refunded.
		if s.paymentUsed(ctx, payment.ID) {
			return domain.ErrPaymentReplayed
		}
		s.refund(ctx, op, payment.ID, "out_of_stock")
		return cause
	}

	if err := s.guard.Release(ctx, payment.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to release payment handle",
			"op", op,
			"payment_intent_id", payment.ID,
			"error", err,
		)
	}
	return cause
}

// paymentUsed reports whether an order already records handle. Lookup
// errors count as unused; the unique key still rejects a duplicate insert.
func (s *orderService) paymentUsed(ctx context.Context, handle string) bool {
	_, err := s.store.GetOrderByPaymentResultID(ctx, text(handle))
	return err == nil
}

// refund returns a captured payment to the customer. Failures are logged
// for manual follow-up and never replace the caller's error.
func (s *orderService) refund(ctx context.Context, op, paymentID, reason string) {
	r, err := s.payments.RefundPayment(ctx, billing.RefundParams{
		PaymentIntentID: paymentID,
		Reason:          "requested_by_customer",
		Metadata:        map[string]string{"reason": reason},
		IdempotencyKey:  "refund-" + paymentID,
	})
	if err != nil {
		if telemetry.Business != nil {
			telemetry.Business.RefundsFailed.Inc()
		}
		s.logger.ErrorContext(ctx, "refund failed, manual refund required",
			"op", op,
			"payment_intent_id", paymentID,
			"reason", reason,
			"error", err,
		)
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"op":                op,
			"payment_intent_id": paymentID,
		})
		return
	}

	if telemetry.Business != nil {
		telemetry.Business.RefundsIssued.WithLabelValues(reason).Inc()
	}
	s.logger.InfoContext(ctx, "payment refunded",
		"op", op,
		"payment_intent_id", paymentID,
		"refund_id", r.ID,
		"amount_cents", r.AmountCents,
	)
}

// verifyPayment confirms that handle names a succeeded payment for exactly
// total in the configured currency. The payment must have been prepared by
// userID for a cart; a payment bound to an existing order can only settle
// that order through ConfirmPayment.
func (s *orderService) verifyPayment(ctx context.Context, op string, userID uuid.UUID, handle string, total decimal.Decimal) (*billing.PaymentIntent, error) {
	pi, err := s.payments.GetPaymentIntent(ctx, billing.GetPaymentIntentParams{PaymentIntentID: handle})
	if err != nil {
		if errors.Is(err, billing.ErrPaymentIntentNotFound) {
			s.paymentRejected(ctx, op, handle, "lookup")
			return nil, domain.ErrPaymentNotVerified
		}
		return nil, domain.Internal(err, op, "failed to retrieve payment")
	}

	if !pi.Succeeded() {
		s.paymentRejected(ctx, op, handle, "status")
		return nil, domain.ErrPaymentNotVerified
	}
	if pi.Metadata[billing.MetadataUserID] != userID.String() {
		s.paymentRejected(ctx, op, handle, "owner")
		return nil, domain.ErrPaymentNotVerified
	}
	if pi.Metadata[billing.MetadataOrderID] != "" {
		s.paymentRejected(ctx, op, handle, "order_bound")
		return nil, domain.ErrPaymentNotVerified
	}

	received := pi.AmountReceivedCents
	if received == 0 {
		received = pi.AmountCents
	}
	if received != toMinorUnits(total) || !strings.EqualFold(pi.Currency, s.config.Currency) {
		s.paymentRejected(ctx, op, handle, "amount")
		return nil, domain.ErrPaymentAmountMismatch
	}
	return pi, nil
}

func (s *orderService) paymentRejected(ctx context.Context, op, handle, reason string) {
	if telemetry.Business != nil {
		telemetry.Business.PaymentVerifyFailed.WithLabelValues(reason).Inc()
	}
	s.logger.WarnContext(ctx, "payment verification failed",
		"op", op,
		"payment_intent_id", handle,
		"reason", reason,
	)
}

// GetOrder implements domain.OrderService.
func (s *orderService) GetOrder(ctx context.Context, id domain.Identity, orderID uuid.UUID) (*domain.Order, error) {
	const op = "order.get"

	order, err := s.loadOrder(ctx, s.store, op, orderID)
	if err != nil {
		return nil, err
	}
	if !order.VisibleTo(id) {
		return nil, domain.ErrForbidden
	}
	return order, nil
}

// ListOrdersForUser implements domain.OrderService.
func (s *orderService) ListOrdersForUser(ctx context.Context, id domain.Identity) ([]domain.Order, error) {
	const op = "order.list_mine"

	if id.IsZero() {
		return nil, domain.Localized(domain.EUNAUTHORIZED, op, domain.MsgUnauthorized)
	}
	rows, err := s.store.ListOrdersByUser(ctx, uuidToPgtype(id.UserID))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list orders")
	}
	return s.withItems(ctx, op, rows)
}

// ListAllOrders implements domain.OrderService.
func (s *orderService) ListAllOrders(ctx context.Context, id domain.Identity) ([]domain.Order, error) {
	const op = "order.list_all"

	if !id.Role.CanManageOrders() {
		return nil, domain.ErrForbidden
	}
	rows, err := s.store.ListOrders(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list orders")
	}
	return s.withItems(ctx, op, rows)
}

// withItems attaches line items to rows with a single batch query.
func (s *orderService) withItems(ctx context.Context, op string, rows []repository.Order) ([]domain.Order, error) {
	orders := make([]domain.Order, 0, len(rows))
	if len(rows) == 0 {
		return orders, nil
	}

	ids := make([]pgtype.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	items, err := s.store.ListOrderItems(ctx, ids)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load order items")
	}

	byOrder := make(map[uuid.UUID][]repository.OrderItem, len(rows))
	for _, it := range items {
		key := mustUUID(it.OrderID)
		byOrder[key] = append(byOrder[key], it)
	}
	for _, row := range rows {
		orders = append(orders, orderFromRow(row, byOrder[mustUUID(row.ID)]))
	}
	return orders, nil
}

func (s *orderService) loadOrder(ctx context.Context, q repository.Querier, op string, orderID uuid.UUID) (*domain.Order, error) {
	row, err := q.GetOrder(ctx, uuidToPgtype(orderID))
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, domain.Internal(err, op, "failed to load order")
	}
	items, err := q.ListOrderItems(ctx, []pgtype.UUID{row.ID})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load order items")
	}
	order := orderFromRow(row, items)
	return &order, nil
}

// UpdateOrderStatus implements domain.OrderService.
//
// Delivered sets isDelivered and refreshes deliveredAt, including when the
// order is already Delivered. Cancelled clears isDelivered. Other targets
// change only the status.
//
// Checks run in this order: permission, status name, order lookup,
// transition guard. A caller without CanManageOrders gets ErrForbidden
// whether or not the order exists.
func (s *orderService) UpdateOrderStatus(ctx context.Context, id domain.Identity, orderID uuid.UUID, status string) (*domain.Order, error) {
	const op = "order.update_status"

	if !id.Role.CanManageOrders() {
		return nil, domain.ErrForbidden
	}
	next, ok := domain.ParseOrderStatus(status)
	if !ok {
		return nil, domain.NewValidationError(op, "status", fmt.Sprintf(domain.MsgUnknownStatus, status))
	}

	var (
		updated repository.Order
		items   []repository.OrderItem
		prev    domain.OrderStatus
	)
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		row, err := q.GetOrder(ctx, uuidToPgtype(orderID))
		if err != nil {
			if repository.IsNotFound(err) {
				return domain.ErrOrderNotFound
			}
			return domain.Internal(err, op, "failed to load order")
		}

		prev = domain.OrderStatus(row.Status)
		if !s.config.AllowStatusOverride && !prev.CanTransitionTo(next) {
			return domain.Localized(domain.ECONFLICT, op, domain.MsgIllegalTransition, prev, next)
		}

		arg := repository.UpdateOrderStatusParams{
			ID:          row.ID,
			Status:      string(next),
			IsDelivered: row.IsDelivered,
			DeliveredAt: row.DeliveredAt,
		}
		switch next {
		case domain.OrderStatusDelivered:
			arg.IsDelivered = true
			arg.DeliveredAt = timestamptz(s.now().UTC())
		case domain.OrderStatusCancelled:
			arg.IsDelivered = false
			arg.DeliveredAt = pgtype.Timestamptz{}
		}

		updated, err = q.UpdateOrderStatus(ctx, arg)
		if err != nil {
			return domain.Internal(err, op, "failed to update order status")
		}
		items, err = q.ListOrderItems(ctx, []pgtype.UUID{row.ID})
		if err != nil {
			return domain.Internal(err, op, "failed to load order items")
		}

		return writeEvent(ctx, q, events.New(events.OrderStatusChanged, orderID, mustUUID(row.UserID), map[string]any{
			"from":       string(prev),
			"to":         string(next),
			"changed_by": id.UserID.String(),
		}))
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.Internal(err, op, "failed to update order status")
	}

	if telemetry.Business != nil {
		telemetry.Business.OrderStatusChanges.WithLabelValues(string(next)).Inc()
	}
	s.logger.InfoContext(ctx, "order status updated",
		"order_id", orderID,
		"from", prev,
		"to", next,
		"by", id.UserID,
	)

	order := orderFromRow(updated, items)
	return &order, nil
}

// PreparePayment implements domain.OrderService.
func (s *orderService) PreparePayment(ctx context.Context, params domain.PreparePaymentParams) (*domain.PaymentPreparation, error) {
	const op = "order.prepare_payment"

	if params.Identity.IsZero() {
		return nil, domain.Localized(domain.EUNAUTHORIZED, op, domain.MsgUnauthorized)
	}

	metadata := map[string]string{
		billing.MetadataUserID: params.Identity.UserID.String(),
	}
	source := "cart"

	var itemsPrice, shippingPrice, totalPrice decimal.Decimal
	if params.OrderID != uuid.Nil {
		order, err := s.loadOrder(ctx, s.store, op, params.OrderID)
		if err != nil {
			return nil, err
		}
		if order.UserID != params.Identity.UserID {
			return nil, domain.ErrForbidden
		}
		if order.IsPaid {
			return nil, domain.Localized(domain.ECONFLICT, op, domain.MsgPaymentReplayed)
		}
		itemsPrice, shippingPrice, totalPrice = order.ItemsPrice, order.ShippingPrice, order.TotalPrice
		metadata[billing.MetadataOrderID] = order.ID.String()
		source = "order"
	} else {
		if len(params.Items) == 0 {
			return nil, domain.NewValidationError(op, "orderItems", domain.MsgEmptyOrder)
		}
		if err := validateStruct(op, params); err != nil {
			return nil, err
		}
		lines, err := s.priceItems(ctx, op, params.Items)
		if err != nil {
			return nil, err
		}
		if err := checkStock(op, lines); err != nil {
			return nil, err
		}
		itemsPrice = decimal.Zero
		for _, l := range lines {
			itemsPrice = itemsPrice.Add(l.subtotal())
		}
		shippingPrice = s.config.ShippingPrice
		totalPrice = itemsPrice.Add(shippingPrice)
	}

	start := s.now()
	pi, err := s.payments.CreatePaymentIntent(ctx, billing.CreatePaymentIntentParams{
		AmountCents:    toMinorUnits(totalPrice),
		Currency:       s.config.Currency,
		Description:    "Manzil order",
		Metadata:       metadata,
		IdempotencyKey: params.IdempotencyKey,
	})
	if telemetry.Business != nil {
		telemetry.Business.StripeAPILatency.WithLabelValues("create_payment_intent").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, billing.ErrAmountTooSmall) {
			return nil, domain.WrapError(err, domain.EINVALID, op, "Order total is below the minimum card payment")
		}
		return nil, domain.Internal(err, op, "failed to create payment intent")
	}

	if telemetry.Business != nil {
		telemetry.Business.PaymentIntentsCreated.WithLabelValues(source).Inc()
	}

	return &domain.PaymentPreparation{
		PaymentHandle: pi.ID,
		ClientSecret:  pi.ClientSecret,
		ItemsPrice:    itemsPrice,
		ShippingPrice: shippingPrice,
		TotalPrice:    totalPrice,
		Currency:      s.config.Currency,
	}, nil
}

// ConfirmPayment implements domain.OrderService.
//
// The order is found through the payment's order_id metadata, or through
// the payment handle already recorded at checkout. An already paid order is
// returned unchanged. If stock can no longer be decremented the order is
// still marked paid but flagged for stock reconciliation.
func (s *orderService) ConfirmPayment(ctx context.Context, paymentHandle string) (*domain.Order, error) {
	const op = "order.confirm_payment"

	pi, err := s.payments.GetPaymentIntent(ctx, billing.GetPaymentIntentParams{PaymentIntentID: paymentHandle})
	if err != nil {
		if errors.Is(err, billing.ErrPaymentIntentNotFound) {
			return nil, domain.ErrPaymentNotVerified
		}
		return nil, domain.Internal(err, op, "failed to retrieve payment")
	}
	if !pi.Succeeded() {
		return nil, domain.ErrPaymentNotVerified
	}

	row, err := s.orderForPayment(ctx, op, pi)
	if err != nil {
		return nil, err
	}
	orderID := mustUUID(row.ID)
	if row.IsPaid {
		return s.loadOrder(ctx, s.store, op, orderID)
	}

	received := pi.AmountReceivedCents
	if received == 0 {
		received = pi.AmountCents
	}
	if received != toMinorUnits(decimalFromNumeric(row.TotalPrice)) || !strings.EqualFold(pi.Currency, s.config.Currency) {
		s.paymentRejected(ctx, op, pi.ID, "amount")
		return nil, domain.ErrPaymentAmountMismatch
	}

	items, err := s.store.ListOrderItems(ctx, []pgtype.UUID{row.ID})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load order items")
	}

	paid, err := s.markPaid(ctx, row, items, pi, false)
	var se *stockError
	if errors.As(err, &se) {
		s.logger.WarnContext(ctx, "stock exhausted for paid order, flagging for reconciliation",
			"order_id", orderID,
			"product_id", se.productID,
			"payment_intent_id", pi.ID,
		)
		if telemetry.Business != nil {
			telemetry.Business.StockReconciliation.Inc()
		}
		paid, err = s.markPaid(ctx, row, items, pi, true)
	}
	if err != nil {
		if repository.IsNotFound(err) {
			// Another confirmation won the race.
			return s.loadOrder(ctx, s.store, op, orderID)
		}
		if repository.IsUniqueViolation(err, paymentHandleConstraint) {
			return nil, domain.ErrPaymentReplayed
		}
		return nil, domain.Internal(err, op, "failed to mark order paid")
	}

	if telemetry.Business != nil {
		telemetry.Business.PaymentsConfirmed.WithLabelValues("webhook").Inc()
	}
	s.logger.InfoContext(ctx, "order paid",
		"order_id", orderID,
		"payment_intent_id", pi.ID,
		"stock_reconciliation_required", paid.StockReconciliationRequired,
	)
	if paid.StockReconciliationRequired {
		telemetry.CaptureMessage("paid order requires stock reconciliation", sentry.LevelWarning, map[string]interface{}{
			"order_id":          orderID.String(),
			"payment_intent_id": pi.ID,
		})
	}

	order := orderFromRow(paid, items)
	return &order, nil
}

func (s *orderService) orderForPayment(ctx context.Context, op string, pi *billing.PaymentIntent) (repository.Order, error) {
	var (
		row repository.Order
		err error
	)
	if raw := pi.Metadata[billing.MetadataOrderID]; raw != "" {
		orderID, perr := uuid.Parse(raw)
		if perr != nil {
			return row, domain.ErrOrderNotFound
		}
		row, err = s.store.GetOrder(ctx, uuidToPgtype(orderID))
	} else {
		row, err = s.store.GetOrderByPaymentResultID(ctx, text(pi.ID))
	}
	if err != nil {
		if repository.IsNotFound(err) {
			return row, domain.ErrOrderNotFound
		}
		return row, domain.Internal(err, op, "failed to load order")
	}
	return row, nil
}

// markPaid records the payment in one transaction. Unless reconcile is set,
// stock is decremented in the same transaction.
func (s *orderService) markPaid(ctx context.Context, row repository.Order, items []repository.OrderItem, pi *billing.PaymentIntent, reconcile bool) (repository.Order, error) {
	var paid repository.Order
	err := s.store.ExecTx(ctx, func(q repository.Querier) error {
		var err error
		paid, err = q.MarkOrderPaid(ctx, repository.MarkOrderPaidParams{
			ID:                          row.ID,
			PaidAt:                      timestamptz(s.now().UTC()),
			PaymentResultID:             text(pi.ID),
			PaymentResultStatus:         text(pi.Status),
			PaymentResultEmail:          text(pi.ReceiptEmail),
			StockReconciliationRequired: reconcile,
		})
		if err != nil {
			return err
		}

		eventType := events.OrderPaid
		if reconcile {
			eventType = events.OrderReconciliationRequired
		} else if err := decrementStock(ctx, q, items); err != nil {
			return err
		}

		return writeEvent(ctx, q, events.New(eventType, mustUUID(row.ID), mustUUID(row.UserID), map[string]any{
			"payment_intent_id": pi.ID,
			"total_price":       decimalFromNumeric(row.TotalPrice).String(),
		}))
	})
	return paid, err
}

// writeEvent appends e to the outbox inside the caller's transaction.
func writeEvent(ctx context.Context, q repository.Querier, e events.Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return err
	}
	return q.InsertOutboxEvent(ctx, repository.InsertOutboxEventParams{
		EventID: uuidToPgtype(uuid.MustParse(e.EventID)),
		Topic:   events.TopicOrders,
		Key:     e.OrderID,
		Payload: payload,
	})
}
