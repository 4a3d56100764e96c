package service

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/manzil/internal/billing"
	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type orderFixture struct {
	store    *memStore
	payments *billing.MockProvider
	svc      *orderService

	washer   uuid.UUID
	customer domain.Identity
	other    domain.Identity
	admin    domain.Identity
	owner    domain.Identity
}

func newOrderFixture(t *testing.T, configure ...func(*OrderConfig)) *orderFixture {
	t.Helper()

	cfg := DefaultOrderConfig()
	for _, fn := range configure {
		fn(&cfg)
	}

	store := newMemStore()
	payments := billing.NewMockProvider()
	svc := NewOrderService(store, payments, nil, cfg, discardLogger()).(*orderService)

	return &orderFixture{
		store:    store,
		payments: payments,
		svc:      svc,
		washer:   store.addProduct("Washer", "100.00", 5),
		customer: domain.Identity{UserID: store.addUser("Customer", "customer@example.com", "user", ""), Role: domain.RoleUser},
		other:    domain.Identity{UserID: store.addUser("Other", "other@example.com", "user", ""), Role: domain.RoleUser},
		admin:    domain.Identity{UserID: store.addUser("Admin", "admin@example.com", "admin", ""), Role: domain.RoleAdmin},
		owner:    domain.Identity{UserID: store.addUser("Owner", "owner@example.com", "owner", ""), Role: domain.RoleOwner},
	}
}

func (f *orderFixture) params(qty int32) domain.CreateOrderParams {
	return domain.CreateOrderParams{
		Identity: f.customer,
		Items: []domain.OrderItemRequest{
			{ProductID: f.washer, Quantity: qty},
		},
		ShippingAddress: domain.ShippingAddress{
			FullName: "Mona Adel",
			Phone:    "+201000000000",
			Address:  "12 Nile St",
			City:     "Cairo",
		},
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
	}
}

func (f *orderFixture) paidParams(qty int32, handle string) domain.CreateOrderParams {
	p := f.params(qty)
	p.PaymentMethod = domain.PaymentMethodCard
	p.PaymentHandle = handle
	return p
}

// succeededPayment registers a captured payment for the customer.
func (f *orderFixture) succeededPayment(amountCents int64) string {
	return f.payments.AddSucceededPayment(amountCents, "usd", map[string]string{
		billing.MetadataUserID: f.customer.UserID.String(),
	})
}

func (f *orderFixture) createUnpaid(t *testing.T, qty int32) *domain.Order {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), f.params(qty))
	require.NoError(t, err)
	return order
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

// =============================================================================
// CreateOrder
// =============================================================================

func Test_CreateOrder_PricesFromStoreAndLeavesStockWhenUnpaid(t *testing.T) {
	f := newOrderFixture(t)

	p := f.params(3)
	clientPrice := decimal.NewFromInt(1)
	p.Items[0].Price = &clientPrice

	order, err := f.svc.CreateOrder(context.Background(), p)
	require.NoError(t, err)

	assertMoney(t, "300", order.ItemsPrice)
	assertMoney(t, "50", order.ShippingPrice)
	assertMoney(t, "350", order.TotalPrice)
	require.Len(t, order.OrderItems, 1)
	assertMoney(t, "100", order.OrderItems[0].Price, "line price must come from the store")
	assert.Equal(t, "Washer", order.OrderItems[0].Name)
	assert.Equal(t, int32(3), order.OrderItems[0].Quantity)

	assert.False(t, order.IsPaid)
	assert.Nil(t, order.PaidAt)
	assert.Nil(t, order.PaymentResult)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, f.customer.UserID, order.UserID)

	assert.Equal(t, int32(5), f.store.stock(f.washer), "unpaid orders must not touch stock")
	assert.Equal(t, []string{events.OrderCreated}, f.store.outboxTypes())
}

func Test_CreateOrder_ConfiguredShippingPrice(t *testing.T) {
	f := newOrderFixture(t, func(c *OrderConfig) {
		c.ShippingPrice = decimal.RequireFromString("12.50")
	})

	order, err := f.svc.CreateOrder(context.Background(), f.params(1))
	require.NoError(t, err)

	assertMoney(t, "12.50", order.ShippingPrice)
	assertMoney(t, "112.50", order.TotalPrice)
}

func Test_CreateOrder_PaidOrderDecrementsStock(t *testing.T) {
	f := newOrderFixture(t)
	handle := f.succeededPayment(35000)

	order, err := f.svc.CreateOrder(context.Background(), f.paidParams(3, handle))
	require.NoError(t, err)

	assert.True(t, order.IsPaid)
	require.NotNil(t, order.PaidAt)
	require.NotNil(t, order.PaymentResult)
	assert.Equal(t, handle, order.PaymentResult.ID)
	assert.Equal(t, billing.StatusSucceeded, order.PaymentResult.Status)
	assert.Equal(t, int32(2), f.store.stock(f.washer))

	_, refunded := f.payments.RefundFor(handle)
	assert.False(t, refunded)
}

func Test_CreateOrder_InsufficientStockReportsAvailable(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), f.params(10))
	require.Error(t, err)

	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.Contains(t, domain.ErrorMessage(err), "5")
	assert.Contains(t, domain.ErrorMessage(err), "Washer")
	assert.Equal(t, 0, f.store.orderCount())
	assert.Equal(t, int32(5), f.store.stock(f.washer))
}

func Test_CreateOrder_RepeatedLinesShareStock(t *testing.T) {
	f := newOrderFixture(t)

	p := f.params(3)
	p.Items = append(p.Items, domain.OrderItemRequest{ProductID: f.washer, Quantity: 3})

	_, err := f.svc.CreateOrder(context.Background(), p)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func Test_CreateOrder_LargeRepeatedLinesRejected(t *testing.T) {
	f := newOrderFixture(t)
	cheap := f.store.addProduct("Cheap", "0.01", 5)

	p := f.params(1)
	p.Items = []domain.OrderItemRequest{
		{ProductID: cheap, Quantity: 10000},
		{ProductID: cheap, Quantity: 10000},
	}

	_, err := f.svc.CreateOrder(context.Background(), p)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.Equal(t, 0, f.store.orderCount())
	assert.Equal(t, int32(5), f.store.stock(cheap))
}

func Test_checkStock_SumDoesNotWrap(t *testing.T) {
	cheap := domain.Product{ID: uuid.New(), Name: "Cheap", Price: decimal.RequireFromString("0.01"), CountInStock: 5}
	lines := []pricedLine{
		{product: cheap, quantity: math.MaxInt32},
		{product: cheap, quantity: math.MaxInt32},
		{product: cheap, quantity: 2},
	}

	err := checkStock("order.create", lines)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.Equal(t, int64(2*math.MaxInt32+2), totalUnits(lines))
}

func Test_CreateOrder_UnknownProduct(t *testing.T) {
	f := newOrderFixture(t)

	p := f.params(1)
	p.Items[0].ProductID = uuid.New()

	_, err := f.svc.CreateOrder(context.Background(), p)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	assert.Equal(t, 0, f.store.orderCount())
}

func Test_CreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *domain.CreateOrderParams)
		field  string
	}{
		{
			name:   "empty cart",
			mutate: func(p *domain.CreateOrderParams) { p.Items = nil },
			field:  "orderItems",
		},
		{
			name:   "zero quantity",
			mutate: func(p *domain.CreateOrderParams) { p.Items[0].Quantity = 0 },
			field:  "orderItems[0].qty",
		},
		{
			name:   "negative quantity",
			mutate: func(p *domain.CreateOrderParams) { p.Items[0].Quantity = -2 },
			field:  "orderItems[0].qty",
		},
		{
			name:   "quantity above line limit",
			mutate: func(p *domain.CreateOrderParams) { p.Items[0].Quantity = 2_000_000_000 },
			field:  "orderItems[0].qty",
		},
		{
			name:   "missing product",
			mutate: func(p *domain.CreateOrderParams) { p.Items[0].ProductID = uuid.Nil },
			field:  "orderItems[0].product",
		},
		{
			name:   "missing city",
			mutate: func(p *domain.CreateOrderParams) { p.ShippingAddress.City = "" },
			field:  "shippingAddress.city",
		},
		{
			name:   "missing phone",
			mutate: func(p *domain.CreateOrderParams) { p.ShippingAddress.Phone = "" },
			field:  "shippingAddress.phone",
		},
		{
			name:   "unknown payment method",
			mutate: func(p *domain.CreateOrderParams) { p.PaymentMethod = "barter" },
			field:  "paymentMethod",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture(t)
			p := f.params(1)
			tt.mutate(&p)

			_, err := f.svc.CreateOrder(context.Background(), p)
			require.Error(t, err)
			assert.True(t, domain.IsValidationError(err), "got %v", err)
			assert.Contains(t, domain.GetValidationFields(err), tt.field)
			assert.Equal(t, 0, f.store.orderCount())
		})
	}
}

func Test_CreateOrder_RequiresIdentity(t *testing.T) {
	f := newOrderFixture(t)
	p := f.params(1)
	p.Identity = domain.Identity{}

	_, err := f.svc.CreateOrder(context.Background(), p)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
}

func Test_CreateOrder_PaymentVerification(t *testing.T) {
	tests := []struct {
		name    string
		handle  func(f *orderFixture) string
		wantErr error
	}{
		{
			name:    "unknown handle",
			handle:  func(f *orderFixture) string { return "pi_missing" },
			wantErr: domain.ErrPaymentNotVerified,
		},
		{
			name: "payment not captured",
			handle: func(f *orderFixture) string {
				pi, err := f.payments.CreatePaymentIntent(context.Background(), billing.CreatePaymentIntentParams{
					AmountCents: 35000,
					Currency:    "usd",
				})
				if err != nil {
					panic(err)
				}
				return pi.ID
			},
			wantErr: domain.ErrPaymentNotVerified,
		},
		{
			name:    "amount below total",
			handle:  func(f *orderFixture) string { return f.succeededPayment(30000) },
			wantErr: domain.ErrPaymentAmountMismatch,
		},
		{
			name:    "amount above total",
			handle:  func(f *orderFixture) string { return f.succeededPayment(35001) },
			wantErr: domain.ErrPaymentAmountMismatch,
		},
		{
			name: "wrong currency",
			handle: func(f *orderFixture) string {
				return f.payments.AddSucceededPayment(35000, "eur", map[string]string{
					billing.MetadataUserID: f.customer.UserID.String(),
				})
			},
			wantErr: domain.ErrPaymentAmountMismatch,
		},
		{
			name: "no owner recorded",
			handle: func(f *orderFixture) string {
				return f.payments.AddSucceededPayment(35000, "usd", nil)
			},
			wantErr: domain.ErrPaymentNotVerified,
		},
		{
			name: "prepared for another user",
			handle: func(f *orderFixture) string {
				return f.payments.AddSucceededPayment(35000, "usd", map[string]string{
					billing.MetadataUserID: f.other.UserID.String(),
				})
			},
			wantErr: domain.ErrPaymentNotVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture(t)

			_, err := f.svc.CreateOrder(context.Background(), f.paidParams(3, tt.handle(f)))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
			assert.Equal(t, 0, f.store.orderCount(), "nothing may be written")
			assert.Equal(t, int32(5), f.store.stock(f.washer))
		})
	}
}

func Test_CreateOrder_PaymentHandleCannotBeReused(t *testing.T) {
	f := newOrderFixture(t)
	handle := f.succeededPayment(15000)

	_, err := f.svc.CreateOrder(context.Background(), f.paidParams(1, handle))
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(context.Background(), f.paidParams(1, handle))
	assert.ErrorIs(t, err, domain.ErrPaymentReplayed)
	assert.Equal(t, 1, f.store.orderCount())
	assert.Equal(t, int32(4), f.store.stock(f.washer))
}

func Test_CreateOrder_ReplayWithoutStockIsNotRefunded(t *testing.T) {
	f := newOrderFixture(t)
	handle := f.succeededPayment(35000)

	_, err := f.svc.CreateOrder(context.Background(), f.paidParams(3, handle))
	require.NoError(t, err)

	// Only 2 left, so the replay would also fail the stock check.
	_, err = f.svc.CreateOrder(context.Background(), f.paidParams(3, handle))
	assert.ErrorIs(t, err, domain.ErrPaymentReplayed)

	_, refunded := f.payments.RefundFor(handle)
	assert.False(t, refunded, "the first order's payment must stand")
}

// memGuard is an in-process PaymentGuard.
type memGuard struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
}

func newMemGuard() *memGuard {
	return &memGuard{claimed: make(map[string]bool)}
}

func (g *memGuard) Acquire(ctx context.Context, handle string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimed[handle] {
		return false, nil
	}
	g.claimed[handle] = true
	return true, nil
}

func (g *memGuard) Release(ctx context.Context, handle string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, handle)
	g.released = append(g.released, handle)
	return nil
}

func Test_CreateOrder_GuardRejectsClaimedHandle(t *testing.T) {
	f := newOrderFixture(t)
	guard := newMemGuard()
	f.svc.guard = guard

	handle := f.succeededPayment(15000)
	_, err := guard.Acquire(context.Background(), handle)
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(context.Background(), f.paidParams(1, handle))
	assert.ErrorIs(t, err, domain.ErrPaymentReplayed)
	assert.Equal(t, 0, f.store.orderCount())
}

func Test_CreateOrder_LostDecrementRaceRollsBackAndRefunds(t *testing.T) {
	f := newOrderFixture(t)
	handle := f.succeededPayment(35000)

	// Another checkout takes stock between the pre-check and the decrement.
	f.store.beforeDecrement = func(id uuid.UUID) {
		f.store.setStockExternally(id, 1)
	}

	_, err := f.svc.CreateOrder(context.Background(), f.paidParams(3, handle))
	require.Error(t, err)

	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.Equal(t, "Only 1 of Washer left in stock", domain.ErrorMessage(err))
	assert.Equal(t, 0, f.store.orderCount(), "order insert must roll back")
	assert.Empty(t, f.store.outboxTypes())

	refund, ok := f.payments.RefundFor(handle)
	require.True(t, ok, "payment must be refunded")
	assert.Equal(t, int64(35000), refund.AmountCents)
}

func Test_CreateOrder_ConcurrentPaidCheckoutsForLastUnits(t *testing.T) {
	f := newOrderFixture(t)
	handles := []string{f.succeededPayment(35000), f.succeededPayment(35000)}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(handles))
	)
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.CreateOrder(context.Background(), f.paidParams(3, h))
		}(i, h)
	}
	close(start)
	wg.Wait()

	var succeeded, failed int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		failed++
		assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, int32(2), f.store.stock(f.washer), "stock never goes negative")
	assert.Equal(t, 1, f.store.orderCount())

	var refunds int
	for i, h := range handles {
		if _, ok := f.payments.RefundFor(h); ok {
			refunds++
			assert.Error(t, errs[i], "only the failed checkout is refunded")
		}
	}
	assert.Equal(t, 1, refunds)
}

func Test_CreateOrder_RefundFailureKeepsStockError(t *testing.T) {
	f := newOrderFixture(t)
	handle := f.succeededPayment(35000)
	f.payments.RefundPaymentFunc = func(ctx context.Context, params billing.RefundParams) (*billing.Refund, error) {
		return nil, billing.ErrRefundFailed
	}
	f.store.setStockExternally(f.washer, 2)

	_, err := f.svc.CreateOrder(context.Background(), f.paidParams(3, handle))
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.Contains(t, domain.ErrorMessage(err), "2")
	assert.Contains(t, f.payments.Calls(), "RefundPayment("+handle+")")
}

// =============================================================================
// UpdateOrderStatus
// =============================================================================

func Test_UpdateOrderStatus_RequiresManageOrders(t *testing.T) {
	f := newOrderFixture(t)
	order := f.createUnpaid(t, 1)

	_, err := f.svc.UpdateOrderStatus(context.Background(), f.customer, order.ID, "Shipped")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.svc.GetOrder(context.Background(), f.customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
}

func Test_UpdateOrderStatus_PermissionCheckedBeforeLookup(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.UpdateOrderStatus(context.Background(), f.customer, uuid.New(), "Shipped")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.UpdateOrderStatus(context.Background(), f.admin, uuid.New(), "Lost")
	assert.True(t, domain.IsValidationError(err), "status name is checked before the order is loaded")
}

func Test_UpdateOrderStatus_UnknownStatus(t *testing.T) {
	f := newOrderFixture(t)
	order := f.createUnpaid(t, 1)

	_, err := f.svc.UpdateOrderStatus(context.Background(), f.admin, order.ID, "Lost")
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.Contains(t, domain.GetValidationFields(err), "status")
}

func Test_UpdateOrderStatus_UnknownOrder(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.UpdateOrderStatus(context.Background(), f.admin, uuid.New(), "Shipped")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func Test_UpdateOrderStatus_DeliveredIsIdempotent(t *testing.T) {
	f := newOrderFixture(t)
	order := f.createUnpaid(t, 1)

	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return first }

	delivered, err := f.svc.UpdateOrderStatus(context.Background(), f.owner, order.ID, "Delivered")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, delivered.Status)
	assert.True(t, delivered.IsDelivered)
	require.NotNil(t, delivered.DeliveredAt)
	assert.True(t, first.Equal(*delivered.DeliveredAt))

	second := first.Add(2 * time.Hour)
	f.svc.now = func() time.Time { return second }

	again, err := f.svc.UpdateOrderStatus(context.Background(), f.owner, order.ID, "Delivered")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDelivered, again.Status)
	assert.True(t, again.IsDelivered)
	require.NotNil(t, again.DeliveredAt)
	assert.True(t, second.Equal(*again.DeliveredAt), "deliveredAt is refreshed")
	require.Len(t, again.OrderItems, 1)
}

func Test_UpdateOrderStatus_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		path     []string
		override bool
		wantCode string
	}{
		{name: "forward through lifecycle", path: []string{"Processing", "Shipped", "Delivered"}},
		{name: "skip ahead", path: []string{"Delivered"}},
		{name: "cancel pending", path: []string{"Cancelled"}},
		{name: "cancel shipped", path: []string{"Processing", "Shipped", "Cancelled"}},
		{name: "backwards rejected", path: []string{"Shipped", "Processing"}, wantCode: domain.ECONFLICT},
		{name: "reopen delivered rejected", path: []string{"Delivered", "Pending"}, wantCode: domain.ECONFLICT},
		{name: "cancel delivered rejected", path: []string{"Delivered", "Cancelled"}, wantCode: domain.ECONFLICT},
		{name: "override allows any move", path: []string{"Delivered", "Pending"}, override: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture(t, func(c *OrderConfig) { c.AllowStatusOverride = tt.override })
			order := f.createUnpaid(t, 1)

			var err error
			for _, st := range tt.path {
				_, err = f.svc.UpdateOrderStatus(context.Background(), f.admin, order.ID, st)
				if err != nil {
					break
				}
			}
			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantCode, domain.ErrorCode(err))
			}
		})
	}
}

func Test_UpdateOrderStatus_CancelledClearsDelivered(t *testing.T) {
	f := newOrderFixture(t, func(c *OrderConfig) { c.AllowStatusOverride = true })
	order := f.createUnpaid(t, 1)

	_, err := f.svc.UpdateOrderStatus(context.Background(), f.admin, order.ID, "Delivered")
	require.NoError(t, err)

	cancelled, err := f.svc.UpdateOrderStatus(context.Background(), f.admin, order.ID, "Cancelled")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.IsDelivered)
	assert.Nil(t, cancelled.DeliveredAt)
}

func Test_UpdateOrderStatus_OtherTargetsChangeOnlyStatus(t *testing.T) {
	f := newOrderFixture(t)
	order := f.createUnpaid(t, 1)

	shipped, err := f.svc.UpdateOrderStatus(context.Background(), f.admin, order.ID, "Shipped")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, shipped.Status)
	assert.False(t, shipped.IsDelivered)
	assert.Nil(t, shipped.DeliveredAt)
	assert.False(t, shipped.IsPaid)
	assert.Equal(t, []string{events.OrderCreated, events.OrderStatusChanged}, f.store.outboxTypes())
}

// =============================================================================
// Reads
// =============================================================================

func Test_GetOrder_Visibility(t *testing.T) {
	f := newOrderFixture(t)
	order := f.createUnpaid(t, 2)

	tests := []struct {
		name    string
		id      domain.Identity
		orderID uuid.UUID
		wantErr error
	}{
		{name: "placing user", id: f.customer, orderID: order.ID},
		{name: "admin", id: f.admin, orderID: order.ID},
		{name: "owner", id: f.owner, orderID: order.ID},
		{name: "another user", id: f.other, orderID: order.ID, wantErr: domain.ErrForbidden},
		{name: "unknown order", id: f.admin, orderID: uuid.New(), wantErr: domain.ErrOrderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.GetOrder(context.Background(), tt.id, tt.orderID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, order.ID, got.ID)
			require.Len(t, got.OrderItems, 1)
			assert.Equal(t, int32(2), got.OrderItems[0].Quantity)
		})
	}
}

func Test_ListOrdersForUser_OnlyOwnNewestFirst(t *testing.T) {
	f := newOrderFixture(t)
	first := f.createUnpaid(t, 1)
	second := f.createUnpaid(t, 2)

	p := f.params(1)
	p.Identity = f.other
	_, err := f.svc.CreateOrder(context.Background(), p)
	require.NoError(t, err)

	mine, err := f.svc.ListOrdersForUser(context.Background(), f.customer)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)
	assert.Len(t, mine[0].OrderItems, 1)

	none, err := f.svc.ListOrdersForUser(context.Background(), f.admin)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func Test_ListAllOrders_RequiresManageOrders(t *testing.T) {
	f := newOrderFixture(t)
	f.createUnpaid(t, 1)
	f.createUnpaid(t, 1)

	_, err := f.svc.ListAllOrders(context.Background(), f.customer)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	all, err := f.svc.ListAllOrders(context.Background(), f.admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// =============================================================================
// PreparePayment / ConfirmPayment
// =============================================================================

func Test_PreparePayment_ForCart(t *testing.T) {
	f := newOrderFixture(t)

	prep, err := f.svc.PreparePayment(context.Background(), domain.PreparePaymentParams{
		Identity: f.customer,
		Items:    []domain.OrderItemRequest{{ProductID: f.washer, Quantity: 3}},
	})
	require.NoError(t, err)

	assertMoney(t, "350", prep.TotalPrice)
	assert.Equal(t, "usd", prep.Currency)
	assert.NotEmpty(t, prep.ClientSecret)

	pi := f.payments.PaymentIntents[prep.PaymentHandle]
	require.NotNil(t, pi)
	assert.Equal(t, int64(35000), pi.AmountCents)
	assert.Equal(t, f.customer.UserID.String(), pi.Metadata[billing.MetadataUserID])
	assert.Empty(t, pi.Metadata[billing.MetadataOrderID])
}

func Test_PreparePayment_CartStockChecked(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.PreparePayment(context.Background(), domain.PreparePaymentParams{
		Identity: f.customer,
		Items:    []domain.OrderItemRequest{{ProductID: f.washer, Quantity: 9}},
	})
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	assert.Empty(t, f.payments.PaymentIntents)
}

func Test_PreparePayment_ForOrder(t *testing.T) {
	f := newOrderFixture(t)
	order := f.createUnpaid(t, 3)

	prep, err := f.svc.PreparePayment(context.Background(), domain.PreparePaymentParams{
		Identity: f.customer,
		OrderID:  order.ID,
	})
	require.NoError(t, err)
	assertMoney(t, "350", prep.TotalPrice)

	pi := f.payments.PaymentIntents[prep.PaymentHandle]
	require.NotNil(t, pi)
	assert.Equal(t, order.ID.String(), pi.Metadata[billing.MetadataOrderID])

	_, err = f.svc.PreparePayment(context.Background(), domain.PreparePaymentParams{
		Identity: f.other,
		OrderID:  order.ID,
	})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func Test_PreparePayment_PaidOrderRejected(t *testing.T) {
	f := newOrderFixture(t)
	order, err := f.svc.CreateOrder(context.Background(), f.paidParams(1, f.succeededPayment(15000)))
	require.NoError(t, err)

	_, err = f.svc.PreparePayment(context.Background(), domain.PreparePaymentParams{
		Identity: f.customer,
		OrderID:  order.ID,
	})
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

// prepareForOrder creates an unpaid order and a captured payment for it.
func (f *orderFixture) prepareForOrder(t *testing.T, qty int32) (*domain.Order, string) {
	t.Helper()
	order := f.createUnpaid(t, qty)
	prep, err := f.svc.PreparePayment(context.Background(), domain.PreparePaymentParams{
		Identity: f.customer,
		OrderID:  order.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f.payments.SimulateSucceededPayment(prep.PaymentHandle))
	return order, prep.PaymentHandle
}

func Test_CreateOrder_RejectsHandleBoundToOrder(t *testing.T) {
	f := newOrderFixture(t)
	order, handle := f.prepareForOrder(t, 3)

	_, err := f.svc.CreateOrder(context.Background(), f.paidParams(3, handle))
	assert.ErrorIs(t, err, domain.ErrPaymentNotVerified)
	assert.Equal(t, 1, f.store.orderCount())
	assert.Equal(t, int32(5), f.store.stock(f.washer))

	paid, err := f.svc.ConfirmPayment(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, order.ID, paid.ID)
	assert.True(t, paid.IsPaid)
	assert.Equal(t, int32(2), f.store.stock(f.washer))
}

func Test_ConfirmPayment_MarksPaidAndDecrements(t *testing.T) {
	f := newOrderFixture(t)
	order, handle := f.prepareForOrder(t, 3)

	paid, err := f.svc.ConfirmPayment(context.Background(), handle)
	require.NoError(t, err)

	assert.Equal(t, order.ID, paid.ID)
	assert.True(t, paid.IsPaid)
	require.NotNil(t, paid.PaidAt)
	require.NotNil(t, paid.PaymentResult)
	assert.Equal(t, handle, paid.PaymentResult.ID)
	assert.False(t, paid.StockReconciliationRequired)
	assert.Equal(t, int32(2), f.store.stock(f.washer))
	assert.Contains(t, f.store.outboxTypes(), events.OrderPaid)
}

func Test_ConfirmPayment_SecondCallIsNoOp(t *testing.T) {
	f := newOrderFixture(t)
	_, handle := f.prepareForOrder(t, 3)

	first, err := f.svc.ConfirmPayment(context.Background(), handle)
	require.NoError(t, err)

	second, err := f.svc.ConfirmPayment(context.Background(), handle)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.IsPaid)
	assert.Equal(t, int32(2), f.store.stock(f.washer), "stock decremented once")
}

func Test_ConfirmPayment_CheckoutPaidOrderIsNoOp(t *testing.T) {
	f := newOrderFixture(t)
	handle := f.succeededPayment(35000)
	order, err := f.svc.CreateOrder(context.Background(), f.paidParams(3, handle))
	require.NoError(t, err)

	got, err := f.svc.ConfirmPayment(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, int32(2), f.store.stock(f.washer))
}

func Test_ConfirmPayment_FlagsReconciliationWhenStockGone(t *testing.T) {
	f := newOrderFixture(t)
	order, handle := f.prepareForOrder(t, 3)

	// Another paid checkout takes the stock first.
	_, err := f.svc.CreateOrder(context.Background(), f.paidParams(3, f.succeededPayment(35000)))
	require.NoError(t, err)

	paid, err := f.svc.ConfirmPayment(context.Background(), handle)
	require.NoError(t, err)

	assert.Equal(t, order.ID, paid.ID)
	assert.True(t, paid.IsPaid)
	assert.True(t, paid.StockReconciliationRequired)
	assert.Equal(t, int32(2), f.store.stock(f.washer), "stock never goes negative")
	assert.Contains(t, f.store.outboxTypes(), events.OrderReconciliationRequired)
	assert.NotContains(t, f.store.outboxTypes(), events.OrderPaid)
}

func Test_ConfirmPayment_Errors(t *testing.T) {
	f := newOrderFixture(t)

	pending, err := f.payments.CreatePaymentIntent(context.Background(), billing.CreatePaymentIntentParams{
		AmountCents: 35000,
		Currency:    "usd",
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(context.Background(), pending.ID)
	assert.ErrorIs(t, err, domain.ErrPaymentNotVerified)

	_, err = f.svc.ConfirmPayment(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, domain.ErrPaymentNotVerified)

	orphan := f.succeededPayment(35000)
	_, err = f.svc.ConfirmPayment(context.Background(), orphan)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func Test_ConfirmPayment_AmountMismatch(t *testing.T) {
	f := newOrderFixture(t)
	order := f.createUnpaid(t, 3)

	handle := f.payments.AddSucceededPayment(100, "usd", map[string]string{
		billing.MetadataOrderID: order.ID.String(),
	})

	_, err := f.svc.ConfirmPayment(context.Background(), handle)
	assert.ErrorIs(t, err, domain.ErrPaymentAmountMismatch)

	got, err := f.svc.GetOrder(context.Background(), f.customer, order.ID)
	require.NoError(t, err)
	assert.False(t, got.IsPaid)
	assert.Equal(t, int32(5), f.store.stock(f.washer))
}
