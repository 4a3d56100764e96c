package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type Querier interface {
	CountOrdersByStatus(ctx context.Context) ([]CountOrdersByStatusRow, error)
	CountProducts(ctx context.Context) (int64, error)
	CountUsersByRole(ctx context.Context, role string) (int64, error)
	CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error)
	CreateOrderItem(ctx context.Context, arg CreateOrderItemParams) error
	CreateUser(ctx context.Context, arg CreateUserParams) (User, error)
	// DecrementProductStock removes quantity units only when at least that
	// many remain. It returns the number of rows changed: 0 means
	// insufficient stock or an unknown product.
	DecrementProductStock(ctx context.Context, arg DecrementProductStockParams) (int64, error)
	FetchPendingOutbox(ctx context.Context, limit int32) ([]Outbox, error)
	GetDeliveredRevenue(ctx context.Context) (pgtype.Numeric, error)
	GetOrder(ctx context.Context, id pgtype.UUID) (Order, error)
	GetOrderByPaymentResultID(ctx context.Context, paymentResultID pgtype.Text) (Order, error)
	GetProductsByIDs(ctx context.Context, ids []pgtype.UUID) ([]Product, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id pgtype.UUID) (User, error)
	InsertOutboxEvent(ctx context.Context, arg InsertOutboxEventParams) error
	ListDailySales(ctx context.Context, since pgtype.Timestamptz) ([]ListDailySalesRow, error)
	ListOrderItems(ctx context.Context, orderIds []pgtype.UUID) ([]OrderItem, error)
	ListOrders(ctx context.Context) ([]Order, error)
	ListOrdersByUser(ctx context.Context, userID pgtype.UUID) ([]Order, error)
	ListTopProducts(ctx context.Context, limit int32) ([]ListTopProductsRow, error)
	// MarkOrderPaid only changes an order that is not yet paid. It returns
	// pgx.ErrNoRows when the order is already paid.
	MarkOrderPaid(ctx context.Context, arg MarkOrderPaidParams) (Order, error)
	MarkOutboxSent(ctx context.Context, ids []int64) error
	UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) (Order, error)
	UpdateUserRole(ctx context.Context, arg UpdateUserRoleParams) error
}

var _ Querier = (*Queries)(nil)
