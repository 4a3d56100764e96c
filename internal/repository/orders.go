package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const orderColumns = `id, user_id, shipping_full_name, shipping_phone, shipping_address, shipping_city,
    payment_method, payment_result_id, payment_result_status, payment_result_email,
    items_price, shipping_price, total_price, is_paid, paid_at, status, is_delivered,
    delivered_at, stock_reconciliation_required, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var i Order
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.ShippingFullName,
		&i.ShippingPhone,
		&i.ShippingAddress,
		&i.ShippingCity,
		&i.PaymentMethod,
		&i.PaymentResultID,
		&i.PaymentResultStatus,
		&i.PaymentResultEmail,
		&i.ItemsPrice,
		&i.ShippingPrice,
		&i.TotalPrice,
		&i.IsPaid,
		&i.PaidAt,
		&i.Status,
		&i.IsDelivered,
		&i.DeliveredAt,
		&i.StockReconciliationRequired,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func collectOrders(rows pgx.Rows, err error) ([]Order, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Order
	for rows.Next() {
		i, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createOrder = `-- name: CreateOrder :one
INSERT INTO orders (
    user_id, shipping_full_name, shipping_phone, shipping_address, shipping_city,
    payment_method, payment_result_id, payment_result_status, payment_result_email,
    items_price, shipping_price, total_price, is_paid, paid_at, status
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
)
RETURNING ` + orderColumns

type CreateOrderParams struct {
	UserID              pgtype.UUID        `json:"user_id"`
	ShippingFullName    string             `json:"shipping_full_name"`
	ShippingPhone       string             `json:"shipping_phone"`
	ShippingAddress     string             `json:"shipping_address"`
	ShippingCity        string             `json:"shipping_city"`
	PaymentMethod       string             `json:"payment_method"`
	PaymentResultID     pgtype.Text        `json:"payment_result_id"`
	PaymentResultStatus pgtype.Text        `json:"payment_result_status"`
	PaymentResultEmail  pgtype.Text        `json:"payment_result_email"`
	ItemsPrice          pgtype.Numeric     `json:"items_price"`
	ShippingPrice       pgtype.Numeric     `json:"shipping_price"`
	TotalPrice          pgtype.Numeric     `json:"total_price"`
	IsPaid              bool               `json:"is_paid"`
	PaidAt              pgtype.Timestamptz `json:"paid_at"`
	Status              string             `json:"status"`
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, createOrder,
		arg.UserID,
		arg.ShippingFullName,
		arg.ShippingPhone,
		arg.ShippingAddress,
		arg.ShippingCity,
		arg.PaymentMethod,
		arg.PaymentResultID,
		arg.PaymentResultStatus,
		arg.PaymentResultEmail,
		arg.ItemsPrice,
		arg.ShippingPrice,
		arg.TotalPrice,
		arg.IsPaid,
		arg.PaidAt,
		arg.Status,
	)
	return scanOrder(row)
}

const createOrderItem = `-- name: CreateOrderItem :exec
INSERT INTO order_items (order_id, position, product_id, name, image, quantity, price)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

type CreateOrderItemParams struct {
	OrderID   pgtype.UUID    `json:"order_id"`
	Position  int32          `json:"position"`
	ProductID pgtype.UUID    `json:"product_id"`
	Name      string         `json:"name"`
	Image     string         `json:"image"`
	Quantity  int32          `json:"quantity"`
	Price     pgtype.Numeric `json:"price"`
}

func (q *Queries) CreateOrderItem(ctx context.Context, arg CreateOrderItemParams) error {
	_, err := q.db.Exec(ctx, createOrderItem,
		arg.OrderID,
		arg.Position,
		arg.ProductID,
		arg.Name,
		arg.Image,
		arg.Quantity,
		arg.Price,
	)
	return err
}

const getOrder = `-- name: GetOrder :one
SELECT ` + orderColumns + `
FROM orders
WHERE id = $1
`

func (q *Queries) GetOrder(ctx context.Context, id pgtype.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrder, id))
}

const getOrderByPaymentResultID = `-- name: GetOrderByPaymentResultID :one
SELECT ` + orderColumns + `
FROM orders
WHERE payment_result_id = $1
`

func (q *Queries) GetOrderByPaymentResultID(ctx context.Context, paymentResultID pgtype.Text) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByPaymentResultID, paymentResultID))
}

const listOrders = `-- name: ListOrders :many
SELECT ` + orderColumns + `
FROM orders
ORDER BY created_at DESC
`

func (q *Queries) ListOrders(ctx context.Context) ([]Order, error) {
	return collectOrders(q.db.Query(ctx, listOrders))
}

const listOrdersByUser = `-- name: ListOrdersByUser :many
SELECT ` + orderColumns + `
FROM orders
WHERE user_id = $1
ORDER BY created_at DESC
`

func (q *Queries) ListOrdersByUser(ctx context.Context, userID pgtype.UUID) ([]Order, error) {
	return collectOrders(q.db.Query(ctx, listOrdersByUser, userID))
}

const listOrderItems = `-- name: ListOrderItems :many
SELECT order_id, position, product_id, name, image, quantity, price
FROM order_items
WHERE order_id = ANY($1::uuid[])
ORDER BY order_id, position
`

func (q *Queries) ListOrderItems(ctx context.Context, orderIds []pgtype.UUID) ([]OrderItem, error) {
	rows, err := q.db.Query(ctx, listOrderItems, orderIds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		var i OrderItem
		if err := rows.Scan(
			&i.OrderID,
			&i.Position,
			&i.ProductID,
			&i.Name,
			&i.Image,
			&i.Quantity,
			&i.Price,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const markOrderPaid = `-- name: MarkOrderPaid :one
UPDATE orders
SET is_paid = true,
    paid_at = $2,
    payment_result_id = $3,
    payment_result_status = $4,
    payment_result_email = $5,
    stock_reconciliation_required = $6,
    updated_at = now()
WHERE id = $1 AND is_paid = false
RETURNING ` + orderColumns

type MarkOrderPaidParams struct {
	ID                          pgtype.UUID        `json:"id"`
	PaidAt                      pgtype.Timestamptz `json:"paid_at"`
	PaymentResultID             pgtype.Text        `json:"payment_result_id"`
	PaymentResultStatus         pgtype.Text        `json:"payment_result_status"`
	PaymentResultEmail          pgtype.Text        `json:"payment_result_email"`
	StockReconciliationRequired bool               `json:"stock_reconciliation_required"`
}

func (q *Queries) MarkOrderPaid(ctx context.Context, arg MarkOrderPaidParams) (Order, error) {
	row := q.db.QueryRow(ctx, markOrderPaid,
		arg.ID,
		arg.PaidAt,
		arg.PaymentResultID,
		arg.PaymentResultStatus,
		arg.PaymentResultEmail,
		arg.StockReconciliationRequired,
	)
	return scanOrder(row)
}

const updateOrderStatus = `-- name: UpdateOrderStatus :one
UPDATE orders
SET status = $2,
    is_delivered = $3,
    delivered_at = $4,
    updated_at = now()
WHERE id = $1
RETURNING ` + orderColumns

type UpdateOrderStatusParams struct {
	ID          pgtype.UUID        `json:"id"`
	Status      string             `json:"status"`
	IsDelivered bool               `json:"is_delivered"`
	DeliveredAt pgtype.Timestamptz `json:"delivered_at"`
}

func (q *Queries) UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) (Order, error) {
	row := q.db.QueryRow(ctx, updateOrderStatus,
		arg.ID,
		arg.Status,
		arg.IsDelivered,
		arg.DeliveredAt,
	)
	return scanOrder(row)
}
