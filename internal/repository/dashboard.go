package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const countOrdersByStatus = `-- name: CountOrdersByStatus :many
SELECT status, count(*) AS count
FROM orders
GROUP BY status
`

type CountOrdersByStatusRow struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

func (q *Queries) CountOrdersByStatus(ctx context.Context) ([]CountOrdersByStatusRow, error) {
	rows, err := q.db.Query(ctx, countOrdersByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountOrdersByStatusRow
	for rows.Next() {
		var i CountOrdersByStatusRow
		if err := rows.Scan(&i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getDeliveredRevenue = `-- name: GetDeliveredRevenue :one
SELECT COALESCE(sum(total_price), 0)::numeric(14, 2) AS revenue
FROM orders
WHERE status = 'Delivered'
`

func (q *Queries) GetDeliveredRevenue(ctx context.Context) (pgtype.Numeric, error) {
	row := q.db.QueryRow(ctx, getDeliveredRevenue)
	var revenue pgtype.Numeric
	err := row.Scan(&revenue)
	return revenue, err
}

const listTopProducts = `-- name: ListTopProducts :many
SELECT oi.product_id,
       max(oi.name) AS name,
       sum(oi.quantity)::bigint AS quantity,
       sum(oi.quantity * oi.price)::numeric(14, 2) AS revenue
FROM order_items oi
JOIN orders o ON o.id = oi.order_id
WHERE o.status = 'Delivered'
GROUP BY oi.product_id
ORDER BY quantity DESC, revenue DESC
LIMIT $1
`

type ListTopProductsRow struct {
	ProductID pgtype.UUID    `json:"product_id"`
	Name      string         `json:"name"`
	Quantity  int64          `json:"quantity"`
	Revenue   pgtype.Numeric `json:"revenue"`
}

func (q *Queries) ListTopProducts(ctx context.Context, limit int32) ([]ListTopProductsRow, error) {
	rows, err := q.db.Query(ctx, listTopProducts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListTopProductsRow
	for rows.Next() {
		var i ListTopProductsRow
		if err := rows.Scan(&i.ProductID, &i.Name, &i.Quantity, &i.Revenue); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listDailySales = `-- name: ListDailySales :many
SELECT date_trunc('day', created_at AT TIME ZONE 'UTC')::date AS day,
       sum(total_price)::numeric(14, 2) AS total,
       count(*) AS orders
FROM orders
WHERE status = 'Delivered' AND created_at >= $1
GROUP BY day
ORDER BY day ASC
`

type ListDailySalesRow struct {
	Day    pgtype.Date    `json:"day"`
	Total  pgtype.Numeric `json:"total"`
	Orders int64          `json:"orders"`
}

func (q *Queries) ListDailySales(ctx context.Context, since pgtype.Timestamptz) ([]ListDailySalesRow, error) {
	rows, err := q.db.Query(ctx, listDailySales, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ListDailySalesRow
	for rows.Next() {
		var i ListDailySalesRow
		if err := rows.Scan(&i.Day, &i.Total, &i.Orders); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countUsersByRole = `-- name: CountUsersByRole :one
SELECT count(*) FROM users WHERE role = $1
`

func (q *Queries) CountUsersByRole(ctx context.Context, role string) (int64, error) {
	row := q.db.QueryRow(ctx, countUsersByRole, role)
	var count int64
	err := row.Scan(&count)
	return count, err
}
