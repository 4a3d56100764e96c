package repository

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type User struct {
	ID           pgtype.UUID        `json:"id"`
	Name         string             `json:"name"`
	Email        string             `json:"email"`
	PasswordHash string             `json:"password_hash"`
	Role         string             `json:"role"`
	CreatedAt    pgtype.Timestamptz `json:"created_at"`
	UpdatedAt    pgtype.Timestamptz `json:"updated_at"`
}

type Product struct {
	ID           pgtype.UUID        `json:"id"`
	Name         string             `json:"name"`
	Image        string             `json:"image"`
	Price        pgtype.Numeric     `json:"price"`
	CountInStock int32              `json:"count_in_stock"`
	CreatedAt    pgtype.Timestamptz `json:"created_at"`
	UpdatedAt    pgtype.Timestamptz `json:"updated_at"`
}

type Order struct {
	ID                          pgtype.UUID        `json:"id"`
	UserID                      pgtype.UUID        `json:"user_id"`
	ShippingFullName            string             `json:"shipping_full_name"`
	ShippingPhone               string             `json:"shipping_phone"`
	ShippingAddress             string             `json:"shipping_address"`
	ShippingCity                string             `json:"shipping_city"`
	PaymentMethod               string             `json:"payment_method"`
	PaymentResultID             pgtype.Text        `json:"payment_result_id"`
	PaymentResultStatus         pgtype.Text        `json:"payment_result_status"`
	PaymentResultEmail          pgtype.Text        `json:"payment_result_email"`
	ItemsPrice                  pgtype.Numeric     `json:"items_price"`
	ShippingPrice               pgtype.Numeric     `json:"shipping_price"`
	TotalPrice                  pgtype.Numeric     `json:"total_price"`
	IsPaid                      bool               `json:"is_paid"`
	PaidAt                      pgtype.Timestamptz `json:"paid_at"`
	Status                      string             `json:"status"`
	IsDelivered                 bool               `json:"is_delivered"`
	DeliveredAt                 pgtype.Timestamptz `json:"delivered_at"`
	StockReconciliationRequired bool               `json:"stock_reconciliation_required"`
	CreatedAt                   pgtype.Timestamptz `json:"created_at"`
	UpdatedAt                   pgtype.Timestamptz `json:"updated_at"`
}

type OrderItem struct {
	OrderID   pgtype.UUID    `json:"order_id"`
	Position  int32          `json:"position"`
	ProductID pgtype.UUID    `json:"product_id"`
	Name      string         `json:"name"`
	Image     string         `json:"image"`
	Quantity  int32          `json:"quantity"`
	Price     pgtype.Numeric `json:"price"`
}

type Outbox struct {
	ID        int64              `json:"id"`
	EventID   pgtype.UUID        `json:"event_id"`
	Topic     string             `json:"topic"`
	Key       string             `json:"key"`
	Payload   []byte             `json:"payload"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
	SentAt    pgtype.Timestamptz `json:"sent_at"`
}
