package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product is the order flow's view of a catalog product. Price and
// CountInStock are authoritative.
type Product struct {
	ID           uuid.UUID       `json:"_id"`
	Name         string          `json:"name"`
	Image        string          `json:"image"`
	Price        decimal.Decimal `json:"price"`
	CountInStock int32           `json:"countInStock"`
}
