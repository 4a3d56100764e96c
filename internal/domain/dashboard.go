package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TopProductsLimit is the number of best sellers reported on the dashboard.
const TopProductsLimit = 5

// DailySalesWindow is the trailing window covered by DailySales.
const DailySalesWindow = 30 * 24 * time.Hour

// TopProduct is a best seller across delivered orders.
type TopProduct struct {
	ProductID uuid.UUID       `json:"_id"`
	Name      string          `json:"name"`
	Quantity  int64           `json:"totalQty"`
	Revenue   decimal.Decimal `json:"totalRevenue"`
}

// DailySale is the delivered revenue for one calendar day.
type DailySale struct {
	Date   time.Time       `json:"date"`
	Total  decimal.Decimal `json:"total"`
	Orders int64           `json:"orders"`
}

// DashboardStats is the admin dashboard read model. Revenue counts
// delivered orders only.
type DashboardStats struct {
	TotalRevenue   decimal.Decimal       `json:"totalRevenue"`
	OrdersByStatus map[OrderStatus]int64 `json:"ordersByStatus"`
	TotalOrders    int64                 `json:"totalOrders"`
	TotalUsers     int64                 `json:"totalUsers"`
	TotalProducts  int64                 `json:"totalProducts"`
	TopProducts    []TopProduct          `json:"topProducts"`
	DailySales     []DailySale           `json:"dailySales"`
}

// DashboardService computes dashboard statistics on demand.
type DashboardService interface {
	GetDashboardStats(ctx context.Context, id Identity) (*DashboardStats, error)
}
