package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/repository"
)

type dashboardService struct {
	repo   repository.Querier
	logger *slog.Logger
	now    func() time.Time
}

// NewDashboardService creates a new DashboardService instance.
func NewDashboardService(repo repository.Querier, logger *slog.Logger) domain.DashboardService {
	if logger == nil {
		logger = slog.Default()
	}
	return &dashboardService{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// GetDashboardStats implements domain.DashboardService. Statistics are
// computed from the store on every call.
func (s *dashboardService) GetDashboardStats(ctx context.Context, id domain.Identity) (*domain.DashboardStats, error) {
	const op = "dashboard.stats"

	if !id.Role.CanViewDashboard() {
		return nil, domain.ErrForbidden
	}

	stats := &domain.DashboardStats{
		OrdersByStatus: make(map[domain.OrderStatus]int64, len(domain.AllOrderStatuses)),
		TopProducts:    []domain.TopProduct{},
		DailySales:     []domain.DailySale{},
	}
	for _, st := range domain.AllOrderStatuses {
		stats.OrdersByStatus[st] = 0
	}

	counts, err := s.repo.CountOrdersByStatus(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to count orders")
	}
	for _, c := range counts {
		if st, ok := domain.ParseOrderStatus(c.Status); ok {
			stats.OrdersByStatus[st] = c.Count
		}
		stats.TotalOrders += c.Count
	}

	revenue, err := s.repo.GetDeliveredRevenue(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to sum revenue")
	}
	stats.TotalRevenue = decimalFromNumeric(revenue)

	if stats.TotalUsers, err = s.repo.CountUsersByRole(ctx, string(domain.RoleUser)); err != nil {
		return nil, domain.Internal(err, op, "failed to count users")
	}
	if stats.TotalProducts, err = s.repo.CountProducts(ctx); err != nil {
		return nil, domain.Internal(err, op, "failed to count products")
	}

	top, err := s.repo.ListTopProducts(ctx, domain.TopProductsLimit)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list top products")
	}
	for _, row := range top {
		stats.TopProducts = append(stats.TopProducts, domain.TopProduct{
			ProductID: mustUUID(row.ProductID),
			Name:      row.Name,
			Quantity:  row.Quantity,
			Revenue:   decimalFromNumeric(row.Revenue),
		})
	}

	daily, err := s.repo.ListDailySales(ctx, timestamptz(dailySalesStart(s.now())))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list daily sales")
	}
	for _, row := range daily {
		stats.DailySales = append(stats.DailySales, domain.DailySale{
			Date:   row.Day.Time,
			Total:  decimalFromNumeric(row.Total),
			Orders: row.Orders,
		})
	}

	s.logger.DebugContext(ctx, "dashboard stats computed",
		"total_orders", stats.TotalOrders,
		"total_revenue", stats.TotalRevenue.String(),
	)
	return stats, nil
}

// dailySalesStart returns UTC midnight at the start of the trailing window,
// so the window covers today plus the preceding days.
func dailySalesStart(now time.Time) time.Time {
	days := int(domain.DailySalesWindow / (24 * time.Hour))
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))
}
