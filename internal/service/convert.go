package service

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/repository"
)

func uuidToPgtype(u uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: u, Valid: true}
}

func pgtypeToUUID(u pgtype.UUID) (uuid.UUID, error) {
	if !u.Valid {
		return uuid.Nil, errors.New("invalid UUID")
	}
	return uuid.UUID(u.Bytes), nil
}

// mustUUID converts an id read back from the database, where NULL is not
// possible.
func mustUUID(u pgtype.UUID) uuid.UUID {
	id, _ := pgtypeToUUID(u)
	return id
}

func numericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func decimalFromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// toMinorUnits converts a money amount to the processor's integer minor
// units (two decimal places).
func toMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func productFromRow(row repository.Product) domain.Product {
	return domain.Product{
		ID:           mustUUID(row.ID),
		Name:         row.Name,
		Image:        row.Image,
		Price:        decimalFromNumeric(row.Price),
		CountInStock: row.CountInStock,
	}
}

func userFromRow(row repository.User) *domain.User {
	return &domain.User{
		ID:           mustUUID(row.ID),
		Name:         row.Name,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		Role:         domain.Role(row.Role),
		CreatedAt:    row.CreatedAt.Time,
	}
}

func orderFromRow(row repository.Order, items []repository.OrderItem) domain.Order {
	o := domain.Order{
		ID:     mustUUID(row.ID),
		UserID: mustUUID(row.UserID),
		ShippingAddress: domain.ShippingAddress{
			FullName: row.ShippingFullName,
			Phone:    row.ShippingPhone,
			Address:  row.ShippingAddress,
			City:     row.ShippingCity,
		},
		PaymentMethod:               domain.PaymentMethod(row.PaymentMethod),
		ItemsPrice:                  decimalFromNumeric(row.ItemsPrice),
		ShippingPrice:               decimalFromNumeric(row.ShippingPrice),
		TotalPrice:                  decimalFromNumeric(row.TotalPrice),
		IsPaid:                      row.IsPaid,
		PaidAt:                      timePtr(row.PaidAt),
		Status:                      domain.OrderStatus(row.Status),
		IsDelivered:                 row.IsDelivered,
		DeliveredAt:                 timePtr(row.DeliveredAt),
		StockReconciliationRequired: row.StockReconciliationRequired,
		CreatedAt:                   row.CreatedAt.Time,
		UpdatedAt:                   row.UpdatedAt.Time,
		OrderItems:                  make([]domain.LineItem, 0, len(items)),
	}
	if row.PaymentResultID.Valid {
		o.PaymentResult = &domain.PaymentResult{
			ID:           row.PaymentResultID.String,
			Status:       row.PaymentResultStatus.String,
			EmailAddress: row.PaymentResultEmail.String,
		}
	}
	for _, it := range items {
		o.OrderItems = append(o.OrderItems, domain.LineItem{
			ProductID: mustUUID(it.ProductID),
			Name:      it.Name,
			Image:     it.Image,
			Quantity:  it.Quantity,
			Price:     decimalFromNumeric(it.Price),
		})
	}
	return o
}
