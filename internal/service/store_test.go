package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/manzil/internal/repository"
)

// memStore is an in-memory repository.Store. Stock decrements are
// conditional and atomic like the SQL they stand in for. Transactions are
// serialized and roll back by restoring a snapshot.
type memStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	users    map[uuid.UUID]repository.User
	products map[uuid.UUID]repository.Product
	orders   map[uuid.UUID]repository.Order
	sequence []uuid.UUID
	items    []repository.OrderItem
	outbox   []repository.Outbox
	nextID   int64

	// beforeDecrement, when set, runs before each decrement inside a
	// transaction.
	beforeDecrement func(productID uuid.UUID)

	// external holds stock written outside any transaction. It survives a
	// rollback of a transaction that was running at the time.
	external map[uuid.UUID]int32
}

var _ repository.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[uuid.UUID]repository.User),
		products: make(map[uuid.UUID]repository.Product),
		orders:   make(map[uuid.UUID]repository.Order),
	}
}

type memSnapshot struct {
	users    map[uuid.UUID]repository.User
	products map[uuid.UUID]repository.Product
	orders   map[uuid.UUID]repository.Order
	sequence []uuid.UUID
	items    []repository.OrderItem
	outbox   []repository.Outbox
	nextID   int64
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		users:    make(map[uuid.UUID]repository.User, len(m.users)),
		products: make(map[uuid.UUID]repository.Product, len(m.products)),
		orders:   make(map[uuid.UUID]repository.Order, len(m.orders)),
		sequence: append([]uuid.UUID(nil), m.sequence...),
		items:    append([]repository.OrderItem(nil), m.items...),
		outbox:   append([]repository.Outbox(nil), m.outbox...),
		nextID:   m.nextID,
	}
	for k, v := range m.users {
		s.users[k] = v
	}
	for k, v := range m.products {
		s.products[k] = v
	}
	for k, v := range m.orders {
		s.orders[k] = v
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = s.users
	m.products = s.products
	m.orders = s.orders
	m.sequence = s.sequence
	m.items = s.items
	m.outbox = s.outbox
	m.nextID = s.nextID
}

func (m *memStore) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	err := fn(m)
	if err != nil {
		m.restore(snap)
	}

	m.mu.Lock()
	for id, n := range m.external {
		p := m.products[id]
		p.CountInStock = n
		m.products[id] = p
	}
	m.external = nil
	m.mu.Unlock()
	return err
}

// Test helpers

func (m *memStore) addProduct(name string, price string, stock int32) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.products[id] = repository.Product{
		ID:           uuidToPgtype(id),
		Name:         name,
		Image:        "/images/" + strings.ToLower(name) + ".jpg",
		Price:        numericFromDecimal(decimal.RequireFromString(price)),
		CountInStock: stock,
		CreatedAt:    timestamptz(time.Now()),
	}
	return id
}

func (m *memStore) addUser(name, email, role, hash string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.users[id] = repository.User{
		ID:           uuidToPgtype(id),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    timestamptz(time.Now()),
	}
	return id
}

// setStockExternally simulates another connection changing stock.
func (m *memStore) setStockExternally(id uuid.UUID, n int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[id]
	p.CountInStock = n
	m.products[id] = p
	if m.external == nil {
		m.external = make(map[uuid.UUID]int32)
	}
	m.external[id] = n
}

func (m *memStore) stock(id uuid.UUID) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].CountInStock
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) outboxTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []string
	for _, o := range m.outbox {
		// Payload is the JSON event; the type follows "type":"
		s := string(o.Payload)
		if i := strings.Index(s, `"type":"`); i >= 0 {
			rest := s[i+len(`"type":"`):]
			types = append(types, rest[:strings.IndexByte(rest, '"')])
		}
	}
	return types
}

// setOrderCreatedAt backdates an order for dashboard tests.
func (m *memStore) setOrderCreatedAt(id uuid.UUID, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.CreatedAt = timestamptz(t)
	m.orders[id] = o
}

// Querier implementation

func (m *memStore) CountOrdersByStatus(ctx context.Context) ([]repository.CountOrdersByStatusRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, o := range m.orders {
		counts[o.Status]++
	}
	rows := make([]repository.CountOrdersByStatusRow, 0, len(counts))
	for status, n := range counts {
		rows = append(rows, repository.CountOrdersByStatusRow{Status: status, Count: n})
	}
	return rows, nil
}

func (m *memStore) CountProducts(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.products)), nil
}

func (m *memStore) CountUsersByRole(ctx context.Context, role string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, u := range m.users {
		if u.Role == role {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateOrder(ctx context.Context, arg repository.CreateOrderParams) (repository.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if arg.PaymentResultID.Valid {
		for _, o := range m.orders {
			if o.PaymentResultID.Valid && o.PaymentResultID.String == arg.PaymentResultID.String {
				return repository.Order{}, &pgconn.PgError{Code: "23505", ConstraintName: paymentHandleConstraint}
			}
		}
	}
	id := uuid.New()
	now := timestamptz(time.Now())
	o := repository.Order{
		ID:                  uuidToPgtype(id),
		UserID:              arg.UserID,
		ShippingFullName:    arg.ShippingFullName,
		ShippingPhone:       arg.ShippingPhone,
		ShippingAddress:     arg.ShippingAddress,
		ShippingCity:        arg.ShippingCity,
		PaymentMethod:       arg.PaymentMethod,
		PaymentResultID:     arg.PaymentResultID,
		PaymentResultStatus: arg.PaymentResultStatus,
		PaymentResultEmail:  arg.PaymentResultEmail,
		ItemsPrice:          arg.ItemsPrice,
		ShippingPrice:       arg.ShippingPrice,
		TotalPrice:          arg.TotalPrice,
		IsPaid:              arg.IsPaid,
		PaidAt:              arg.PaidAt,
		Status:              arg.Status,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	m.orders[id] = o
	m.sequence = append(m.sequence, id)
	return o, nil
}

func (m *memStore) CreateOrderItem(ctx context.Context, arg repository.CreateOrderItemParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, repository.OrderItem{
		OrderID:   arg.OrderID,
		Position:  arg.Position,
		ProductID: arg.ProductID,
		Name:      arg.Name,
		Image:     arg.Image,
		Quantity:  arg.Quantity,
		Price:     arg.Price,
	})
	return nil
}

func (m *memStore) CreateUser(ctx context.Context, arg repository.CreateUserParams) (repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, arg.Email) {
			return repository.User{}, &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}
		}
	}
	id := uuid.New()
	u := repository.User{
		ID:           uuidToPgtype(id),
		Name:         arg.Name,
		Email:        arg.Email,
		PasswordHash: arg.PasswordHash,
		Role:         arg.Role,
		CreatedAt:    timestamptz(time.Now()),
	}
	m.users[id] = u
	return u, nil
}

func (m *memStore) DecrementProductStock(ctx context.Context, arg repository.DecrementProductStockParams) (int64, error) {
	if m.beforeDecrement != nil {
		m.beforeDecrement(mustUUID(arg.ID))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := mustUUID(arg.ID)
	p, ok := m.products[id]
	if !ok || p.CountInStock < arg.Quantity {
		return 0, nil
	}
	p.CountInStock -= arg.Quantity
	m.products[id] = p
	return 1, nil
}

func (m *memStore) FetchPendingOutbox(ctx context.Context, limit int32) ([]repository.Outbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []repository.Outbox
	for _, o := range m.outbox {
		if !o.SentAt.Valid {
			pending = append(pending, o)
			if int32(len(pending)) == limit {
				break
			}
		}
	}
	return pending, nil
}

func (m *memStore) GetDeliveredRevenue(ctx context.Context) (pgtype.Numeric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, o := range m.orders {
		if o.Status == "Delivered" {
			total = total.Add(decimalFromNumeric(o.TotalPrice))
		}
	}
	return numericFromDecimal(total), nil
}

func (m *memStore) GetOrder(ctx context.Context, id pgtype.UUID) (repository.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[mustUUID(id)]
	if !ok {
		return repository.Order{}, pgx.ErrNoRows
	}
	return o, nil
}

func (m *memStore) GetOrderByPaymentResultID(ctx context.Context, paymentResultID pgtype.Text) (repository.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PaymentResultID.Valid && o.PaymentResultID.String == paymentResultID.String {
			return o, nil
		}
	}
	return repository.Order{}, pgx.ErrNoRows
}

func (m *memStore) GetProductsByIDs(ctx context.Context, ids []pgtype.UUID) ([]repository.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Product
	for _, id := range ids {
		if p, ok := m.products[mustUUID(id)]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return repository.User{}, pgx.ErrNoRows
}

func (m *memStore) GetUserByID(ctx context.Context, id pgtype.UUID) (repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[mustUUID(id)]
	if !ok {
		return repository.User{}, pgx.ErrNoRows
	}
	return u, nil
}

func (m *memStore) InsertOutboxEvent(ctx context.Context, arg repository.InsertOutboxEventParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.outbox = append(m.outbox, repository.Outbox{
		ID:        m.nextID,
		EventID:   arg.EventID,
		Topic:     arg.Topic,
		Key:       arg.Key,
		Payload:   arg.Payload,
		CreatedAt: timestamptz(time.Now()),
	})
	return nil
}

func (m *memStore) ListDailySales(ctx context.Context, since pgtype.Timestamptz) ([]repository.ListDailySalesRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type bucket struct {
		total  decimal.Decimal
		orders int64
	}
	days := make(map[time.Time]*bucket)
	for _, o := range m.orders {
		if o.Status != "Delivered" || o.CreatedAt.Time.Before(since.Time) {
			continue
		}
		y, mo, d := o.CreatedAt.Time.UTC().Date()
		day := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
		b, ok := days[day]
		if !ok {
			b = &bucket{total: decimal.Zero}
			days[day] = b
		}
		b.total = b.total.Add(decimalFromNumeric(o.TotalPrice))
		b.orders++
	}
	rows := make([]repository.ListDailySalesRow, 0, len(days))
	for day, b := range days {
		rows = append(rows, repository.ListDailySalesRow{
			Day:    pgtype.Date{Time: day, Valid: true},
			Total:  numericFromDecimal(b.total),
			Orders: b.orders,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Day.Time.Before(rows[j].Day.Time) })
	return rows, nil
}

func (m *memStore) ListOrderItems(ctx context.Context, orderIds []pgtype.UUID) ([]repository.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(orderIds))
	for _, id := range orderIds {
		want[mustUUID(id)] = true
	}
	var out []repository.OrderItem
	for _, it := range m.items {
		if want[mustUUID(it.OrderID)] {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memStore) ListOrders(ctx context.Context) ([]repository.Order, error) {
	return m.listOrders(func(repository.Order) bool { return true }), nil
}

func (m *memStore) ListOrdersByUser(ctx context.Context, userID pgtype.UUID) ([]repository.Order, error) {
	uid := mustUUID(userID)
	return m.listOrders(func(o repository.Order) bool { return mustUUID(o.UserID) == uid }), nil
}

// listOrders returns matching orders newest first.
func (m *memStore) listOrders(match func(repository.Order) bool) []repository.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Order
	for i := len(m.sequence) - 1; i >= 0; i-- {
		if o := m.orders[m.sequence[i]]; match(o) {
			out = append(out, o)
		}
	}
	return out
}

func (m *memStore) ListTopProducts(ctx context.Context, limit int32) ([]repository.ListTopProductsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := make(map[uuid.UUID]*repository.ListTopProductsRow)
	revenue := make(map[uuid.UUID]decimal.Decimal)
	for _, it := range m.items {
		if m.orders[mustUUID(it.OrderID)].Status != "Delivered" {
			continue
		}
		pid := mustUUID(it.ProductID)
		row, ok := agg[pid]
		if !ok {
			row = &repository.ListTopProductsRow{ProductID: it.ProductID, Name: it.Name}
			agg[pid] = row
		}
		row.Quantity += int64(it.Quantity)
		revenue[pid] = revenue[pid].Add(decimalFromNumeric(it.Price).Mul(decimal.NewFromInt32(it.Quantity)))
	}
	rows := make([]repository.ListTopProductsRow, 0, len(agg))
	for pid, row := range agg {
		row.Revenue = numericFromDecimal(revenue[pid])
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Quantity > rows[j].Quantity })
	if int32(len(rows)) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *memStore) MarkOrderPaid(ctx context.Context, arg repository.MarkOrderPaidParams) (repository.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := mustUUID(arg.ID)
	o, ok := m.orders[id]
	if !ok || o.IsPaid {
		return repository.Order{}, pgx.ErrNoRows
	}
	for oid, other := range m.orders {
		if oid != id && other.PaymentResultID.Valid && other.PaymentResultID.String == arg.PaymentResultID.String {
			return repository.Order{}, &pgconn.PgError{Code: "23505", ConstraintName: paymentHandleConstraint}
		}
	}
	o.IsPaid = true
	o.PaidAt = arg.PaidAt
	o.PaymentResultID = arg.PaymentResultID
	o.PaymentResultStatus = arg.PaymentResultStatus
	o.PaymentResultEmail = arg.PaymentResultEmail
	o.StockReconciliationRequired = arg.StockReconciliationRequired
	o.UpdatedAt = timestamptz(time.Now())
	m.orders[id] = o
	return o, nil
}

func (m *memStore) MarkOutboxSent(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := make(map[int64]bool, len(ids))
	for _, id := range ids {
		sent[id] = true
	}
	for i := range m.outbox {
		if sent[m.outbox[i].ID] {
			m.outbox[i].SentAt = timestamptz(time.Now())
		}
	}
	return nil
}

func (m *memStore) UpdateOrderStatus(ctx context.Context, arg repository.UpdateOrderStatusParams) (repository.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := mustUUID(arg.ID)
	o, ok := m.orders[id]
	if !ok {
		return repository.Order{}, pgx.ErrNoRows
	}
	o.Status = arg.Status
	o.IsDelivered = arg.IsDelivered
	o.DeliveredAt = arg.DeliveredAt
	o.UpdatedAt = timestamptz(time.Now())
	m.orders[id] = o
	return o, nil
}

func (m *memStore) UpdateUserRole(ctx context.Context, arg repository.UpdateUserRoleParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := mustUUID(arg.ID)
	u, ok := m.users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.Role = arg.Role
	m.users[id] = u
	return nil
}
