package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/payments"
	"github.com/rotulo-studio/api/internal/repositories"
)

var testNow = time.Date(2026, time.March, 14, 15, 9, 26, 0, time.UTC)

func fixedClock() time.Time {
	return testNow
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%08d", n)
	}
}

// stubUnitOfWork runs the transactional closure directly. Rollback is not
// simulated; tests arrange their fixtures so failures occur before any write.
type stubUnitOfWork struct {
	beginErr error
	calls    int
}

func (u *stubUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u.beginErr != nil {
		return u.beginErr
	}
	u.calls++
	return fn(ctx)
}

type stubRepoError struct {
	msg      string
	notFound bool
	conflict bool
}

func (e stubRepoError) Error() string       { return e.msg }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return false }

var _ repositories.RepositoryError = stubRepoError{}

type memOrders struct {
	orders      map[string]domain.Order
	transitions []domain.Order
}

func newMemOrders(seed ...domain.Order) *memOrders {
	m := &memOrders{orders: make(map[string]domain.Order)}
	for _, order := range seed {
		m.orders[order.ID] = order
	}
	return m
}

func (m *memOrders) Insert(_ context.Context, order domain.Order) error {
	if _, ok := m.orders[order.ID]; ok {
		return stubRepoError{msg: "order exists", conflict: true}
	}
	m.orders[order.ID] = order
	return nil
}

func (m *memOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, stubRepoError{msg: "order not found", notFound: true}
	}
	return order, nil
}

func (m *memOrders) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	return m.FindByID(ctx, orderID)
}

func (m *memOrders) LockByExternalReference(_ context.Context, reference string) (domain.Order, error) {
	for _, order := range m.orders {
		if order.OrderNumber == reference {
			return order, nil
		}
	}
	return domain.Order{}, stubRepoError{msg: "order not found", notFound: true}
}

func (m *memOrders) SaveTransition(_ context.Context, order domain.Order) error {
	if _, ok := m.orders[order.ID]; !ok {
		return stubRepoError{msg: "order not found", notFound: true}
	}
	m.orders[order.ID] = order
	m.transitions = append(m.transitions, order)
	return nil
}

type memStock struct {
	items     map[string]*domain.StockItem
	movements []repositories.StockMutation
}

func newMemStock(seed ...domain.StockItem) *memStock {
	m := &memStock{items: make(map[string]*domain.StockItem)}
	for i := range seed {
		item := seed[i]
		m.items[item.ID] = &item
	}
	return m
}

func (m *memStock) FindByID(_ context.Context, stockItemID string) (domain.StockItem, error) {
	item, ok := m.items[stockItemID]
	if !ok {
		return domain.StockItem{}, stubRepoError{msg: "stock item not found", notFound: true}
	}
	return *item, nil
}

func (m *memStock) Deduct(_ context.Context, mut repositories.StockMutation) (repositories.StockLevel, error) {
	item, ok := m.items[mut.StockItemID]
	if !ok {
		return repositories.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound, mut.StockItemID, nil)
	}
	if !item.Active {
		return repositories.StockLevel{}, repositories.NewStockError(repositories.StockErrorInactive, mut.StockItemID, nil)
	}
	if item.Quantity < mut.Quantity {
		return repositories.StockLevel{}, repositories.NewStockError(repositories.StockErrorInsufficient, mut.StockItemID, nil)
	}
	item.Quantity -= mut.Quantity
	m.movements = append(m.movements, mut)
	return m.level(*item), nil
}

func (m *memStock) Restore(_ context.Context, mut repositories.StockMutation) (repositories.StockLevel, error) {
	item, ok := m.items[mut.StockItemID]
	if !ok {
		return repositories.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound, mut.StockItemID, nil)
	}
	item.Quantity += mut.Quantity
	m.movements = append(m.movements, mut)
	return m.level(*item), nil
}

func (m *memStock) level(item domain.StockItem) repositories.StockLevel {
	return repositories.StockLevel{
		StockItemID:      item.ID,
		SKU:              item.SKU,
		Name:             item.Name,
		Quantity:         item.Quantity,
		MinStock:         item.MinStock,
		AtOrBelowMinimum: item.AtOrBelowMinimum(),
	}
}

func (m *memStock) movementsFor(cause domain.MovementCause) []repositories.StockMutation {
	var out []repositories.StockMutation
	for _, mut := range m.movements {
		if mut.Cause == cause {
			out = append(out, mut)
		}
	}
	return out
}

type memUsages struct {
	usages map[string]domain.MaterialUsage
}

func newMemUsages(seed ...domain.MaterialUsage) *memUsages {
	m := &memUsages{usages: make(map[string]domain.MaterialUsage)}
	for _, usage := range seed {
		m.usages[usage.ID] = usage
	}
	return m
}

func (m *memUsages) Insert(_ context.Context, usage domain.MaterialUsage) error {
	for _, existing := range m.usages {
		if existing.OrderID == usage.OrderID && existing.StockItemID == usage.StockItemID {
			return stubRepoError{msg: "duplicate usage", conflict: true}
		}
	}
	m.usages[usage.ID] = usage
	return nil
}

func (m *memUsages) FindByID(_ context.Context, usageID string) (domain.MaterialUsage, error) {
	usage, ok := m.usages[usageID]
	if !ok {
		return domain.MaterialUsage{}, stubRepoError{msg: "usage not found", notFound: true}
	}
	return usage, nil
}

func (m *memUsages) Delete(_ context.Context, usageID string) error {
	if _, ok := m.usages[usageID]; !ok {
		return stubRepoError{msg: "usage not found", notFound: true}
	}
	delete(m.usages, usageID)
	return nil
}

func (m *memUsages) ExistsForOrderItem(_ context.Context, orderID, stockItemID string) (bool, error) {
	for _, usage := range m.usages {
		if usage.OrderID == orderID && usage.StockItemID == stockItemID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memUsages) ListByOrder(_ context.Context, orderID string) ([]domain.MaterialUsage, error) {
	var out []domain.MaterialUsage
	for _, usage := range m.usages {
		if usage.OrderID == orderID {
			out = append(out, usage)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memCounters struct {
	values map[string]int64
}

func newMemCounters() *memCounters {
	return &memCounters{values: make(map[string]int64)}
}

func (m *memCounters) Next(_ context.Context, name string, delta int64) (int64, error) {
	m.values[name] += delta
	return m.values[name], nil
}

type stubGateway struct {
	details payments.PaymentDetails
	err     error
	calls   int
}

func (g *stubGateway) LookupPayment(_ context.Context, providerName string, req payments.LookupRequest) (payments.PaymentDetails, error) {
	g.calls++
	if g.err != nil {
		return payments.PaymentDetails{}, g.err
	}
	details := g.details
	if details.Provider == "" {
		details.Provider = providerName
	}
	if details.PaymentID == "" {
		details.PaymentID = req.PaymentID
	}
	return details, nil
}

type recordingAlerts struct {
	alerts []StockAlert
	err    error
}

func (a *recordingAlerts) PublishStockAlert(_ context.Context, alert StockAlert) (string, error) {
	a.alerts = append(a.alerts, alert)
	if a.err != nil {
		return "", a.err
	}
	return fmt.Sprintf("msg-%d", len(a.alerts)), nil
}
