package repositories

import (
	"context"
	"time"

	domain "github.com/rotulo-studio/api/internal/domain"
)

// UnitOfWork groups repository operations in a single database transaction.
// Repositories resolve the active transaction from the context, so every
// call made inside fn shares one snapshot and one commit.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RepositoryError wraps low-level persistence failures with categorisation
// used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists orders and their line items.
//
// LockByID and LockByExternalReference read with intent to write
// (SELECT ... FOR UPDATE) and must be called inside a UnitOfWork
// transaction; the lock is what serialises concurrent completion paths
// before the idempotency marker is checked.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	LockByID(ctx context.Context, orderID string) (domain.Order, error)
	LockByExternalReference(ctx context.Context, reference string) (domain.Order, error)
	// SaveTransition persists the order status, timestamps, and the
	// last-processed payment marker in one statement.
	SaveTransition(ctx context.Context, order domain.Order) error
}

// StockMutation describes a single attributable ledger operation.
type StockMutation struct {
	StockItemID string
	Quantity    int64
	Cause       domain.MovementCause
	OrderID     string
	UsageID     string
	Now         time.Time
}

// StockLevel reports the post-mutation state of an item so callers can act
// on threshold crossings outside the transaction.
type StockLevel struct {
	StockItemID      string
	SKU              string
	Name             string
	Quantity         int64
	MinStock         int64
	AtOrBelowMinimum bool
}

// StockRepository is the single authority for stock quantities. Deduct and
// Restore lock the item row, mutate the quantity, and append the matching
// stock movement in the enclosing transaction.
type StockRepository interface {
	FindByID(ctx context.Context, stockItemID string) (domain.StockItem, error)
	Deduct(ctx context.Context, mut StockMutation) (StockLevel, error)
	Restore(ctx context.Context, mut StockMutation) (StockLevel, error)
}

// MaterialUsageRepository persists manual consumption records. Insert
// reports a conflict when a record already exists for the same
// (order, stock item) pair.
type MaterialUsageRepository interface {
	Insert(ctx context.Context, usage domain.MaterialUsage) error
	FindByID(ctx context.Context, usageID string) (domain.MaterialUsage, error)
	Delete(ctx context.Context, usageID string) error
	ExistsForOrderItem(ctx context.Context, orderID, stockItemID string) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.MaterialUsage, error)
}

// CounterRepository produces monotonically increasing sequences, used for
// human-facing order numbers.
type CounterRepository interface {
	Next(ctx context.Context, name string, delta int64) (int64, error)
}
