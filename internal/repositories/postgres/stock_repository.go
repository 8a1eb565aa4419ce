package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/repositories"
)

// StockRepository implements the stock ledger over Postgres. Every mutation
// locks the item row, applies the delta, and appends a stock movement in
// the caller's transaction.
type StockRepository struct {
	pool *pgxpool.Pool
}

// NewStockRepository constructs the repository.
func NewStockRepository(pool *pgxpool.Pool) (*StockRepository, error) {
	if pool == nil {
		return nil, errors.New("postgres: pool is required")
	}
	return &StockRepository{pool: pool}, nil
}

var _ repositories.StockRepository = (*StockRepository)(nil)

// FindByID loads a stock item without locking.
func (r *StockRepository) FindByID(ctx context.Context, stockItemID string) (domain.StockItem, error) {
	run := runner(ctx, r.pool)

	var item domain.StockItem
	err := run.QueryRow(ctx, `
		SELECT id, sku, name, unit, quantity, min_stock, active, updated_at
		FROM stock_items WHERE id = $1`, stockItemID).Scan(
		&item.ID, &item.SKU, &item.Name, &item.Unit, &item.Quantity, &item.MinStock, &item.Active, &item.UpdatedAt)
	if err != nil {
		return domain.StockItem{}, wrapError("stock.find", err)
	}
	return item, nil
}

// Deduct subtracts quantity from the item, failing when the result would be
// negative. Requires an enclosing transaction.
func (r *StockRepository) Deduct(ctx context.Context, mut repositories.StockMutation) (repositories.StockLevel, error) {
	return r.apply(ctx, mut, -mut.Quantity)
}

// Restore adds quantity back to the item. No upper bound is enforced;
// pairing with a prior deduction is the caller's contract and is auditable
// through stock movements. Requires an enclosing transaction.
func (r *StockRepository) Restore(ctx context.Context, mut repositories.StockMutation) (repositories.StockLevel, error) {
	return r.apply(ctx, mut, mut.Quantity)
}

func (r *StockRepository) apply(ctx context.Context, mut repositories.StockMutation, delta int64) (repositories.StockLevel, error) {
	if _, ok := txFromContext(ctx); !ok {
		return repositories.StockLevel{}, errors.New("postgres: stock mutation requires a transaction")
	}
	if mut.Quantity <= 0 {
		return repositories.StockLevel{}, repositories.NewStockError(repositories.StockErrorUnknown,
			fmt.Sprintf("quantity must be positive, got %d", mut.Quantity), nil)
	}

	run := runner(ctx, r.pool)

	var item domain.StockItem
	err := run.QueryRow(ctx, `
		SELECT id, sku, name, unit, quantity, min_stock, active, updated_at
		FROM stock_items WHERE id = $1 FOR UPDATE`, mut.StockItemID).Scan(
		&item.ID, &item.SKU, &item.Name, &item.Unit, &item.Quantity, &item.MinStock, &item.Active, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repositories.StockLevel{}, repositories.NewStockError(repositories.StockErrorNotFound,
				fmt.Sprintf("stock item %s not found", mut.StockItemID), err)
		}
		return repositories.StockLevel{}, wrapError("stock.lock", err)
	}
	if !item.Active {
		return repositories.StockLevel{}, repositories.NewStockError(repositories.StockErrorInactive,
			fmt.Sprintf("stock item %s is inactive", mut.StockItemID), nil)
	}

	resulting := item.Quantity + delta
	if resulting < 0 {
		return repositories.StockLevel{}, repositories.NewStockError(repositories.StockErrorInsufficient,
			fmt.Sprintf("stock item %s has %d, requested %d", mut.StockItemID, item.Quantity, mut.Quantity), nil)
	}

	if _, err := run.Exec(ctx, `
		UPDATE stock_items SET quantity = $2, updated_at = $3 WHERE id = $1`,
		mut.StockItemID, resulting, mut.Now); err != nil {
		return repositories.StockLevel{}, wrapError("stock.update", err)
	}

	if _, err := run.Exec(ctx, `
		INSERT INTO stock_movements (stock_item_id, delta, resulting, cause, order_id, usage_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		mut.StockItemID, delta, resulting, string(mut.Cause), mut.OrderID, mut.UsageID, mut.Now); err != nil {
		return repositories.StockLevel{}, wrapError("stock.movement", err)
	}

	return repositories.StockLevel{
		StockItemID:      item.ID,
		SKU:              item.SKU,
		Name:             item.Name,
		Quantity:         resulting,
		MinStock:         item.MinStock,
		AtOrBelowMinimum: resulting <= item.MinStock,
	}, nil
}
