package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/repositories"
)

const usageConstraint = "material_usages_order_item_key"

// MaterialUsageRepository implements repositories.MaterialUsageRepository
// over Postgres.
type MaterialUsageRepository struct {
	pool *pgxpool.Pool
}

// NewMaterialUsageRepository constructs the repository.
func NewMaterialUsageRepository(pool *pgxpool.Pool) (*MaterialUsageRepository, error) {
	if pool == nil {
		return nil, errors.New("postgres: pool is required")
	}
	return &MaterialUsageRepository{pool: pool}, nil
}

var _ repositories.MaterialUsageRepository = (*MaterialUsageRepository)(nil)

// Insert writes a usage record. The unique (order, stock item) constraint
// surfaces as a conflict error.
func (r *MaterialUsageRepository) Insert(ctx context.Context, usage domain.MaterialUsage) error {
	run := runner(ctx, r.pool)
	_, err := run.Exec(ctx, `
		INSERT INTO material_usages (id, order_id, stock_item_id, quantity, notes, registered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.ID, usage.OrderID, usage.StockItemID, usage.Quantity, usage.Notes, usage.RegisteredBy, usage.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, usageConstraint) {
			return &Error{op: "usage.insert", err: err, conflict: true}
		}
		return wrapError("usage.insert", err)
	}
	return nil
}

// FindByID loads a usage record. Inside a transaction the row is locked so
// delete-and-restore is serialised against concurrent deletes.
func (r *MaterialUsageRepository) FindByID(ctx context.Context, usageID string) (domain.MaterialUsage, error) {
	run := runner(ctx, r.pool)
	query := `
		SELECT id, order_id, stock_item_id, quantity, notes, registered_by, created_at
		FROM material_usages WHERE id = $1`
	if _, ok := txFromContext(ctx); ok {
		query += ` FOR UPDATE`
	}

	var usage domain.MaterialUsage
	err := run.QueryRow(ctx, query, usageID).Scan(
		&usage.ID, &usage.OrderID, &usage.StockItemID, &usage.Quantity,
		&usage.Notes, &usage.RegisteredBy, &usage.CreatedAt)
	if err != nil {
		return domain.MaterialUsage{}, wrapError("usage.find", err)
	}
	return usage, nil
}

// Delete removes the record.
func (r *MaterialUsageRepository) Delete(ctx context.Context, usageID string) error {
	run := runner(ctx, r.pool)
	tag, err := run.Exec(ctx, `DELETE FROM material_usages WHERE id = $1`, usageID)
	if err != nil {
		return wrapError("usage.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundError("usage.delete", pgx.ErrNoRows)
	}
	return nil
}

// ExistsForOrderItem reports whether a record exists for the pair.
func (r *MaterialUsageRepository) ExistsForOrderItem(ctx context.Context, orderID, stockItemID string) (bool, error) {
	run := runner(ctx, r.pool)
	var exists bool
	err := run.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM material_usages WHERE order_id = $1 AND stock_item_id = $2)`,
		orderID, stockItemID).Scan(&exists)
	if err != nil {
		return false, wrapError("usage.exists", err)
	}
	return exists, nil
}

// ListByOrder returns usage records for an order, oldest first.
func (r *MaterialUsageRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.MaterialUsage, error) {
	run := runner(ctx, r.pool)
	rows, err := run.Query(ctx, `
		SELECT id, order_id, stock_item_id, quantity, notes, registered_by, created_at
		FROM material_usages WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, wrapError("usage.list", err)
	}
	defer rows.Close()

	var usages []domain.MaterialUsage
	for rows.Next() {
		var usage domain.MaterialUsage
		if err := rows.Scan(&usage.ID, &usage.OrderID, &usage.StockItemID, &usage.Quantity,
			&usage.Notes, &usage.RegisteredBy, &usage.CreatedAt); err != nil {
			return nil, wrapError("usage.list", err)
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("usage.list", err)
	}
	return usages, nil
}
