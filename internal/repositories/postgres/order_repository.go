package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/rotulo-studio/api/internal/domain"
	"github.com/rotulo-studio/api/internal/repositories"
)

const orderColumns = `id, order_number, customer_ref, status, currency, total_cents,
	payment_id, last_payment_id, created_at, updated_at, completed_at, cancelled_at, refunded_at`

// OrderRepository implements repositories.OrderRepository over Postgres.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository constructs the repository.
func NewOrderRepository(pool *pgxpool.Pool) (*OrderRepository, error) {
	if pool == nil {
		return nil, errors.New("postgres: pool is required")
	}
	return &OrderRepository{pool: pool}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Insert persists the order header and its line items.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	run := runner(ctx, r.pool)

	_, err := run.Exec(ctx, `
		INSERT INTO orders (id, order_number, customer_ref, status, currency, total_cents,
			payment_id, last_payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID, order.OrderNumber, order.CustomerRef, string(order.Status), order.Currency,
		order.TotalCents, order.PaymentID, order.LastPaymentID, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return wrapError("orders.insert", err)
	}

	for _, item := range order.Items {
		_, err := run.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_ref, stock_item_id, description, quantity, unit_price_cents, total_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, order.ID, item.ProductRef, item.StockItemID, item.Description, item.Quantity, item.UnitPriceCents, item.TotalCents)
		if err != nil {
			return wrapError("orders.insert_item", err)
		}
	}
	return nil
}

// FindByID loads an order with its items without locking.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.fetch(ctx, "orders.find", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

// LockByID loads an order with a row lock held for the enclosing transaction.
func (r *OrderRepository) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	if _, ok := txFromContext(ctx); !ok {
		return domain.Order{}, errors.New("postgres: LockByID requires a transaction")
	}
	return r.fetch(ctx, "orders.lock", `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

// LockByExternalReference resolves the merchant reference carried by gateway
// notifications. References are order numbers, with a bare order id fallback.
func (r *OrderRepository) LockByExternalReference(ctx context.Context, reference string) (domain.Order, error) {
	if _, ok := txFromContext(ctx); !ok {
		return domain.Order{}, errors.New("postgres: LockByExternalReference requires a transaction")
	}
	reference = strings.TrimSpace(reference)
	return r.fetch(ctx, "orders.lock_ref",
		`SELECT `+orderColumns+` FROM orders WHERE order_number = $1 OR id = $1 FOR UPDATE`, reference)
}

// SaveTransition persists status, lifecycle timestamps, and the idempotency
// marker in a single statement.
func (r *OrderRepository) SaveTransition(ctx context.Context, order domain.Order) error {
	run := runner(ctx, r.pool)
	tag, err := run.Exec(ctx, `
		UPDATE orders
		SET status = $2, payment_id = $3, last_payment_id = $4, updated_at = $5,
			completed_at = $6, cancelled_at = $7, refunded_at = $8
		WHERE id = $1`,
		order.ID, string(order.Status), order.PaymentID, order.LastPaymentID, order.UpdatedAt,
		order.CompletedAt, order.CancelledAt, order.RefundedAt)
	if err != nil {
		return wrapError("orders.save_transition", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundError("orders.save_transition", pgx.ErrNoRows)
	}
	return nil
}

func (r *OrderRepository) fetch(ctx context.Context, op, query string, arg any) (domain.Order, error) {
	run := runner(ctx, r.pool)

	var order domain.Order
	var status string
	err := run.QueryRow(ctx, query, arg).Scan(
		&order.ID, &order.OrderNumber, &order.CustomerRef, &status, &order.Currency,
		&order.TotalCents, &order.PaymentID, &order.LastPaymentID,
		&order.CreatedAt, &order.UpdatedAt, &order.CompletedAt, &order.CancelledAt, &order.RefundedAt)
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	order.Status = domain.OrderStatus(status)

	items, err := r.loadItems(ctx, run, order.ID)
	if err != nil {
		return domain.Order{}, wrapError(op+"_items", err)
	}
	order.Items = items
	return order, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, run dbRunner, orderID string) ([]domain.OrderItem, error) {
	rows, err := run.Query(ctx, `
		SELECT id, order_id, product_ref, stock_item_id, description, quantity, unit_price_cents, total_cents
		FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductRef, &item.StockItemID, &item.Description,
			&item.Quantity, &item.UnitPriceCents, &item.TotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
