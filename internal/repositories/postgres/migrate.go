package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	order_number    TEXT NOT NULL UNIQUE,
	customer_ref    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	currency        TEXT NOT NULL DEFAULT 'ARS',
	total_cents     BIGINT NOT NULL DEFAULT 0,
	payment_id      TEXT NOT NULL DEFAULT '',
	last_payment_id TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	cancelled_at    TIMESTAMPTZ,
	refunded_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS orders_order_number_idx ON orders (order_number);

CREATE TABLE IF NOT EXISTS stock_items (
	id         TEXT PRIMARY KEY,
	sku        TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	unit       TEXT NOT NULL DEFAULT 'unit',
	quantity   BIGINT NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	min_stock  BIGINT NOT NULL DEFAULT 0,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS order_items (
	id               TEXT PRIMARY KEY,
	order_id         TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
	product_ref      TEXT NOT NULL,
	stock_item_id    TEXT NOT NULL REFERENCES stock_items (id),
	description      TEXT NOT NULL DEFAULT '',
	quantity         BIGINT NOT NULL CHECK (quantity > 0),
	unit_price_cents BIGINT NOT NULL,
	total_cents      BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS order_items_order_idx ON order_items (order_id);

CREATE TABLE IF NOT EXISTS material_usages (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
	stock_item_id TEXT NOT NULL REFERENCES stock_items (id),
	quantity      BIGINT NOT NULL CHECK (quantity > 0),
	notes         TEXT NOT NULL DEFAULT '',
	registered_by TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT material_usages_order_item_key UNIQUE (order_id, stock_item_id)
);

CREATE TABLE IF NOT EXISTS stock_movements (
	id            BIGSERIAL PRIMARY KEY,
	stock_item_id TEXT NOT NULL REFERENCES stock_items (id),
	delta         BIGINT NOT NULL,
	resulting     BIGINT NOT NULL,
	cause         TEXT NOT NULL,
	order_id      TEXT NOT NULL DEFAULT '',
	usage_id      TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS stock_movements_item_idx ON stock_movements (stock_item_id);
CREATE INDEX IF NOT EXISTS stock_movements_order_idx ON stock_movements (order_id);
`

// Migrate applies the schema. Statements are idempotent so the call is safe
// on every boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("postgres: pool is required")
	}
	_, err := pool.Exec(ctx, schema)
	return wrapError("migrate", err)
}
