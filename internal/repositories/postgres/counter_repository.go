package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rotulo-studio/api/internal/repositories"
)

// CounterRepository produces named sequences with an atomic upsert.
type CounterRepository struct {
	pool *pgxpool.Pool
}

// NewCounterRepository constructs the repository.
func NewCounterRepository(pool *pgxpool.Pool) (*CounterRepository, error) {
	if pool == nil {
		return nil, errors.New("postgres: pool is required")
	}
	return &CounterRepository{pool: pool}, nil
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// Next increments and returns the counter value.
func (r *CounterRepository) Next(ctx context.Context, name string, delta int64) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("postgres: counter name is required")
	}
	if delta <= 0 {
		delta = 1
	}

	run := runner(ctx, r.pool)
	var value int64
	err := run.QueryRow(ctx, `
		INSERT INTO counters (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + $2
		RETURNING value`, name, delta).Scan(&value)
	if err != nil {
		return 0, wrapError("counters.next", err)
	}
	return value, nil
}
