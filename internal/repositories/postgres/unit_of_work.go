package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txContextKey struct{}

// UnitOfWork runs a function inside a single database transaction and binds
// the transaction to the context so repositories join it transparently.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

// NewUnitOfWork constructs a UnitOfWork over the pool.
func NewUnitOfWork(pool *pgxpool.Pool) (*UnitOfWork, error) {
	if pool == nil {
		return nil, errors.New("postgres: pool is required")
	}
	return &UnitOfWork{pool: pool}, nil
}

// RunInTx begins a transaction, stores it on the context, and commits when
// fn returns nil. Nested calls reuse the outer transaction.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u == nil || u.pool == nil {
		return errors.New("postgres: unit of work not initialised")
	}
	if fn == nil {
		return errors.New("postgres: transaction function is nil")
	}

	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapError("begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(withTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapError("commit", err)
	}
	return nil
}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// runner returns the bound transaction when present, otherwise the pool.
func runner(ctx context.Context, pool *pgxpool.Pool) dbRunner {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return pool
}

// dbRunner is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
