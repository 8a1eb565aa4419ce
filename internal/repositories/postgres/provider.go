package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns          = 8
	defaultMinConns          = 1
	defaultHealthCheckPeriod = 30 * time.Second
)

// Provider owns the pgx connection pool lifecycle.
type Provider struct {
	pool *pgxpool.Pool
}

// Config carries connection parameters for the pool.
type Config struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
}

// NewProvider connects the pool and verifies the database is reachable.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = defaultMinConns
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.HealthCheckPeriod = defaultHealthCheckPeriod
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Provider{pool: pool}, nil
}

// Pool exposes the underlying connection pool.
func (p *Provider) Pool() *pgxpool.Pool {
	if p == nil {
		return nil
	}
	return p.pool
}

// Ping verifies connectivity, used by readiness probes.
func (p *Provider) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return errors.New("postgres: provider not initialised")
	}
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Provider) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}
