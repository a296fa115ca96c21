// Package postgres builds the shared pgx pool and the query tracer that
// logs, traces and meters every statement issued against it.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the pool beyond what the connection string carries.
type PoolOptions struct {
	// MaxConns overrides pool_max_conns when > 0
	MaxConns int32

	// SlowQuery only logs successful statements at or above this duration (0 = log all)
	SlowQuery time.Duration
}

// NewPool parses databaseURL, installs the tracer chain and verifies the
// connection before returning.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		pc.MaxConns = opts.MaxConns
	}
	pc.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), opts.SlowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
