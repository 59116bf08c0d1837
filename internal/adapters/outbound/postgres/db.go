// Package postgres provides PostgreSQL adapters for the order engine.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBConfig tunes the connection pool of one order engine process.
type DBConfig struct {
	// URL is the PostgreSQL connection string.
	URL string

	// ApplicationName shows up in pg_stat_activity, so API and worker
	// sessions can be told apart.
	ApplicationName string

	// MaxConns caps open connections. A status update holds one connection
	// for its row lock, so a worker needs one per concurrent job.
	MaxConns int32

	// MinConns connections are kept open while idle.
	MinConns int32

	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration

	// StatementTimeout aborts any single statement running longer.
	StatementTimeout time.Duration

	// LockTimeout bounds the wait for an order's row lock. Two writers on
	// the same order only happen after a redelivery.
	LockTimeout time.Duration
}

// DefaultDBConfig returns the pool settings for the API process.
func DefaultDBConfig(url string) DBConfig {
	return DBConfig{
		URL:               url,
		ApplicationName:   "dex-order-engine",
		MaxConns:          10,
		MinConns:          2,
		MaxConnLifetime:   30 * time.Minute,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		StatementTimeout:  5 * time.Second,
		LockTimeout:       2 * time.Second,
	}
}

// WorkerDBConfig sizes the pool for a worker running concurrency jobs at
// once, with headroom for the failure path and archival reads.
func WorkerDBConfig(url string, concurrency int) DBConfig {
	cfg := DefaultDBConfig(url)
	cfg.ApplicationName = "dex-order-engine-worker"
	if concurrency > 0 {
		cfg.MaxConns = int32(concurrency) + 2
	}
	return cfg
}

// poolConfig builds the pgxpool config. Zero fields keep pgx defaults.
func poolConfig(cfg DBConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = min(cfg.MinConns, pc.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		pc.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	params := pc.ConnConfig.RuntimeParams
	if cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	if cfg.LockTimeout > 0 {
		params["lock_timeout"] = strconv.FormatInt(cfg.LockTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// OpenPool connects and pings the database. The caller closes the pool.
func OpenPool(ctx context.Context, cfg DBConfig) (*pgxpool.Pool, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
