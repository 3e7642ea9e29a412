// Package db provides the PostgreSQL-backed store the validation cache reads
// subscription facts from. Repositories accept a DBTX so the same code runs
// against *pgxpool.Pool or inside a pgx.Tx.
//
// Tables read:
//
//	companies(id, name, stripe_customer_id, subscription_status, plan_level,
//	          storage_used, storage_limit, last_subscription_event_at, deleted_at)
//	users(id, company_id, blocked)
package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"subvalidator/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewPool parses url, applies opts and verifies connectivity with a ping.
func NewPool(ctx context.Context, url string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthProbe reports database reachability to the /health endpoint.
type HealthProbe struct {
	db Pinger
}

// NewHealthProbe wraps a pool for health checks.
func NewHealthProbe(db Pinger) *HealthProbe {
	return &HealthProbe{db: db}
}

func (p *HealthProbe) Name() string { return "database" }

func (p *HealthProbe) Check(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// queryError wraps a driver failure. A database that cannot be reached or
// does not answer in time is reported as ErrCodeUpstreamStore (502); query
// and constraint failures stay ErrCodeInternalDB.
func queryError(msg string, err error) *types.AppError {
	if isUnreachable(err) {
		return types.NewAppError(types.ErrCodeUpstreamStore, msg, err)
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}

func isUnreachable(err error) bool {
	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return true
	case errors.As(err, &connectErr), errors.As(err, &netErr):
		return true
	default:
		// Failures before anything reached the server.
		return pgconn.SafeToRetry(err)
	}
}
