// Package db provides the PostgreSQL-backed dead-letter archive. Repositories
// accept a DBTX interface that is satisfied by both *pgxpool.Pool and pgx.Tx.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns        int32
	ConnMaxLifetime time.Duration
}

// NewPool parses dsn, applies cfg and verifies connectivity with a ping.
func NewPool(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Schema creates the archive table when missing. The archiver runs it at
// startup.
const Schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id                TEXT PRIMARY KEY,
    notification_id   TEXT,
    correlation_id    TEXT,
    notification_type TEXT,
    retry_count       INTEGER NOT NULL DEFAULT 0,
    reason            TEXT,
    error             TEXT NOT NULL DEFAULT '',
    payload_zstd      BYTEA NOT NULL,
    failed_at         TIMESTAMPTZ NOT NULL,
    archived_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS dead_letters_archived_at_idx ON dead_letters (archived_at DESC);
CREATE INDEX IF NOT EXISTS dead_letters_notification_idx ON dead_letters (notification_id);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate dead_letters: %w", err)
	}
	return nil
}
