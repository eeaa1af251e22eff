package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// RunMigrations runs database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_records (
			identity TEXT PRIMARY KEY,
			window_start TIMESTAMPTZ NOT NULL,
			amount_in_window BIGINT NOT NULL DEFAULT 0,
			pending_amount BIGINT NOT NULL DEFAULT 0,
			last_grant_time TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS dispatch_log (
			request_ref UUID PRIMARY KEY,
			identity TEXT NOT NULL,
			destination TEXT NOT NULL,
			amount BIGINT NOT NULL,
			state TEXT NOT NULL,
			tx_ref TEXT,
			error_detail TEXT,
			channel_id TEXT,
			message_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_dispatch_log_state ON dispatch_log(state);
		CREATE INDEX IF NOT EXISTS idx_dispatch_log_created_at ON dispatch_log(created_at DESC);
	`)
	return err
}
