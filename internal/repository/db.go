package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the schema migrations in order.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateTokens,
		migrationCreateQuotaLog,
		migrationCreateSocState,
		migrationCreateVehicles,
		migrationCreatePollState,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

const migrationCreateTokens = `
CREATE TABLE IF NOT EXISTS tokens (
    account_id VARCHAR(64) PRIMARY KEY,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    id_token TEXT NOT NULL,
    gcid VARCHAR(64),
    scope TEXT,
    token_type VARCHAR(32),
    expires_in INT,
    received_at TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
`

const migrationCreateQuotaLog = `
CREATE TABLE IF NOT EXISTS quota_log (
    id BIGSERIAL PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    reserved_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quota_log_account ON quota_log(account_id, reserved_at);
`

const migrationCreateSocState = `
CREATE TABLE IF NOT EXISTS soc_state (
    account_id VARCHAR(64) NOT NULL,
    vin VARCHAR(17) NOT NULL,
    base_soc DOUBLE PRECISION NOT NULL,
    base_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
    charging_power_w DOUBLE PRECISION NOT NULL DEFAULT 0,
    capacity_wh DOUBLE PRECISION NOT NULL DEFAULT 0,
    charging_status VARCHAR(20) NOT NULL DEFAULT 'unknown',
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    PRIMARY KEY (account_id, vin)
);
`

const migrationCreateVehicles = `
CREATE TABLE IF NOT EXISTS vehicles (
    account_id VARCHAR(64) NOT NULL,
    vin VARCHAR(17) NOT NULL,
    name VARCHAR(255),
    model VARCHAR(100),
    manufacturer VARCHAR(100),
    series VARCHAR(100),
    software_version VARCHAR(100),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    PRIMARY KEY (account_id, vin)
);
`

const migrationCreatePollState = `
CREATE TABLE IF NOT EXISTS poll_state (
    account_id VARCHAR(64) PRIMARY KEY,
    last_poll_at TIMESTAMP WITH TIME ZONE,
    bootstrap_complete BOOLEAN NOT NULL DEFAULT FALSE,
    container_id VARCHAR(128),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
`
