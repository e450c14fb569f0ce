package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates all tables needed by PostgresStore.
// Safe to call multiple times - uses IF NOT EXISTS.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// u64 columns are NUMERIC(20,0): BIGINT cannot hold the top half of the range.
const schema = `
-- Config singleton
CREATE TABLE IF NOT EXISTS config (
    id SMALLINT PRIMARY KEY CHECK (id = 1),
    data JSONB NOT NULL
);

-- Per-owner position counters
CREATE TABLE IF NOT EXISTS user_states (
    address TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    position_count NUMERIC(20,0) NOT NULL
);

-- Positions
CREATE TABLE IF NOT EXISTS positions (
    address TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    user_index NUMERIC(20,0) NOT NULL,
    global_id NUMERIC(20,0) NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions(owner);

-- Pools
CREATE TABLE IF NOT EXISTS pools (
    address TEXT PRIMARY KEY,
    pool_id SMALLINT NOT NULL,
    epoch NUMERIC(20,0) NOT NULL,
    total_positions NUMERIC(20,0) NOT NULL,
    total_weight NUMERIC(20,0) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pools_epoch ON pools(epoch);

-- Commitments
CREATE TABLE IF NOT EXISTS commitments (
    address TEXT PRIMARY KEY,
    user_pk TEXT NOT NULL,
    position_amount NUMERIC(20,0) NOT NULL,
    weight NUMERIC(20,0) NOT NULL,
    pool_id SMALLINT NOT NULL,
    epoch NUMERIC(20,0) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commitments_user ON commitments(user_pk);

-- Epoch results
CREATE TABLE IF NOT EXISTS epoch_results (
    address TEXT PRIMARY KEY,
    epoch NUMERIC(20,0) NOT NULL UNIQUE,
    weight NUMERIC(20,0) NOT NULL,
    total_position_amount NUMERIC(20,0) NOT NULL,
    end_at BIGINT NOT NULL,
    winning_pool_id SMALLINT NOT NULL,
    state TEXT NOT NULL CHECK (state IN ('active', 'pending', 'resolved')),
    pool_count SMALLINT NOT NULL,
    pool_weights NUMERIC(20,0)[] NOT NULL,
    request_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
    request_seed SMALLINT NOT NULL DEFAULT 0
);

ALTER TABLE epoch_results
    ADD COLUMN IF NOT EXISTS request_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
    ADD COLUMN IF NOT EXISTS request_seed SMALLINT NOT NULL DEFAULT 0;

-- Token accounts
CREATE TABLE IF NOT EXISTS token_accounts (
    address TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    mint TEXT NOT NULL,
    amount NUMERIC(20,0) NOT NULL
);

-- Closed account tombstones
CREATE TABLE IF NOT EXISTS closed_accounts (
    address TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    closed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
