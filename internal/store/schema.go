package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
-- Domain command queue
CREATE TABLE IF NOT EXISTS commands_domain (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING'
        CHECK (status IN ('PENDING','RUNNING','DONE','FAILED')),
    attempt INTEGER NOT NULL DEFAULT 0,
    payload JSONB NOT NULL DEFAULT '{}'::jsonb,
    result JSONB,
    error TEXT,
    locked_by TEXT,
    locked_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_commands_domain_pending
    ON commands_domain (created_at) WHERE status = 'PENDING';

-- Append-only event trail. Never updated or deleted by the engine.
CREATE TABLE IF NOT EXISTS domain_events (
    id BIGSERIAL PRIMARY KEY,
    command_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 0,
    payload JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_domain_events_command
    ON domain_events (command_id, created_at);
CREATE INDEX IF NOT EXISTS idx_domain_events_type_time
    ON domain_events (event_type, created_at);

-- Client-supplied submission de-duplication
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    first_command_id TEXT NOT NULL,
    first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Current ops key/value plus full write history
CREATE TABLE IF NOT EXISTS ops_state (
    key TEXT PRIMARY KEY,
    value JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ops_state_history (
    id BIGSERIAL PRIMARY KEY,
    key TEXT NOT NULL,
    value JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ops_audit (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    actor TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    detail JSONB NOT NULL DEFAULT '{}'::jsonb
);

-- Single-row exposure ledger used by the atomic reservation path
CREATE TABLE IF NOT EXISTS risk_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    current_exposure_usd NUMERIC NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

INSERT INTO risk_state (id, current_exposure_usd)
    VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`

// requiredTables are verified by StrictCheck before the engine starts.
var requiredTables = []string{
	"commands_domain",
	"domain_events",
	"idempotency_keys",
	"ops_state",
	"ops_state_history",
	"risk_state",
	"ops_audit",
}

// Migrate applies the schema. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// StrictCheck verifies the required tables exist and that the legacy
// "commands" table is gone. Any failure aborts startup.
func StrictCheck(ctx context.Context, pool *pgxpool.Pool) error {
	var legacy *string
	if err := pool.QueryRow(ctx, "SELECT to_regclass('public.commands')::text").Scan(&legacy); err != nil {
		return fmt.Errorf("strict check: %w", err)
	}
	if legacy != nil {
		return fmt.Errorf("strict check: legacy 'commands' table exists")
	}
	for _, table := range requiredTables {
		var reg *string
		q := fmt.Sprintf("SELECT to_regclass('public.%s')::text", table)
		if err := pool.QueryRow(ctx, q).Scan(&reg); err != nil {
			return fmt.Errorf("strict check %s: %w", table, err)
		}
		if reg == nil {
			return fmt.Errorf("strict check: table %s missing", table)
		}
	}
	return nil
}
