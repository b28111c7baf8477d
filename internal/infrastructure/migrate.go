package infrastructure

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL creates the coordination tables. Statements are idempotent so
// the migration can run on every boot in development.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id       TEXT PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		event_version  BIGINT NOT NULL,
		occurred_at    TIMESTAMPTZ NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		causation_id   TEXT NOT NULL DEFAULT '',
		payload        JSONB,
		metadata       JSONB,
		UNIQUE (aggregate_id, event_version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_occurred ON events (occurred_at)`,

	`CREATE TABLE IF NOT EXISTS saga_executions (
		saga_id              TEXT PRIMARY KEY,
		correlation_id       TEXT NOT NULL DEFAULT '',
		customer_id          TEXT NOT NULL,
		product_id           TEXT NOT NULL,
		quantity             INT NOT NULL,
		amount               DOUBLE PRECISION NOT NULL,
		current_state        TEXT NOT NULL,
		version              BIGINT NOT NULL,
		stock_reservation_id TEXT NOT NULL DEFAULT '',
		payment_txn_id       TEXT NOT NULL DEFAULT '',
		order_id             TEXT NOT NULL DEFAULT '',
		error_message        TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_exec_customer_product
		ON saga_executions (customer_id, product_id)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_exec_state_updated
		ON saga_executions (current_state, updated_at)`,

	`CREATE TABLE IF NOT EXISTS choreographed_sagas (
		saga_id               TEXT PRIMARY KEY,
		correlation_id        TEXT NOT NULL,
		saga_type             TEXT NOT NULL,
		status                TEXT NOT NULL,
		completed_steps       JSONB NOT NULL DEFAULT '[]',
		failed_steps          JSONB NOT NULL DEFAULT '[]',
		saga_data             JSONB,
		timeout_at            TIMESTAMPTZ NOT NULL,
		compensation_required BOOLEAN NOT NULL DEFAULT FALSE,
		error_message         TEXT NOT NULL DEFAULT '',
		version               BIGINT NOT NULL,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_choreo_correlation
		ON choreographed_sagas (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_choreo_status_timeout
		ON choreographed_sagas (status, timeout_at)`,

	`CREATE TABLE IF NOT EXISTS compensation_actions (
		action_id             TEXT PRIMARY KEY,
		saga_id               TEXT NOT NULL,
		correlation_id        TEXT NOT NULL DEFAULT '',
		step_name             TEXT NOT NULL,
		service_name          TEXT NOT NULL,
		compensation_endpoint TEXT NOT NULL,
		payload               JSONB,
		priority              INT NOT NULL,
		status                TEXT NOT NULL,
		retry_count           INT NOT NULL DEFAULT 0,
		execute_after         TIMESTAMPTZ NOT NULL,
		error_message         TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comp_actions_saga ON compensation_actions (saga_id)`,
	`CREATE INDEX IF NOT EXISTS idx_comp_actions_ready
		ON compensation_actions (status, execute_after)`,

	`CREATE TABLE IF NOT EXISTS stock_reservations (
		reservation_id TEXT PRIMARY KEY,
		product_id     TEXT NOT NULL,
		quantity       INT NOT NULL,
		saga_id        TEXT NOT NULL,
		customer_id    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		expires_at     TIMESTAMPTZ NOT NULL
	)`,
	// At most one ACTIVE reservation per (saga, product).
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_active
		ON stock_reservations (saga_id, product_id) WHERE status = 'ACTIVE'`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_product ON stock_reservations (product_id, status)`,
}

// MigrateSchema applies the coordination DDL to the given pool. Exposed for
// integration tests, which create an isolated schema per test.
func MigrateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}
	return nil
}
