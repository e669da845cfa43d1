package database

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS price_check_tasks (
		id           TEXT PRIMARY KEY,
		offer_id     TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		my_price     NUMERIC(12,2) NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		claimed_at   TIMESTAMPTZ,
		claimed_by   TEXT NOT NULL DEFAULT '',
		completed_at TIMESTAMPTZ,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT ''
	)`,
	// At most one open task per offer.
	`CREATE UNIQUE INDEX IF NOT EXISTS price_check_tasks_open_offer
		ON price_check_tasks (offer_id) WHERE status IN ('pending', 'processing')`,
	`CREATE INDEX IF NOT EXISTS price_check_tasks_pending
		ON price_check_tasks (created_at, id) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS price_check_results (
		id                      BIGSERIAL PRIMARY KEY,
		task_id                 TEXT NOT NULL REFERENCES price_check_tasks(id),
		offer_id                TEXT NOT NULL,
		my_price                NUMERIC(12,2) NOT NULL,
		cheapest                JSONB,
		price_diff              NUMERIC(12,2),
		competitor_count        INTEGER NOT NULL DEFAULT 0,
		total_offers_considered INTEGER NOT NULL DEFAULT 0,
		competitors             JSONB NOT NULL DEFAULT '[]',
		checked_at              TIMESTAMPTZ NOT NULL,
		error                   TEXT NOT NULL DEFAULT '',
		error_kind              TEXT NOT NULL DEFAULT '',
		engine                  TEXT NOT NULL DEFAULT '',
		worker_id               TEXT NOT NULL DEFAULT '',
		strategy                TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS price_check_results_checked_at
		ON price_check_results (checked_at DESC)`,
	`CREATE TABLE IF NOT EXISTS excluded_sellers (
		name        TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		excluded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS excluded_sellers_name
		ON excluded_sellers (lower(name))`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_event_pending
		ON outbox_event (next_retry_at) WHERE status IN ('pending', 'failed')`,
}

// Migrate creates the tables the queue service needs. Every statement is
// idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
