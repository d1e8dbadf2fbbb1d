package database

import (
	"context"
	"fmt"
)

// bootstrapStatements is the ordered, idempotent DDL for a fresh or
// existing database. Each statement must be safe to re-run (IF NOT
// EXISTS everywhere) so startup never needs to know the schema state.
var bootstrapStatements = []struct {
	name string
	sql  string
}{
	{
		name: "credit_accounts table",
		sql: `CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id    text PRIMARY KEY,
			balance    bigint NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	},
	{
		name: "credit_transactions table",
		sql: `CREATE TABLE IF NOT EXISTS credit_transactions (
			id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id     text NOT NULL,
			amount      bigint NOT NULL,
			type        text NOT NULL,
			description text NOT NULL DEFAULT '',
			dedup_key   text NOT NULL DEFAULT '',
			metadata    jsonb,
			created_at  timestamptz NOT NULL DEFAULT now()
		)`,
	},
	{
		// Partial so entries without a key never collide with each other.
		name: "credit_transactions dedup index",
		sql: `CREATE UNIQUE INDEX IF NOT EXISTS uq_credit_tx_dedup
			ON credit_transactions (user_id, type, dedup_key)
			WHERE dedup_key <> ''`,
	},
	{
		name: "credit_transactions listing index",
		sql: `CREATE INDEX IF NOT EXISTS idx_credit_tx_user_created
			ON credit_transactions (user_id, created_at DESC)`,
	},
	{
		name: "transcriptions table",
		sql: `CREATE TABLE IF NOT EXISTS transcriptions (
			id             uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id        text NOT NULL,
			file_name      text NOT NULL,
			file_size      bigint NOT NULL DEFAULT 0,
			mime_type      text NOT NULL DEFAULT '',
			file_url       text NOT NULL DEFAULT '',
			duration       double precision,
			language       text NOT NULL DEFAULT '',
			status         text NOT NULL DEFAULT 'processing'
				CHECK (status IN ('processing', 'completed', 'failed')),
			text           text NOT NULL DEFAULT '',
			segments       jsonb,
			credits_used   bigint,
			failure_reason text NOT NULL DEFAULT '',
			is_public      boolean NOT NULL DEFAULT false,
			created_at     timestamptz NOT NULL DEFAULT now(),
			completed_at   timestamptz
		)`,
	},
	{
		name: "transcriptions user listing index",
		sql: `CREATE INDEX IF NOT EXISTS idx_transcriptions_user_created
			ON transcriptions (user_id, created_at DESC)`,
	},
	{
		// Drives the recovery sweep; partial keeps it tiny.
		name: "transcriptions stale processing index",
		sql: `CREATE INDEX IF NOT EXISTS idx_transcriptions_processing
			ON transcriptions (created_at)
			WHERE status = 'processing'`,
	},
	{
		// Drives the retention sweep over terminal rows that still hold media.
		name: "transcriptions retention index",
		sql: `CREATE INDEX IF NOT EXISTS idx_transcriptions_retention
			ON transcriptions (created_at)
			WHERE file_url <> '' AND status IN ('completed', 'failed')`,
	},
	{
		// Written out-of-band by payment webhook handlers; read-only here.
		name: "subscriptions table",
		sql: `CREATE TABLE IF NOT EXISTS subscriptions (
			id                       uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id                  text NOT NULL,
			plan                     text NOT NULL DEFAULT 'free',
			status                   text NOT NULL DEFAULT 'inactive',
			period_start             timestamptz,
			period_end               timestamptz,
			provider_customer_id     text NOT NULL DEFAULT '',
			provider_subscription_id text NOT NULL DEFAULT '',
			created_at               timestamptz NOT NULL DEFAULT now(),
			updated_at               timestamptz NOT NULL DEFAULT now()
		)`,
	},
	{
		name: "subscriptions user index",
		sql: `CREATE INDEX IF NOT EXISTS idx_subscriptions_user
			ON subscriptions (user_id, period_end DESC)`,
	},
}

// Bootstrap applies the schema. Safe to call on every startup.
func (db *DB) Bootstrap(ctx context.Context) error {
	for _, s := range bootstrapStatements {
		if _, err := db.Pool.Exec(ctx, s.sql); err != nil {
			return fmt.Errorf("bootstrap %s: %w", s.name, err)
		}
	}
	db.log.Info().Int("statements", len(bootstrapStatements)).Msg("schema bootstrap complete")
	return nil
}
