package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// migrations run in order inside one transaction. The DDL is idempotent
// so re-running against an existing database is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS onchain_metrics (
		ts                TIMESTAMPTZ NOT NULL,
		asset             TEXT        NOT NULL,
		timeframe         TEXT        NOT NULL,
		height            BIGINT      NOT NULL,
		data_completeness DOUBLE PRECISION NOT NULL,
		blockchain        JSONB       NOT NULL,
		mempool           JSONB       NOT NULL,
		whale             JSONB       NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (ts, asset, timeframe)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_onchain_metrics_lookup
		ON onchain_metrics (asset, timeframe, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS onchain_signals (
		ts                       TIMESTAMPTZ NOT NULL,
		asset                    TEXT        NOT NULL,
		timeframe                TEXT        NOT NULL,
		smart_money_accumulation BOOLEAN     NOT NULL,
		whale_flow_dominant      BOOLEAN     NOT NULL,
		network_growth           BOOLEAN     NOT NULL,
		distribution_risk        BOOLEAN     NOT NULL,
		score                    DOUBLE PRECISION,
		bias                     TEXT        NOT NULL,
		confidence               DOUBLE PRECISION NOT NULL,
		state                    TEXT        NOT NULL,
		data_hash                TEXT        NOT NULL,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (ts, asset, timeframe)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_onchain_signals_lookup
		ON onchain_signals (asset, timeframe, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_onchain_signals_bias
		ON onchain_signals (bias, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS whale_txs (
		txid         TEXT        PRIMARY KEY,
		block_height BIGINT      NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		value_btc    DOUBLE PRECISION NOT NULL,
		tier         TEXT        NOT NULL,
		flow_type    TEXT        NOT NULL,
		fee_btc      DOUBLE PRECISION NOT NULL,
		input_count  INTEGER     NOT NULL,
		output_count INTEGER     NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_whale_txs_ts
		ON whale_txs (ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_whale_txs_tier
		ON whale_txs (tier, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS audit_records (
		calculation_hash TEXT        PRIMARY KEY,
		asset            TEXT        NOT NULL,
		timeframe        TEXT        NOT NULL,
		ts               TIMESTAMPTZ NOT NULL,
		input_data_hash  TEXT        NOT NULL,
		config_hash      TEXT        NOT NULL,
		output_snapshot  JSONB       NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_records_lookup
		ON audit_records (asset, timeframe, ts DESC)`,
}

// Migrate applies the schema. Safe to run at every startup.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit migration: %w", err)
	}
	log.Info().Int("statements", len(migrations)).Msg("schema migrated")
	return nil
}
