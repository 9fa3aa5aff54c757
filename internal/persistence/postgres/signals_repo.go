package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/persistence"
)

// signalsRepo implements SignalsRepo for PostgreSQL.
type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates a PostgreSQL signals repository.
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) persistence.SignalsRepo {
	return &signalsRepo{db: db, timeout: timeout}
}

const signalsUpsert = `
	INSERT INTO onchain_signals (ts, asset, timeframe,
		smart_money_accumulation, whale_flow_dominant, network_growth, distribution_risk,
		score, bias, confidence, state, data_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (ts, asset, timeframe) DO UPDATE SET
		smart_money_accumulation = EXCLUDED.smart_money_accumulation,
		whale_flow_dominant      = EXCLUDED.whale_flow_dominant,
		network_growth           = EXCLUDED.network_growth,
		distribution_risk        = EXCLUDED.distribution_risk,
		score                    = EXCLUDED.score,
		bias                     = EXCLUDED.bias,
		confidence               = EXCLUDED.confidence,
		state                    = EXCLUDED.state,
		data_hash                = EXCLUDED.data_hash`

// Upsert writes a signal row keyed by (timestamp, asset, timeframe).
func (r *signalsRepo) Upsert(ctx context.Context, row persistence.SignalRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return upsertSignals(ctx, r.db, row)
}

func upsertSignals(ctx context.Context, ext sqlx.ExtContext, row persistence.SignalRow) error {
	_, err := ext.ExecContext(ctx, signalsUpsert,
		row.Timestamp.UTC(), row.Asset, row.Timeframe,
		row.SmartMoneyAccumulation, row.WhaleFlowDominant, row.NetworkGrowth, row.DistributionRisk,
		row.Score, row.Bias, row.Confidence, row.State, row.DataHash)
	if err != nil {
		return &persistence.PersistenceError{Op: "signals upsert", Err: err}
	}
	return nil
}

const signalsColumns = `ts, asset, timeframe,
	smart_money_accumulation, whale_flow_dominant, network_growth, distribution_risk,
	score, bias, confidence, state, data_hash, created_at`

// Latest returns the most recent signal row for the pair.
func (r *signalsRepo) Latest(ctx context.Context, asset domain.Asset, tf domain.Timeframe) (*persistence.SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row persistence.SignalRow
	query := `SELECT ` + signalsColumns + ` FROM onchain_signals
		WHERE asset = $1 AND timeframe = $2 ORDER BY ts DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &row, query, asset, tf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, &persistence.PersistenceError{Op: "signals latest", Err: err}
	}
	return &row, nil
}

// At returns the signal row at an exact bucket timestamp.
func (r *signalsRepo) At(ctx context.Context, asset domain.Asset, tf domain.Timeframe, ts time.Time) (*persistence.SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row persistence.SignalRow
	query := `SELECT ` + signalsColumns + ` FROM onchain_signals
		WHERE asset = $1 AND timeframe = $2 AND ts = $3`
	if err := r.db.GetContext(ctx, &row, query, asset, tf, ts.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, &persistence.PersistenceError{Op: "signals at", Err: err}
	}
	return &row, nil
}

// History returns signal rows within the trailing window, newest first.
func (r *signalsRepo) History(ctx context.Context, asset domain.Asset, tf domain.Timeframe, hours int) ([]persistence.SignalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []persistence.SignalRow
	query := `SELECT ` + signalsColumns + ` FROM onchain_signals
		WHERE asset = $1 AND timeframe = $2 AND ts >= now() - ($3 * INTERVAL '1 hour')
		ORDER BY ts DESC`
	if err := r.db.SelectContext(ctx, &rows, query, asset, tf, hours); err != nil {
		return nil, &persistence.PersistenceError{Op: "signals history", Err: err}
	}
	return rows, nil
}
