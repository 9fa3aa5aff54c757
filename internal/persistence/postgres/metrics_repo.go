package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/persistence"
)

// metricsRepo implements MetricsRepo for PostgreSQL. The nested sections
// live in JSONB columns; the lookup keys and completeness are flattened
// for indexing.
type metricsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMetricsRepo creates a PostgreSQL metrics repository.
func NewMetricsRepo(db *sqlx.DB, timeout time.Duration) persistence.MetricsRepo {
	return &metricsRepo{db: db, timeout: timeout}
}

type metricsRow struct {
	Timestamp        time.Time `db:"ts"`
	Asset            string    `db:"asset"`
	Timeframe        string    `db:"timeframe"`
	Height           int64     `db:"height"`
	DataCompleteness float64   `db:"data_completeness"`
	Blockchain       []byte    `db:"blockchain"`
	Mempool          []byte    `db:"mempool"`
	Whale            []byte    `db:"whale"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r metricsRow) snapshot() (*domain.MetricsSnapshot, error) {
	snap := &domain.MetricsSnapshot{
		Timestamp:        r.Timestamp.UTC(),
		Asset:            domain.Asset(r.Asset),
		Timeframe:        domain.Timeframe(r.Timeframe),
		DataCompleteness: r.DataCompleteness,
	}
	if err := json.Unmarshal(r.Blockchain, &snap.Blockchain); err != nil {
		return nil, fmt.Errorf("decode blockchain metrics: %w", err)
	}
	if err := json.Unmarshal(r.Mempool, &snap.Mempool); err != nil {
		return nil, fmt.Errorf("decode mempool snapshot: %w", err)
	}
	if err := json.Unmarshal(r.Whale, &snap.Whale); err != nil {
		return nil, fmt.Errorf("decode whale metrics: %w", err)
	}
	return snap, nil
}

const metricsUpsert = `
	INSERT INTO onchain_metrics (ts, asset, timeframe, height, data_completeness, blockchain, mempool, whale)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (ts, asset, timeframe) DO UPDATE SET
		height            = EXCLUDED.height,
		data_completeness = EXCLUDED.data_completeness,
		blockchain        = EXCLUDED.blockchain,
		mempool           = EXCLUDED.mempool,
		whale             = EXCLUDED.whale`

// Upsert writes a snapshot; a repeated tick inside the same timeframe
// bucket replaces the earlier row.
func (r *metricsRepo) Upsert(ctx context.Context, snap *domain.MetricsSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return upsertMetrics(ctx, r.db, snap)
}

func upsertMetrics(ctx context.Context, ext sqlx.ExtContext, snap *domain.MetricsSnapshot) error {
	blockchain, err := json.Marshal(snap.Blockchain)
	if err != nil {
		return &persistence.PersistenceError{Op: "metrics upsert", Err: err}
	}
	mempool, err := json.Marshal(snap.Mempool)
	if err != nil {
		return &persistence.PersistenceError{Op: "metrics upsert", Err: err}
	}
	whale, err := json.Marshal(snap.Whale)
	if err != nil {
		return &persistence.PersistenceError{Op: "metrics upsert", Err: err}
	}

	_, err = ext.ExecContext(ctx, metricsUpsert,
		snap.Timestamp.UTC(), snap.Asset, snap.Timeframe,
		snap.Blockchain.Height, snap.DataCompleteness,
		blockchain, mempool, whale)
	if err != nil {
		return &persistence.PersistenceError{Op: "metrics upsert", Err: err}
	}
	return nil
}

const metricsColumns = `ts, asset, timeframe, height, data_completeness, blockchain, mempool, whale, created_at`

// Latest returns the most recent snapshot for the pair.
func (r *metricsRepo) Latest(ctx context.Context, asset domain.Asset, tf domain.Timeframe) (*domain.MetricsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row metricsRow
	query := `SELECT ` + metricsColumns + ` FROM onchain_metrics
		WHERE asset = $1 AND timeframe = $2 ORDER BY ts DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &row, query, asset, tf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, &persistence.PersistenceError{Op: "metrics latest", Err: err}
	}
	return row.snapshot()
}

// At returns the snapshot at an exact bucket timestamp.
func (r *metricsRepo) At(ctx context.Context, asset domain.Asset, tf domain.Timeframe, ts time.Time) (*domain.MetricsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row metricsRow
	query := `SELECT ` + metricsColumns + ` FROM onchain_metrics
		WHERE asset = $1 AND timeframe = $2 AND ts = $3`
	if err := r.db.GetContext(ctx, &row, query, asset, tf, ts.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, &persistence.PersistenceError{Op: "metrics at", Err: err}
	}
	return row.snapshot()
}

// History returns snapshots within the trailing window, newest first.
func (r *metricsRepo) History(ctx context.Context, asset domain.Asset, tf domain.Timeframe, hours int) ([]domain.MetricsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []metricsRow
	query := `SELECT ` + metricsColumns + ` FROM onchain_metrics
		WHERE asset = $1 AND timeframe = $2 AND ts >= now() - ($3 * INTERVAL '1 hour')
		ORDER BY ts DESC`
	if err := r.db.SelectContext(ctx, &rows, query, asset, tf, hours); err != nil {
		return nil, &persistence.PersistenceError{Op: "metrics history", Err: err}
	}

	out := make([]domain.MetricsSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.snapshot()
		if err != nil {
			return nil, &persistence.PersistenceError{Op: "metrics history", Err: err}
		}
		out = append(out, *snap)
	}
	return out, nil
}
