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

// auditRepo implements AuditRepo for PostgreSQL. Records are immutable
// once written; there is no update path.
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a PostgreSQL audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

type auditRow struct {
	CalculationHash string    `db:"calculation_hash"`
	Asset           string    `db:"asset"`
	Timeframe       string    `db:"timeframe"`
	Timestamp       time.Time `db:"ts"`
	InputDataHash   string    `db:"input_data_hash"`
	ConfigHash      string    `db:"config_hash"`
	OutputSnapshot  []byte    `db:"output_snapshot"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r auditRow) record() *domain.AuditRecord {
	return &domain.AuditRecord{
		CalculationHash: r.CalculationHash,
		Asset:           domain.Asset(r.Asset),
		Timeframe:       domain.Timeframe(r.Timeframe),
		Timestamp:       r.Timestamp.UTC(),
		InputDataHash:   r.InputDataHash,
		ConfigHash:      r.ConfigHash,
		OutputSnapshot:  r.OutputSnapshot,
		CreatedAt:       r.CreatedAt,
	}
}

const auditInsert = `
	INSERT INTO audit_records (calculation_hash, asset, timeframe, ts, input_data_hash, config_hash, output_snapshot)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (calculation_hash) DO NOTHING`

// insertAudit runs against either the pool or the tick transaction.
func insertAudit(ctx context.Context, ext sqlx.ExtContext, rec *domain.AuditRecord) error {
	_, err := ext.ExecContext(ctx, auditInsert,
		rec.CalculationHash, rec.Asset, rec.Timeframe, rec.Timestamp.UTC(),
		rec.InputDataHash, rec.ConfigHash, rec.OutputSnapshot)
	if err != nil {
		return &persistence.PersistenceError{Op: "audit insert", Err: err}
	}
	return nil
}

// Insert stores a record. A replayed tick produces the same calculation
// hash and is skipped.
func (r *auditRepo) Insert(ctx context.Context, rec *domain.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return insertAudit(ctx, r.db, rec)
}

const auditColumns = `calculation_hash, asset, timeframe, ts, input_data_hash, config_hash, output_snapshot, created_at`

// ByHash looks a record up by its calculation hash.
func (r *auditRepo) ByHash(ctx context.Context, hash string) (*domain.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row auditRow
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE calculation_hash = $1`
	if err := r.db.GetContext(ctx, &row, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, &persistence.PersistenceError{Op: "audit by hash", Err: err}
	}
	return row.record(), nil
}

// ByTimestamp looks a record up by its bucket identity.
func (r *auditRepo) ByTimestamp(ctx context.Context, asset domain.Asset, tf domain.Timeframe, ts time.Time) (*domain.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row auditRow
	query := `SELECT ` + auditColumns + ` FROM audit_records
		WHERE asset = $1 AND timeframe = $2 AND ts = $3
		ORDER BY created_at DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &row, query, asset, tf, ts.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, &persistence.PersistenceError{Op: "audit by timestamp", Err: err}
	}
	return row.record(), nil
}
