package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/persistence"
)

// defaultTimeout bounds every repository operation.
const defaultTimeout = 10 * time.Second

// Store bundles the PostgreSQL repositories behind the persistence.Store
// interface.
type Store struct {
	db      *sqlx.DB
	metrics persistence.MetricsRepo
	signals persistence.SignalsRepo
	whale   persistence.WhaleRepo
	audit   persistence.AuditRepo
	timeout time.Duration
}

// NewStore wires the repositories over one shared pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:      db,
		metrics: NewMetricsRepo(db, defaultTimeout),
		signals: NewSignalsRepo(db, defaultTimeout),
		whale:   NewWhaleRepo(db, defaultTimeout),
		audit:   NewAuditRepo(db, defaultTimeout),
		timeout: defaultTimeout,
	}
}

func (s *Store) Metrics() persistence.MetricsRepo { return s.metrics }
func (s *Store) Signals() persistence.SignalsRepo { return s.signals }
func (s *Store) Whale() persistence.WhaleRepo     { return s.whale }
func (s *Store) Audit() persistence.AuditRepo     { return s.audit }

// SaveTick writes metrics, signals, whale transactions, and the audit
// record in one transaction. Metrics go first so a signal row never
// references a snapshot that is not yet visible; the audit record
// commits with the tick, so it never describes a context that was never
// persisted.
func (s *Store) SaveTick(ctx context.Context, snap *domain.MetricsSnapshot, row persistence.SignalRow, rec *domain.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &persistence.PersistenceError{Op: "tick begin", Err: err}
	}
	defer tx.Rollback()

	if err := upsertMetrics(ctx, tx, snap); err != nil {
		return err
	}
	if err := upsertSignals(ctx, tx, row); err != nil {
		return err
	}
	if err := insertWhaleTxs(ctx, tx, snap.Whale.TxRecords); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &persistence.PersistenceError{Op: "tick commit", Err: err}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
