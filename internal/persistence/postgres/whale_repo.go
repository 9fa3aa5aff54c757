package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/persistence"
)

// whaleRepo implements WhaleRepo for PostgreSQL.
type whaleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWhaleRepo creates a PostgreSQL whale transaction repository.
func NewWhaleRepo(db *sqlx.DB, timeout time.Duration) persistence.WhaleRepo {
	return &whaleRepo{db: db, timeout: timeout}
}

const whaleInsert = `
	INSERT INTO whale_txs (txid, block_height, ts, value_btc, tier, flow_type, fee_btc, input_count, output_count)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (txid) DO NOTHING`

// InsertBatch stores classified transactions. A txid seen in an earlier
// tick is skipped, so overlapping block windows never double-count.
func (r *whaleRepo) InsertBatch(ctx context.Context, txs []domain.WhaleTx) error {
	if len(txs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return &persistence.PersistenceError{Op: "whale insert", Err: err}
	}
	defer tx.Rollback()

	if err := insertWhaleTxs(ctx, tx, txs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &persistence.PersistenceError{Op: "whale insert", Err: err}
	}
	return nil
}

func insertWhaleTxs(ctx context.Context, ext sqlx.ExtContext, txs []domain.WhaleTx) error {
	for i := range txs {
		t := &txs[i]
		_, err := ext.ExecContext(ctx, whaleInsert,
			t.Txid, t.BlockHeight, t.Timestamp.UTC(), t.ValueBTC,
			t.Tier, t.FlowType, t.FeeBTC, t.InputCount, t.OutputCount)
		if err != nil {
			return &persistence.PersistenceError{Op: "whale insert", Err: err}
		}
	}
	return nil
}

// ActivitySummary aggregates stored whale transactions over the trailing
// window. Unknown flows count toward volume but not toward either side of
// the net flow.
func (r *whaleRepo) ActivitySummary(ctx context.Context, hours int) (*persistence.WhaleActivitySummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	summary := &persistence.WhaleActivitySummary{
		Hours:      hours,
		TierCounts: make(map[domain.Tier]int64),
	}

	totals := struct {
		TxCount        int64   `db:"tx_count"`
		TotalVolumeBTC float64 `db:"total_volume_btc"`
		InflowBTC      float64 `db:"inflow_btc"`
		OutflowBTC     float64 `db:"outflow_btc"`
	}{}
	query := `SELECT
			COUNT(*)                                                          AS tx_count,
			COALESCE(SUM(value_btc), 0)                                       AS total_volume_btc,
			COALESCE(SUM(value_btc) FILTER (WHERE flow_type = 'inflow'), 0)   AS inflow_btc,
			COALESCE(SUM(value_btc) FILTER (WHERE flow_type = 'outflow'), 0)  AS outflow_btc
		FROM whale_txs
		WHERE ts >= now() - ($1 * INTERVAL '1 hour')`
	if err := r.db.GetContext(ctx, &totals, query, hours); err != nil {
		return nil, &persistence.PersistenceError{Op: "whale summary", Err: err}
	}
	summary.TxCount = totals.TxCount
	summary.TotalVolumeBTC = totals.TotalVolumeBTC
	summary.InflowBTC = totals.InflowBTC
	summary.OutflowBTC = totals.OutflowBTC
	summary.NetFlowBTC = totals.InflowBTC - totals.OutflowBTC

	tierRows := []struct {
		Tier  string `db:"tier"`
		Count int64  `db:"count"`
	}{}
	tierQuery := `SELECT tier, COUNT(*) AS count
		FROM whale_txs
		WHERE ts >= now() - ($1 * INTERVAL '1 hour')
		GROUP BY tier`
	if err := r.db.SelectContext(ctx, &tierRows, tierQuery, hours); err != nil {
		return nil, &persistence.PersistenceError{Op: "whale summary", Err: err}
	}
	for _, row := range tierRows {
		summary.TierCounts[domain.Tier(row.Tier)] = row.Count
	}
	return summary, nil
}
