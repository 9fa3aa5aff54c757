package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainpulse/chainpulse/internal/domain"
)

// ErrNotFound is returned when no row matches the query. Callers map it
// to a 404 at the HTTP boundary.
var ErrNotFound = errors.New("not found")

// PersistenceError wraps store failures: the DB being unreachable or a
// constraint violation. On the read path it maps to a 503.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SignalRow is the flattened derived-signal record stored per
// (timestamp, asset, timeframe).
type SignalRow struct {
	Timestamp              time.Time        `db:"ts" json:"timestamp"`
	Asset                  domain.Asset     `db:"asset" json:"asset"`
	Timeframe              domain.Timeframe `db:"timeframe" json:"timeframe"`
	SmartMoneyAccumulation bool             `db:"smart_money_accumulation" json:"smart_money_accumulation"`
	WhaleFlowDominant      bool             `db:"whale_flow_dominant" json:"whale_flow_dominant"`
	NetworkGrowth          bool             `db:"network_growth" json:"network_growth"`
	DistributionRisk       bool             `db:"distribution_risk" json:"distribution_risk"`
	Score                  *float64         `db:"score" json:"score"`
	Bias                   domain.Bias      `db:"bias" json:"bias"`
	Confidence             float64          `db:"confidence" json:"confidence"`
	State                  domain.State     `db:"state" json:"state"`
	DataHash               string           `db:"data_hash" json:"data_hash"`
	CreatedAt              time.Time        `db:"created_at" json:"created_at"`
}

// Derived rebuilds the DerivedSignal from the flattened row.
func (r *SignalRow) Derived() domain.DerivedSignal {
	return domain.DerivedSignal{
		Signals: domain.Signals{
			SmartMoneyAccumulation: r.SmartMoneyAccumulation,
			WhaleFlowDominant:      r.WhaleFlowDominant,
			NetworkGrowth:          r.NetworkGrowth,
			DistributionRisk:       r.DistributionRisk,
		},
		Score:      r.Score,
		Bias:       r.Bias,
		Confidence: r.Confidence,
	}
}

// NewSignalRow flattens a derived signal for storage.
func NewSignalRow(ts time.Time, asset domain.Asset, tf domain.Timeframe, d domain.DerivedSignal, state domain.State, dataHash string) SignalRow {
	return SignalRow{
		Timestamp:              ts,
		Asset:                  asset,
		Timeframe:              tf,
		SmartMoneyAccumulation: d.Signals.SmartMoneyAccumulation,
		WhaleFlowDominant:      d.Signals.WhaleFlowDominant,
		NetworkGrowth:          d.Signals.NetworkGrowth,
		DistributionRisk:       d.Signals.DistributionRisk,
		Score:                  d.Score,
		Bias:                   d.Bias,
		Confidence:             d.Confidence,
		State:                  state,
		DataHash:               dataHash,
	}
}

// WhaleActivitySummary aggregates stored whale transactions over a
// trailing window.
type WhaleActivitySummary struct {
	Hours          int                   `json:"hours"`
	TxCount        int64                 `json:"tx_count"`
	TotalVolumeBTC float64               `json:"total_volume_btc"`
	InflowBTC      float64               `json:"inflow_btc"`
	OutflowBTC     float64               `json:"outflow_btc"`
	NetFlowBTC     float64               `json:"net_flow_btc"`
	TierCounts     map[domain.Tier]int64 `json:"tier_counts"`
}

// MetricsRepo persists metrics snapshots keyed by (timestamp, asset,
// timeframe); repeated writes for the same key upsert.
type MetricsRepo interface {
	Upsert(ctx context.Context, snap *domain.MetricsSnapshot) error
	Latest(ctx context.Context, asset domain.Asset, tf domain.Timeframe) (*domain.MetricsSnapshot, error)
	At(ctx context.Context, asset domain.Asset, tf domain.Timeframe, ts time.Time) (*domain.MetricsSnapshot, error)
	History(ctx context.Context, asset domain.Asset, tf domain.Timeframe, hours int) ([]domain.MetricsSnapshot, error)
}

// SignalsRepo persists derived signals keyed like metrics.
type SignalsRepo interface {
	Upsert(ctx context.Context, row SignalRow) error
	Latest(ctx context.Context, asset domain.Asset, tf domain.Timeframe) (*SignalRow, error)
	At(ctx context.Context, asset domain.Asset, tf domain.Timeframe, ts time.Time) (*SignalRow, error)
	History(ctx context.Context, asset domain.Asset, tf domain.Timeframe, hours int) ([]SignalRow, error)
}

// WhaleRepo persists tier-classified transactions keyed by txid;
// duplicate inserts are silently skipped.
type WhaleRepo interface {
	InsertBatch(ctx context.Context, txs []domain.WhaleTx) error
	ActivitySummary(ctx context.Context, hours int) (*WhaleActivitySummary, error)
}

// AuditRepo persists audit records keyed by calculation hash; duplicate
// inserts are silently skipped, which the reproducibility contract makes
// correct: a replayed tick produces byte-identical records.
type AuditRepo interface {
	Insert(ctx context.Context, rec *domain.AuditRecord) error
	ByHash(ctx context.Context, hash string) (*domain.AuditRecord, error)
	ByTimestamp(ctx context.Context, asset domain.Asset, tf domain.Timeframe, ts time.Time) (*domain.AuditRecord, error)
}

// Store groups the repositories plus the tick-scoped write path.
type Store interface {
	Metrics() MetricsRepo
	Signals() SignalsRepo
	Whale() WhaleRepo
	Audit() AuditRepo

	// SaveTick writes one tick's metrics, signals, whale transactions,
	// and audit record in a single transaction: readers see the whole
	// tick or none of it, and an audit record never exists for a context
	// that was not persisted.
	SaveTick(ctx context.Context, snap *domain.MetricsSnapshot, row SignalRow, rec *domain.AuditRecord) error

	Close() error
}
