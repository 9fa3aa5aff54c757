package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Asset identifies the chain an observation belongs to. Only BTC is
// collected today; the dimension is kept so pipelines stay per-asset.
type Asset string

const AssetBTC Asset = "BTC"

// ParseAsset validates an asset query parameter.
func ParseAsset(s string) (Asset, error) {
	switch Asset(s) {
	case AssetBTC:
		return AssetBTC, nil
	default:
		return "", fmt.Errorf("unknown asset: %q", s)
	}
}

// Timeframe is the aggregation window for one metrics snapshot.
type Timeframe string

const (
	Timeframe1h Timeframe = "1h"
	Timeframe4h Timeframe = "4h"
	Timeframe1d Timeframe = "1d"
)

// ParseTimeframe validates a timeframe query parameter.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case Timeframe1h, Timeframe4h, Timeframe1d:
		return Timeframe(s), nil
	default:
		return "", fmt.Errorf("unknown timeframe: %q", s)
	}
}

// WindowBlocks is the number of recent blocks analyzed per timeframe,
// assuming the ~10 minute BTC block cadence.
func (tf Timeframe) WindowBlocks() int {
	switch tf {
	case Timeframe4h:
		return 24
	case Timeframe1d:
		return 144
	default:
		return 6
	}
}

// Duration returns the wall-clock span of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Floor normalizes a timestamp to the timeframe boundary in UTC. Snapshots
// for the same (asset, timeframe) bucket always share the same timestamp,
// which is what makes repeated ticks upsert instead of append.
func (tf Timeframe) Floor(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// State is the kill-switch verdict on one emitted context.
type State string

const (
	StateActive   State = "ACTIVE"
	StateDegraded State = "DEGRADED"
	StateBlocked  State = "BLOCKED"
)

// Bias is the directional classification of the derived signal.
type Bias string

const (
	BiasPositive Bias = "positive"
	BiasNeutral  Bias = "neutral"
	BiasNegative Bias = "negative"
)

// Tier is the value band a whale transaction falls into.
type Tier string

const (
	TierLarge      Tier = "large"
	TierWhale      Tier = "whale"
	TierUltraWhale Tier = "ultra_whale"
	TierLeviathan  Tier = "leviathan"
)

// Tiers lists all tiers from smallest to largest threshold.
var Tiers = []Tier{TierLarge, TierWhale, TierUltraWhale, TierLeviathan}

// FlowType classifies the direction of a whale transaction relative to
// exchange-tagged addresses.
type FlowType string

const (
	FlowInflow   FlowType = "inflow"
	FlowOutflow  FlowType = "outflow"
	FlowInternal FlowType = "internal"
	FlowUnknown  FlowType = "unknown"
)

// TxStatus marks whether a transaction is confirmed or still in the mempool.
type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
	TxMempool   TxStatus = "mempool"
)

// TxInput is one input of a normalized transaction. Value may be nil until
// the previous output has been enriched.
type TxInput struct {
	PrevTxid string   `json:"prev_txid"`
	PrevVout int      `json:"prev_vout"`
	Value    *float64 `json:"value,omitempty"` // BTC
	Address  string   `json:"address,omitempty"`
}

// TxOutput is one output of a normalized transaction.
type TxOutput struct {
	Value      float64 `json:"value"` // BTC
	Address    string  `json:"address,omitempty"`
	ScriptType string  `json:"script_type,omitempty"`
}

// RawTx is the normalized transaction shape shared by all source adapters.
// Monetary fields are BTC; adapters convert satoshi on the way in.
type RawTx struct {
	Txid        string     `json:"txid"`
	Size        int64      `json:"size"`
	Weight      int64      `json:"weight"`
	Fee         float64    `json:"fee"` // BTC
	Vin         []TxInput  `json:"vin"`
	Vout        []TxOutput `json:"vout"`
	Status      TxStatus   `json:"status"`
	BlockHeight int64      `json:"block_height,omitempty"`
	Timestamp   time.Time  `json:"timestamp,omitempty"`
}

// TotalOutputBTC sums all output values.
func (tx *RawTx) TotalOutputBTC() float64 {
	var total float64
	for _, out := range tx.Vout {
		total += out.Value
	}
	return total
}

// RawBlock is the normalized block shape. Transactions may be empty when
// the upstream throttled the tx listing; Stub records that distinction so
// downstream consumers can tell an empty block from a truncated one.
type RawBlock struct {
	Hash         string    `json:"hash"`
	Height       int64     `json:"height"`
	Time         time.Time `json:"time"`
	Size         int64     `json:"size"`
	TxCount      int       `json:"tx_count"`
	Transactions []RawTx   `json:"transactions,omitempty"`
	Stub         bool      `json:"stub,omitempty"`
}

// FeeBands holds recommended fee rates in sat/vB.
type FeeBands struct {
	Fastest  float64 `json:"fastest"`
	HalfHour float64 `json:"half_hour"`
	Hour     float64 `json:"hour"`
	Economy  float64 `json:"economy"`
	Minimum  float64 `json:"minimum"`
}

// MempoolSnapshot describes current mempool pressure. Complete is false
// when the serving adapter could only provide a subset of the fields.
type MempoolSnapshot struct {
	PendingCount int64    `json:"pending_count"`
	VsizeBytes   int64    `json:"vsize_bytes"`
	TotalFeeBTC  float64  `json:"total_fee_btc"`
	FeeBands     FeeBands `json:"fee_bands"`
	Complete     bool     `json:"complete"`
}

// AddressInfo summarizes one address as reported by an upstream.
type AddressInfo struct {
	Address          string  `json:"address"`
	TxCount          int64   `json:"tx_count"`
	TotalReceivedBTC float64 `json:"total_received_btc"`
	TotalSentBTC     float64 `json:"total_sent_btc"`
	BalanceBTC       float64 `json:"balance_btc"`
}

// WhaleTx is one tier-classified transaction kept for persistence.
type WhaleTx struct {
	Txid        string    `json:"txid"`
	BlockHeight int64     `json:"block_height"`
	Timestamp   time.Time `json:"timestamp"`
	ValueBTC    float64   `json:"value_btc"`
	Tier        Tier      `json:"tier"`
	FlowType    FlowType  `json:"flow_type"`
	FeeBTC      float64   `json:"fee_btc"`
	InputCount  int       `json:"input_count"`
	OutputCount int       `json:"output_count"`
}

// WhaleMetrics aggregates tier-classified transactions over one window.
type WhaleMetrics struct {
	TierCounts     map[Tier]int     `json:"tier_counts"`
	TierVolumesBTC map[Tier]float64 `json:"tier_volumes_btc"`
	InflowBTC      float64          `json:"inflow_btc"`
	OutflowBTC     float64          `json:"outflow_btc"`
	NetFlowBTC     float64          `json:"net_flow_btc"`
	InternalBTC    float64          `json:"internal_btc"`
	TotalVolumeBTC float64          `json:"total_volume_btc"`
	Dominance      float64          `json:"dominance"` // [0,1]
	TxRecords      []WhaleTx        `json:"tx_records,omitempty"`
	Complete       bool             `json:"complete"`
}

// BlockchainMetrics summarizes the analyzed block window.
type BlockchainMetrics struct {
	Height         int64   `json:"height"`
	BlocksAnalyzed int     `json:"blocks_analyzed"`
	TotalTx        int64   `json:"total_tx"`
	AvgBlockSize   float64 `json:"avg_block_size"`
	AvgTxPerBlock  float64 `json:"avg_tx_per_block"`
	Complete       bool    `json:"complete"`
}

// MetricsSnapshot is one timestamped observation of the chain, the input
// to the signal engine and the unit of persistence in the metrics table.
type MetricsSnapshot struct {
	Timestamp        time.Time         `json:"timestamp"`
	Asset            Asset             `json:"asset"`
	Timeframe        Timeframe         `json:"timeframe"`
	Blockchain       BlockchainMetrics `json:"blockchain"`
	Mempool          MempoolSnapshot   `json:"mempool"`
	Whale            WhaleMetrics      `json:"whale"`
	DataCompleteness float64           `json:"data_completeness"` // [0,1]
}

// Signals holds the four boolean signals derived from a snapshot.
type Signals struct {
	SmartMoneyAccumulation bool `json:"smart_money_accumulation"`
	WhaleFlowDominant      bool `json:"whale_flow_dominant"`
	NetworkGrowth          bool `json:"network_growth"`
	DistributionRisk       bool `json:"distribution_risk"`
}

// ActiveCount returns how many signals fired.
func (s Signals) ActiveCount() int {
	n := 0
	for _, b := range []bool{s.SmartMoneyAccumulation, s.WhaleFlowDominant, s.NetworkGrowth, s.DistributionRisk} {
		if b {
			n++
		}
	}
	return n
}

// DerivedSignal is the signal engine output. Score is nullable so the
// kill-switch can erase it on BLOCKED contexts.
type DerivedSignal struct {
	Signals    Signals  `json:"signals"`
	Score      *float64 `json:"score"` // [0,100], nil when blocked
	Bias       Bias     `json:"bias"`
	Confidence float64  `json:"confidence"` // [0,1]
}

// QualityFacts are the kill-switch inputs describing how trustworthy the
// current snapshot is. Stability and anomaly counts default to their
// benign values when no upstream producer sets them.
type QualityFacts struct {
	InvariantsPassed       bool    `json:"invariants_passed"`
	Deterministic          bool    `json:"deterministic"`
	StabilityScore         float64 `json:"stability_score"`   // [0,1]
	DataCompleteness       float64 `json:"data_completeness"` // [0,1]
	DataAgeSeconds         float64 `json:"data_age_seconds"`
	ConflictingSignalCount int     `json:"conflicting_signal_count"`
	AnomalyCount           int     `json:"anomaly_count"`
}

// DefaultQualityFacts returns the benign baseline used when the pipeline
// has no upstream stability or anomaly producer.
func DefaultQualityFacts() QualityFacts {
	return QualityFacts{
		InvariantsPassed: true,
		Deterministic:    true,
		StabilityScore:   1.0,
		DataCompleteness: 1.0,
	}
}

// UsagePolicy tells the consumer how much weight an emitted context may
// carry in any downstream decision.
type UsagePolicy struct {
	Allowed           bool    `json:"allowed"`
	RecommendedWeight float64 `json:"recommended_weight"` // [0,1]
	Notes             string  `json:"notes"`
}

// DecisionContext is the score/bias/confidence triple on the wire.
type DecisionContext struct {
	OnchainScore *float64 `json:"onchain_score"` // null iff state == BLOCKED
	Bias         Bias     `json:"bias"`
	Confidence   float64  `json:"confidence"` // [0,1], 2 dp
}

// RiskFlags surface coarse quality warnings to the consumer.
type RiskFlags struct {
	DataLag         bool `json:"data_lag"`
	SignalConflict  bool `json:"signal_conflict"`
	AnomalyDetected bool `json:"anomaly_detected"`
}

// Verification echoes the quality facts the kill-switch acted on.
type Verification struct {
	InvariantsPassed bool    `json:"invariants_passed"`
	Deterministic    bool    `json:"deterministic"`
	StabilityScore   float64 `json:"stability_score"`
	DataCompleteness float64 `json:"data_completeness"`
}

// Context is the public output object for one (asset, timeframe, timestamp).
// It is derived on read and never persisted as such.
type Context struct {
	Product         string          `json:"product"`
	Version         string          `json:"version"`
	Asset           Asset           `json:"asset"`
	Timeframe       Timeframe       `json:"timeframe"`
	Timestamp       time.Time       `json:"timestamp"`
	State           State           `json:"state"`
	DecisionContext DecisionContext `json:"decision_context"`
	Signals         Signals         `json:"signals"`
	RiskFlags       RiskFlags       `json:"risk_flags"`
	Verification    Verification    `json:"verification"`
	UsagePolicy     UsagePolicy     `json:"usage_policy"`
}

// AuditRecord ties one emitted context back to the exact inputs and
// configuration that produced it.
type AuditRecord struct {
	CalculationHash string          `json:"calculation_hash"`
	Asset           Asset           `json:"asset"`
	Timeframe       Timeframe       `json:"timeframe"`
	Timestamp       time.Time       `json:"timestamp"`
	InputDataHash   string          `json:"input_data_hash"`
	ConfigHash      string          `json:"config_hash"`
	OutputSnapshot  json.RawMessage `json:"output_snapshot"` // emitted context, verbatim
	CreatedAt       time.Time       `json:"created_at"`
}
