package signal

import (
	"fmt"
	"math"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/domain"
)

// DataQualityError marks an invariant violation detected mid-pipeline.
// The engine still emits a DerivedSignal; the kill-switch turns the
// violation into a BLOCKED context.
type DataQualityError struct {
	Check   string
	Message string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %s: %s", e.Check, e.Message)
}

// Result carries the derived signal together with the baselines and
// thresholds that produced it, so the audit recorder can hash them.
type Result struct {
	Derived    domain.DerivedSignal
	Baselines  map[string]float64
	Thresholds map[string]float64
}

// Engine converts a MetricsSnapshot into a DerivedSignal. It is a pure
// function of the snapshot and the configured thresholds: same inputs,
// same output, always.
type Engine struct {
	cfg config.SignalConfig
}

// NewEngine builds the engine from signal configuration.
func NewEngine(cfg config.SignalConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate derives the four signals, the composite score, the bias, and
// the confidence. Threshold comparisons are strict: a value exactly at a
// threshold does not fire the signal.
func (e *Engine) Evaluate(snap *domain.MetricsSnapshot) Result {
	netFlow := snap.Whale.NetFlowBTC
	dominance := snap.Whale.Dominance
	txPerBlock := snap.Blockchain.AvgTxPerBlock

	signals := domain.Signals{
		SmartMoneyAccumulation: netFlow > 0,
		WhaleFlowDominant:      dominance > e.cfg.DominanceThreshold,
		NetworkGrowth:          txPerBlock > e.cfg.GrowthTxPerBlock,
		DistributionRisk:       netFlow < 0 && math.Abs(netFlow) > e.cfg.DistributionFlowBTC,
	}

	score := e.cfg.BaseScore
	if signals.SmartMoneyAccumulation {
		score += e.cfg.AccumulationWeight
	}
	if signals.WhaleFlowDominant {
		score += e.cfg.DominanceWeight
	}
	if signals.NetworkGrowth {
		score += e.cfg.GrowthWeight
	}
	if signals.DistributionRisk {
		score += e.cfg.DistributionWeight
	}
	score = clamp(score, 0, 100)

	bias := domain.BiasNeutral
	switch {
	case score >= e.cfg.PositiveBiasMinScore:
		bias = domain.BiasPositive
	case score <= e.cfg.NegativeBiasMaxScore:
		bias = domain.BiasNegative
	}

	confidence := e.confidence(signals)

	score = round8(score)
	return Result{
		Derived: domain.DerivedSignal{
			Signals:    signals,
			Score:      &score,
			Bias:       bias,
			Confidence: round8(confidence),
		},
		Baselines: map[string]float64{
			"net_flow_btc":     round8(netFlow),
			"dominance":        round8(dominance),
			"avg_tx_per_block": round8(txPerBlock),
		},
		Thresholds: map[string]float64{
			"dominance_threshold":   e.cfg.DominanceThreshold,
			"growth_tx_per_block":   e.cfg.GrowthTxPerBlock,
			"distribution_flow_btc": e.cfg.DistributionFlowBTC,
			"base_score":            e.cfg.BaseScore,
			"accumulation_weight":   e.cfg.AccumulationWeight,
			"dominance_weight":      e.cfg.DominanceWeight,
			"growth_weight":         e.cfg.GrowthWeight,
			"distribution_weight":   e.cfg.DistributionWeight,
		},
	}
}

// confidence scores signal agreement. A direct accumulation/distribution
// conflict dominates every other consideration.
func (e *Engine) confidence(s domain.Signals) float64 {
	if s.SmartMoneyAccumulation && s.DistributionRisk {
		return 0.5
	}
	switch {
	case s.ActiveCount() >= 3:
		return 0.85
	case s.ActiveCount() == 2:
		return 0.70
	default:
		return 0.60
	}
}

// ConflictCount reports directly contradictory signal pairs, an input to
// the kill-switch's DEGRADED rule.
func ConflictCount(s domain.Signals) int {
	n := 0
	if s.SmartMoneyAccumulation && s.DistributionRisk {
		n++
	}
	return n
}

// Validate checks the pipeline invariants the engine can observe. A
// violation does not abort the tick: the caller records it in the
// quality facts and lets the kill-switch block the context.
func Validate(snap *domain.MetricsSnapshot, derived domain.DerivedSignal) error {
	if snap.DataCompleteness < 0 || snap.DataCompleteness > 1 {
		return &DataQualityError{Check: "data_completeness", Message: fmt.Sprintf("%.4f out of [0,1]", snap.DataCompleteness)}
	}
	if derived.Confidence < 0 || derived.Confidence > 1 {
		return &DataQualityError{Check: "confidence", Message: fmt.Sprintf("%.4f out of [0,1]", derived.Confidence)}
	}
	if derived.Score != nil && (*derived.Score < 0 || *derived.Score > 100) {
		return &DataQualityError{Check: "score", Message: fmt.Sprintf("%.4f out of [0,100]", *derived.Score)}
	}
	if snap.Whale.Dominance < 0 || snap.Whale.Dominance > 1 {
		return &DataQualityError{Check: "dominance", Message: fmt.Sprintf("%.4f out of [0,1]", snap.Whale.Dominance)}
	}
	// Bookkeeping: classified flows can never exceed observed volume.
	classified := snap.Whale.InflowBTC + snap.Whale.OutflowBTC + snap.Whale.InternalBTC
	if classified > snap.Whale.TotalVolumeBTC+1e-8 {
		return &DataQualityError{Check: "flow_bookkeeping", Message: fmt.Sprintf("classified %.8f exceeds total %.8f", classified, snap.Whale.TotalVolumeBTC)}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
