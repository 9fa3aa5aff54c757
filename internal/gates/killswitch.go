package gates

import (
	"fmt"
	"math"
	"time"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/domain"
)

// Product identity stamped on every emitted context.
const (
	Product        = "onchain_intelligence"
	ProductVersion = "1.0.0"
)

// Decision is the kill-switch verdict for one context.
type Decision struct {
	State   domain.State
	Policy  domain.UsagePolicy
	Trigger string
}

// KillSwitch maps the derived signal and quality facts to a state and a
// usage policy. It is memoryless: the verdict is a pure function of the
// current facts, so re-applying it on read with live config is safe.
type KillSwitch struct {
	cfg config.GateConfig
}

// NewKillSwitch builds the state machine from gate configuration.
func NewKillSwitch(cfg config.GateConfig) *KillSwitch {
	return &KillSwitch{cfg: cfg}
}

// Decide evaluates the gate rules in priority order; the first match wins.
func (k *KillSwitch) Decide(derived domain.DerivedSignal, facts domain.QualityFacts) Decision {
	if trigger := k.blockedTrigger(derived, facts); trigger != "" {
		return Decision{
			State:   domain.StateBlocked,
			Trigger: trigger,
			Policy: domain.UsagePolicy{
				Allowed:           false,
				RecommendedWeight: 0,
				Notes:             "BLOCKED: " + trigger,
			},
		}
	}

	if trigger := k.degradedTrigger(facts); trigger != "" {
		return Decision{
			State:   domain.StateDegraded,
			Trigger: trigger,
			Policy: domain.UsagePolicy{
				Allowed:           true,
				RecommendedWeight: round2(k.cfg.DegradedWeightFraction * k.cfg.BaseWeight),
				Notes:             "DEGRADED: " + trigger,
			},
		}
	}

	return Decision{
		State: domain.StateActive,
		Policy: domain.UsagePolicy{
			Allowed:           true,
			RecommendedWeight: k.cfg.BaseWeight,
			Notes:             "Normal operation",
		},
	}
}

func (k *KillSwitch) blockedTrigger(derived domain.DerivedSignal, facts domain.QualityFacts) string {
	if !facts.InvariantsPassed {
		return "invariants_failed"
	}
	if !facts.Deterministic {
		return "non_deterministic"
	}
	if facts.DataCompleteness < 0 || facts.DataCompleteness > 1 {
		return fmt.Sprintf("data_completeness %.4f out of range", facts.DataCompleteness)
	}
	if derived.Confidence < 0 || derived.Confidence > 1 {
		return fmt.Sprintf("confidence %.4f out of range", derived.Confidence)
	}
	maxAge := k.cfg.MaxDataAge.Seconds()
	if facts.DataAgeSeconds > maxAge {
		return fmt.Sprintf("data_age %.0fs exceeds max %.0fs", facts.DataAgeSeconds, maxAge)
	}
	if derived.Confidence < k.cfg.MinConfidence {
		return fmt.Sprintf("confidence %.2f below minimum %.2f", derived.Confidence, k.cfg.MinConfidence)
	}
	return ""
}

func (k *KillSwitch) degradedTrigger(facts domain.QualityFacts) string {
	if facts.StabilityScore < k.cfg.StabilityThreshold {
		return fmt.Sprintf("stability %.2f below threshold %.2f", facts.StabilityScore, k.cfg.StabilityThreshold)
	}
	if facts.DataCompleteness < k.cfg.CompletenessThreshold {
		return fmt.Sprintf("completeness %.2f below threshold %.2f", facts.DataCompleteness, k.cfg.CompletenessThreshold)
	}
	if facts.ConflictingSignalCount > k.cfg.MaxConflictingSignals {
		return fmt.Sprintf("conflicting signals %d exceed max %d", facts.ConflictingSignalCount, k.cfg.MaxConflictingSignals)
	}
	return ""
}

// BuildContext assembles the public context object for one decision. On
// BLOCKED the score is nullified so no consumer can mistake it for a
// usable value.
func (k *KillSwitch) BuildContext(asset domain.Asset, tf domain.Timeframe, ts time.Time, derived domain.DerivedSignal, facts domain.QualityFacts) domain.Context {
	decision := k.Decide(derived, facts)

	score := derived.Score
	if decision.State == domain.StateBlocked {
		score = nil
	}

	return domain.Context{
		Product:   Product,
		Version:   ProductVersion,
		Asset:     asset,
		Timeframe: tf,
		Timestamp: ts.UTC(),
		State:     decision.State,
		DecisionContext: domain.DecisionContext{
			OnchainScore: score,
			Bias:         derived.Bias,
			Confidence:   round2(derived.Confidence),
		},
		Signals: derived.Signals,
		RiskFlags: domain.RiskFlags{
			DataLag:         facts.DataAgeSeconds > k.cfg.MaxDataAge.Seconds(),
			SignalConflict:  facts.ConflictingSignalCount > 0,
			AnomalyDetected: facts.AnomalyCount > 0,
		},
		Verification: domain.Verification{
			InvariantsPassed: facts.InvariantsPassed,
			Deterministic:    facts.Deterministic,
			StabilityScore:   facts.StabilityScore,
			DataCompleteness: facts.DataCompleteness,
		},
		UsagePolicy: decision.Policy,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
