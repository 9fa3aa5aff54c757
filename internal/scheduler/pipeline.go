package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chainpulse/chainpulse/internal/aggregator"
	"github.com/chainpulse/chainpulse/internal/audit"
	"github.com/chainpulse/chainpulse/internal/cache"
	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/gates"
	"github.com/chainpulse/chainpulse/internal/persistence"
	"github.com/chainpulse/chainpulse/internal/signal"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

// cacheTTL bounds staleness of the hot-path context copy. The read path
// falls back to PostgreSQL on a miss, so expiry only costs latency.
const cacheTTL = 10 * time.Minute

// CachedContext is the payload stored in the latest-context cache.
type CachedContext struct {
	Context         domain.Context `json:"context"`
	CalculationHash string         `json:"calculation_hash"`
}

// Pipeline executes one full tick for one (asset, timeframe): collect,
// evaluate, gate, audit, persist, cache.
type Pipeline struct {
	aggregator *aggregator.Aggregator
	engine     *signal.Engine
	killSwitch *gates.KillSwitch
	recorder   *audit.Recorder
	store      persistence.Store
	cache      cache.Cache
	metrics    *telemetry.MetricsRegistry
}

// NewPipeline wires the tick stages together.
func NewPipeline(agg *aggregator.Aggregator, engine *signal.Engine, ks *gates.KillSwitch, rec *audit.Recorder, store persistence.Store, c cache.Cache, metrics *telemetry.MetricsRegistry) *Pipeline {
	return &Pipeline{
		aggregator: agg,
		engine:     engine,
		killSwitch: ks,
		recorder:   rec,
		store:      store,
		cache:      c,
		metrics:    metrics,
	}
}

// RunOnce executes a single tick. Data-quality violations do not abort
// the tick: the kill-switch converts them into a BLOCKED context, which
// is itself persisted and audited.
func (p *Pipeline) RunOnce(ctx context.Context, asset domain.Asset, tf domain.Timeframe) (*domain.Context, error) {
	snap, err := p.aggregator.Collect(ctx, asset, tf)
	if err != nil {
		return nil, err
	}

	result := p.engine.Evaluate(snap)
	derived := result.Derived

	facts := domain.DefaultQualityFacts()
	facts.DataCompleteness = snap.DataCompleteness
	facts.ConflictingSignalCount = signal.ConflictCount(derived.Signals)
	if verr := signal.Validate(snap, derived); verr != nil {
		log.Warn().Err(verr).
			Str("asset", string(asset)).
			Str("timeframe", string(tf)).
			Msg("data quality violation, context will be blocked")
		facts.InvariantsPassed = false
		facts.AnomalyCount++
	}

	out := p.killSwitch.BuildContext(asset, tf, snap.Timestamp, derived, facts)

	rec, err := p.recorder.Build(snap, &out)
	if err != nil {
		return nil, err
	}

	row := persistence.NewSignalRow(snap.Timestamp, asset, tf, derived, out.State, rec.CalculationHash)
	if err := p.store.SaveTick(ctx, snap, row, rec); err != nil {
		return nil, err
	}

	p.cacheLatest(asset, tf, &out, rec.CalculationHash)
	p.observe(asset, tf, snap, &out)

	log.Info().
		Str("asset", string(asset)).
		Str("timeframe", string(tf)).
		Str("state", string(out.State)).
		Str("bias", string(out.DecisionContext.Bias)).
		Float64("completeness", snap.DataCompleteness).
		Int("whale_txs", len(snap.Whale.TxRecords)).
		Msg("tick complete")
	return &out, nil
}

func (p *Pipeline) cacheLatest(asset domain.Asset, tf domain.Timeframe, out *domain.Context, calcHash string) {
	payload, err := json.Marshal(CachedContext{Context: *out, CalculationHash: calcHash})
	if err != nil {
		return
	}
	p.cache.Set(cache.ContextKey(string(asset), string(tf)), payload, cacheTTL)
}

func (p *Pipeline) observe(asset domain.Asset, tf domain.Timeframe, snap *domain.MetricsSnapshot, out *domain.Context) {
	if p.metrics == nil {
		return
	}
	p.metrics.ContextStates.WithLabelValues(string(asset), string(tf), string(out.State)).Inc()
	for i := range snap.Whale.TxRecords {
		t := &snap.Whale.TxRecords[i]
		p.metrics.WhaleTxDetected.WithLabelValues(string(t.Tier), string(t.FlowType)).Inc()
	}
}
