package whale

import (
	"math"
	"sort"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/domain"
)

// Thresholds are the BTC value floors per tier. A transaction's tier is
// the highest floor its total output value meets.
type Thresholds struct {
	Large      float64
	Whale      float64
	UltraWhale float64
	Leviathan  float64
}

// TierFor classifies a transaction value. ok is false below the large floor.
func (t Thresholds) TierFor(valueBTC float64) (domain.Tier, bool) {
	switch {
	case valueBTC >= t.Leviathan:
		return domain.TierLeviathan, true
	case valueBTC >= t.UltraWhale:
		return domain.TierUltraWhale, true
	case valueBTC >= t.Whale:
		return domain.TierWhale, true
	case valueBTC >= t.Large:
		return domain.TierLarge, true
	default:
		return "", false
	}
}

// minPercentileSample is the smallest window that makes percentile-derived
// thresholds meaningful; below it the fixed thresholds apply.
const minPercentileSample = 100

// Detector classifies transactions into value tiers and derives flow
// metrics against an injected exchange tag-set. An empty tag-set leaves
// most flows unknown, which is a quality-of-signal issue, not an error.
type Detector struct {
	fixed          Thresholds
	usePercentiles bool
	tags           map[string]struct{}
}

// NewDetector builds a detector from configuration.
func NewDetector(cfg config.WhaleConfig) *Detector {
	tags := make(map[string]struct{}, len(cfg.ExchangeTags))
	for _, addr := range cfg.ExchangeTags {
		tags[addr] = struct{}{}
	}
	return &Detector{
		fixed: Thresholds{
			Large:      cfg.LargeBTC,
			Whale:      cfg.WhaleBTC,
			UltraWhale: cfg.UltraWhaleBTC,
			Leviathan:  cfg.LeviathanBTC,
		},
		usePercentiles: cfg.UsePercentiles,
		tags:           tags,
	}
}

// Analyze scans a window of recent blocks plus an optional mempool sample
// and produces WhaleMetrics. Output is deterministic for a given window
// and configuration.
func (d *Detector) Analyze(blocks []domain.RawBlock, mempool []domain.RawTx) domain.WhaleMetrics {
	txs := make([]domain.RawTx, 0, len(mempool))
	analyzed := 0
	for _, b := range blocks {
		if b.Stub || len(b.Transactions) == 0 {
			continue
		}
		analyzed++
		txs = append(txs, b.Transactions...)
	}
	txs = append(txs, mempool...)

	thresholds := d.thresholdsFor(txs)

	metrics := domain.WhaleMetrics{
		TierCounts:     make(map[domain.Tier]int, len(domain.Tiers)),
		TierVolumesBTC: make(map[domain.Tier]float64, len(domain.Tiers)),
		Complete:       analyzed > 0,
	}

	var whaleVolume float64
	for i := range txs {
		tx := &txs[i]
		total := tx.TotalOutputBTC()
		metrics.TotalVolumeBTC += total

		tier, ok := thresholds.TierFor(total)
		if !ok {
			continue
		}
		metrics.TierCounts[tier]++
		metrics.TierVolumesBTC[tier] += total
		whaleVolume += total

		flow := d.classifyFlow(tx)
		switch flow {
		case domain.FlowInflow:
			metrics.InflowBTC += total
		case domain.FlowOutflow:
			metrics.OutflowBTC += total
		case domain.FlowInternal:
			metrics.InternalBTC += total
		}

		metrics.TxRecords = append(metrics.TxRecords, domain.WhaleTx{
			Txid:        tx.Txid,
			BlockHeight: tx.BlockHeight,
			Timestamp:   tx.Timestamp,
			ValueBTC:    round8(total),
			Tier:        tier,
			FlowType:    flow,
			FeeBTC:      tx.Fee,
			InputCount:  len(tx.Vin),
			OutputCount: len(tx.Vout),
		})
	}

	metrics.NetFlowBTC = metrics.InflowBTC - metrics.OutflowBTC
	if metrics.TotalVolumeBTC > 0 {
		metrics.Dominance = clamp01(whaleVolume / metrics.TotalVolumeBTC)
	}
	return metrics
}

// thresholdsFor returns the active tier floors: fixed by default, or
// derived from the value distribution of the window when the percentile
// regime is enabled and the sample is large enough.
func (d *Detector) thresholdsFor(txs []domain.RawTx) Thresholds {
	if !d.usePercentiles || len(txs) < minPercentileSample {
		return d.fixed
	}
	values := make([]float64, 0, len(txs))
	for i := range txs {
		values = append(values, txs[i].TotalOutputBTC())
	}
	sort.Float64s(values)
	return Thresholds{
		Large:      percentile(values, 0.95),
		Whale:      percentile(values, 0.99),
		UltraWhale: percentile(values, 0.995),
		Leviathan:  percentile(values, 0.999),
	}
}

// classifyFlow applies the exchange tag-set majority heuristic: tagged
// input value majority with untagged outputs is an outflow, the inverse
// an inflow, both sides tagged an internal shuffle, neither unknown.
func (d *Detector) classifyFlow(tx *domain.RawTx) domain.FlowType {
	if len(d.tags) == 0 {
		return domain.FlowUnknown
	}

	var inTotal, inTagged float64
	for _, in := range tx.Vin {
		if in.Value == nil {
			continue
		}
		inTotal += *in.Value
		if _, ok := d.tags[in.Address]; ok && in.Address != "" {
			inTagged += *in.Value
		}
	}
	var outTotal, outTagged float64
	for _, out := range tx.Vout {
		outTotal += out.Value
		if _, ok := d.tags[out.Address]; ok && out.Address != "" {
			outTagged += out.Value
		}
	}

	inputsTagged := inTotal > 0 && inTagged/inTotal > 0.5
	outputsTagged := outTotal > 0 && outTagged/outTotal > 0.5

	switch {
	case inputsTagged && outputsTagged:
		return domain.FlowInternal
	case inputsTagged:
		return domain.FlowOutflow
	case outputsTagged:
		return domain.FlowInflow
	default:
		return domain.FlowUnknown
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
