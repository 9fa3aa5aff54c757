package whale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/domain"
)

func testDetector(tags ...string) *Detector {
	cfg := config.Default().Whale
	cfg.ExchangeTags = tags
	return NewDetector(cfg)
}

func fptr(v float64) *float64 { return &v }

func txWithOutputs(txid string, outputs ...float64) domain.RawTx {
	tx := domain.RawTx{Txid: txid, Timestamp: time.Now().UTC()}
	for _, v := range outputs {
		tx.Vout = append(tx.Vout, domain.TxOutput{Value: v})
	}
	return tx
}

func blockWith(txs ...domain.RawTx) domain.RawBlock {
	return domain.RawBlock{Height: 907000, TxCount: len(txs), Transactions: txs}
}

func TestThresholds_TierFor(t *testing.T) {
	th := Thresholds{Large: 10, Whale: 100, UltraWhale: 500, Leviathan: 1000}

	cases := []struct {
		value float64
		tier  domain.Tier
		ok    bool
	}{
		{9.99, "", false},
		{10, domain.TierLarge, true},
		{99.99, domain.TierLarge, true},
		{100, domain.TierWhale, true},
		{499.99, domain.TierWhale, true},
		{500, domain.TierUltraWhale, true},
		{999.99, domain.TierUltraWhale, true},
		{1000, domain.TierLeviathan, true},
		{25000, domain.TierLeviathan, true},
	}
	for _, tc := range cases {
		tier, ok := th.TierFor(tc.value)
		assert.Equal(t, tc.ok, ok, "value %v", tc.value)
		assert.Equal(t, tc.tier, tier, "value %v", tc.value)
	}
}

func TestDetector_Analyze_TierCounts(t *testing.T) {
	detector := testDetector()
	block := blockWith(
		txWithOutputs("small", 1),
		txWithOutputs("large", 15),
		txWithOutputs("whale", 150),
		txWithOutputs("ultra", 600),
		txWithOutputs("leviathan", 1500),
	)

	metrics := detector.Analyze([]domain.RawBlock{block}, nil)

	assert.Equal(t, 1, metrics.TierCounts[domain.TierLarge])
	assert.Equal(t, 1, metrics.TierCounts[domain.TierWhale])
	assert.Equal(t, 1, metrics.TierCounts[domain.TierUltraWhale])
	assert.Equal(t, 1, metrics.TierCounts[domain.TierLeviathan])
	assert.Len(t, metrics.TxRecords, 4, "sub-threshold transactions produce no records")
	assert.True(t, metrics.Complete)
}

func TestDetector_Analyze_DominanceClamped(t *testing.T) {
	detector := testDetector()
	block := blockWith(txWithOutputs("whale", 500))

	metrics := detector.Analyze([]domain.RawBlock{block}, nil)
	assert.Equal(t, 1.0, metrics.Dominance, "whale-only volume saturates dominance at 1")
	assert.GreaterOrEqual(t, metrics.Dominance, 0.0)
	assert.LessOrEqual(t, metrics.Dominance, 1.0)
}

func TestDetector_Analyze_EmptyWindow(t *testing.T) {
	detector := testDetector()
	metrics := detector.Analyze(nil, nil)

	assert.False(t, metrics.Complete)
	assert.Zero(t, metrics.TotalVolumeBTC)
	assert.Zero(t, metrics.Dominance)
	assert.Empty(t, metrics.TxRecords)
}

func TestDetector_Analyze_StubBlocksSkipped(t *testing.T) {
	detector := testDetector()
	stub := domain.RawBlock{Height: 907000, TxCount: 2000, Stub: true}

	metrics := detector.Analyze([]domain.RawBlock{stub}, nil)
	assert.False(t, metrics.Complete, "a window of stubs yields no whale analysis")
}

func TestDetector_ClassifyFlow_Outflow(t *testing.T) {
	// Tagged exchange inputs feeding untagged outputs: coins leave the venue.
	detector := testDetector("exchange_hot_1")
	tx := domain.RawTx{
		Txid: "out",
		Vin:  []domain.TxInput{{Address: "exchange_hot_1", Value: fptr(200)}},
		Vout: []domain.TxOutput{{Address: "cold_wallet", Value: 199.9}},
	}
	assert.Equal(t, domain.FlowOutflow, detector.classifyFlow(&tx))
}

func TestDetector_ClassifyFlow_Inflow(t *testing.T) {
	detector := testDetector("exchange_hot_1")
	tx := domain.RawTx{
		Txid: "in",
		Vin:  []domain.TxInput{{Address: "user_wallet", Value: fptr(200)}},
		Vout: []domain.TxOutput{{Address: "exchange_hot_1", Value: 199.9}},
	}
	assert.Equal(t, domain.FlowInflow, detector.classifyFlow(&tx))
}

func TestDetector_ClassifyFlow_Internal(t *testing.T) {
	detector := testDetector("exchange_hot_1", "exchange_cold_1")
	tx := domain.RawTx{
		Txid: "shuffle",
		Vin:  []domain.TxInput{{Address: "exchange_hot_1", Value: fptr(500)}},
		Vout: []domain.TxOutput{{Address: "exchange_cold_1", Value: 499.9}},
	}
	assert.Equal(t, domain.FlowInternal, detector.classifyFlow(&tx))
}

func TestDetector_ClassifyFlow_MajorityRule(t *testing.T) {
	// Tagged input value at exactly half must not classify as tagged.
	detector := testDetector("exchange_hot_1")
	tx := domain.RawTx{
		Txid: "split",
		Vin: []domain.TxInput{
			{Address: "exchange_hot_1", Value: fptr(100)},
			{Address: "user_wallet", Value: fptr(100)},
		},
		Vout: []domain.TxOutput{{Address: "elsewhere", Value: 199.9}},
	}
	assert.Equal(t, domain.FlowUnknown, detector.classifyFlow(&tx))
}

func TestDetector_ClassifyFlow_EmptyTagSet(t *testing.T) {
	detector := testDetector()
	tx := domain.RawTx{
		Txid: "anything",
		Vin:  []domain.TxInput{{Address: "a", Value: fptr(100)}},
		Vout: []domain.TxOutput{{Address: "b", Value: 99.9}},
	}
	assert.Equal(t, domain.FlowUnknown, detector.classifyFlow(&tx))
}

func TestDetector_Analyze_NetFlow(t *testing.T) {
	detector := testDetector("exchange_hot_1")
	inflow := domain.RawTx{
		Txid: "in",
		Vin:  []domain.TxInput{{Address: "user", Value: fptr(300)}},
		Vout: []domain.TxOutput{{Address: "exchange_hot_1", Value: 300}},
	}
	outflow := domain.RawTx{
		Txid: "out",
		Vin:  []domain.TxInput{{Address: "exchange_hot_1", Value: fptr(120)}},
		Vout: []domain.TxOutput{{Address: "user2", Value: 120}},
	}
	block := blockWith(inflow, outflow)

	metrics := detector.Analyze([]domain.RawBlock{block}, nil)
	assert.Equal(t, 300.0, metrics.InflowBTC)
	assert.Equal(t, 120.0, metrics.OutflowBTC)
	assert.Equal(t, 180.0, metrics.NetFlowBTC)
}

func TestDetector_Analyze_Deterministic(t *testing.T) {
	detector := testDetector("exchange_hot_1")
	blocks := []domain.RawBlock{blockWith(
		txWithOutputs("a", 15, 20),
		txWithOutputs("b", 700),
	)}

	first := detector.Analyze(blocks, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, detector.Analyze(blocks, nil))
	}
}

func TestDetector_PercentileThresholds_RequireSample(t *testing.T) {
	cfg := config.Default().Whale
	cfg.UsePercentiles = true
	detector := NewDetector(cfg)

	// Below the minimum sample the fixed thresholds stay in force.
	small := make([]domain.RawTx, 10)
	for i := range small {
		small[i] = txWithOutputs("tx", 1)
	}
	assert.Equal(t, detector.fixed, detector.thresholdsFor(small))

	// A large sample switches to distribution-derived floors.
	big := make([]domain.RawTx, 200)
	for i := range big {
		big[i] = txWithOutputs("tx", float64(i+1))
	}
	derived := detector.thresholdsFor(big)
	assert.NotEqual(t, detector.fixed, derived)
	assert.Equal(t, 190.0, derived.Large, "p95 of 1..200")
	assert.Equal(t, 198.0, derived.Whale, "p99 of 1..200")
}
