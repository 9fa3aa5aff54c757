package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/domain"
)

func testSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Asset:     domain.AssetBTC,
		Timeframe: domain.Timeframe1h,
		Blockchain: domain.BlockchainMetrics{
			Height:         907000,
			BlocksAnalyzed: 6,
			TotalTx:        15000,
			AvgTxPerBlock:  2500,
			Complete:       true,
		},
		Whale: domain.WhaleMetrics{
			NetFlowBTC:     250.5,
			TotalVolumeBTC: 12000,
			Dominance:      0.41,
			Complete:       true,
		},
		DataCompleteness: 1.0,
	}
}

func testContext() *domain.Context {
	score := 85.0
	return &domain.Context{
		Product:   "onchain_intelligence",
		Version:   "1.0.0",
		Asset:     domain.AssetBTC,
		Timeframe: domain.Timeframe1h,
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		State:     domain.StateActive,
		DecisionContext: domain.DecisionContext{
			OnchainScore: &score,
			Bias:         domain.BiasPositive,
			Confidence:   0.70,
		},
		UsagePolicy: domain.UsagePolicy{Allowed: true, RecommendedWeight: 1.0, Notes: "Normal operation"},
	}
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	rec, err := NewRecorder(config.Default().PipelineParams())
	require.NoError(t, err)
	return rec
}

func TestRecorder_Build_VerifiableRecord(t *testing.T) {
	recorder := newTestRecorder(t)

	rec, err := recorder.Build(testSnapshot(), testContext())
	require.NoError(t, err)

	assert.Len(t, rec.CalculationHash, 64)
	assert.Len(t, rec.InputDataHash, 64)
	assert.Equal(t, recorder.ConfigHash(), rec.ConfigHash)

	ok, err := Verify(rec)
	require.NoError(t, err)
	assert.True(t, ok, "a freshly built record must verify")
}

func TestRecorder_Build_SameTickSameHash(t *testing.T) {
	recorder := newTestRecorder(t)

	first, err := recorder.Build(testSnapshot(), testContext())
	require.NoError(t, err)
	second, err := recorder.Build(testSnapshot(), testContext())
	require.NoError(t, err)

	assert.Equal(t, first.CalculationHash, second.CalculationHash, "replaying a tick must reproduce the hash")
	assert.Equal(t, first.InputDataHash, second.InputDataHash)
	assert.Equal(t, first.OutputSnapshot, second.OutputSnapshot)
}

func TestRecorder_Build_DifferentInputDifferentHash(t *testing.T) {
	recorder := newTestRecorder(t)

	first, err := recorder.Build(testSnapshot(), testContext())
	require.NoError(t, err)

	snap := testSnapshot()
	snap.Whale.NetFlowBTC = 251.0
	second, err := recorder.Build(snap, testContext())
	require.NoError(t, err)

	assert.NotEqual(t, first.CalculationHash, second.CalculationHash)
	assert.NotEqual(t, first.InputDataHash, second.InputDataHash)
}

func TestRecorder_PipelineConfigChangeChangesHash(t *testing.T) {
	recorder := newTestRecorder(t)

	cfg := config.Default()
	cfg.Signal.DominanceThreshold = 0.35
	altered, err := NewRecorder(cfg.PipelineParams())
	require.NoError(t, err)

	assert.NotEqual(t, recorder.ConfigHash(), altered.ConfigHash())
}

func TestRecorder_InfrastructureConfigDoesNotChangeHash(t *testing.T) {
	recorder := newTestRecorder(t)

	// Credential rotations and serving changes must not move hashes.
	cfg := config.Default()
	cfg.DB.Password = "rotated"
	cfg.DB.PoolMax = 50
	cfg.HTTP.Port = 9090
	redeployed, err := NewRecorder(cfg.PipelineParams())
	require.NoError(t, err)

	assert.Equal(t, recorder.ConfigHash(), redeployed.ConfigHash())
}

func TestRecorder_OutputSnapshotIsStructuredJSON(t *testing.T) {
	recorder := newTestRecorder(t)

	rec, err := recorder.Build(testSnapshot(), testContext())
	require.NoError(t, err)

	// On the wire the snapshot must appear as the context object itself,
	// not a base64 blob.
	body, err := json.Marshal(rec)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	snapshot, ok := wire["output_snapshot"].(map[string]any)
	require.True(t, ok, "output_snapshot must be a JSON object")
	assert.Equal(t, "onchain_intelligence", snapshot["product"])
	assert.Equal(t, "ACTIVE", snapshot["state"])
}

func TestVerify_DetectsTampering(t *testing.T) {
	recorder := newTestRecorder(t)

	rec, err := recorder.Build(testSnapshot(), testContext())
	require.NoError(t, err)

	rec.InputDataHash = "0000000000000000000000000000000000000000000000000000000000000000"
	ok, err := Verify(rec)
	require.NoError(t, err)
	assert.False(t, ok, "a modified record must fail verification")
}

func TestReplay_ReturnsStoredContextVerbatim(t *testing.T) {
	recorder := newTestRecorder(t)

	original := testContext()
	rec, err := recorder.Build(testSnapshot(), original)
	require.NoError(t, err)

	replayed, err := Replay(rec)
	require.NoError(t, err)
	assert.Equal(t, original.State, replayed.State)
	assert.Equal(t, original.DecisionContext.Bias, replayed.DecisionContext.Bias)
	require.NotNil(t, replayed.DecisionContext.OnchainScore)
	assert.Equal(t, *original.DecisionContext.OnchainScore, *replayed.DecisionContext.OnchainScore)
	assert.True(t, original.Timestamp.Equal(replayed.Timestamp))
}
