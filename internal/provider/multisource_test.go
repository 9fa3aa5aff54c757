package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/adapters"
	"github.com/chainpulse/chainpulse/internal/domain"
)

// fakeAdapter scripts per-capability outcomes for dispatch tests.
type fakeAdapter struct {
	name        string
	height      int64
	heightErr   error
	heightCalls int
	feeErr      error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) GetBlockHeight(ctx context.Context) (int64, error) {
	f.heightCalls++
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return f.height, nil
}

func (f *fakeAdapter) GetBlock(ctx context.Context, ref adapters.BlockRef) (*domain.RawBlock, error) {
	return &domain.RawBlock{Height: ref.Height}, nil
}

func (f *fakeAdapter) GetBlockTransactions(ctx context.Context, blockHash string, startIndex int) ([]domain.RawTx, error) {
	return nil, nil
}

func (f *fakeAdapter) GetTransaction(ctx context.Context, txid string) (*domain.RawTx, error) {
	return &domain.RawTx{Txid: txid}, nil
}

func (f *fakeAdapter) GetMempoolInfo(ctx context.Context) (*domain.MempoolSnapshot, error) {
	return &domain.MempoolSnapshot{Complete: true}, nil
}

func (f *fakeAdapter) GetRecommendedFees(ctx context.Context) (*domain.FeeBands, error) {
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	return &domain.FeeBands{Fastest: 20}, nil
}

func (f *fakeAdapter) GetAddress(ctx context.Context, address string) (*domain.AddressInfo, error) {
	return &domain.AddressInfo{Address: address}, nil
}

func netErr(source string) *adapters.AdapterError {
	return &adapters.AdapterError{Source: source, Kind: adapters.ErrNetwork, Message: "connection refused"}
}

func capErr(source string) *adapters.AdapterError {
	return &adapters.AdapterError{Source: source, Kind: adapters.ErrCapability, Message: "endpoint not supported"}
}

func TestMultiSource_PrimaryServes(t *testing.T) {
	primary := &fakeAdapter{name: "primary", height: 907000}
	backup := &fakeAdapter{name: "backup", height: 906999}
	ms := NewMultiSource([]adapters.Adapter{primary, backup}, time.Minute, nil)

	height, source, err := ms.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(907000), height)
	assert.Equal(t, "primary", source)
	assert.Equal(t, 0, backup.heightCalls, "backup must not be consulted when primary serves")
}

func TestMultiSource_FallsThroughOnFailure(t *testing.T) {
	primary := &fakeAdapter{name: "primary", heightErr: netErr("primary")}
	backup := &fakeAdapter{name: "backup", height: 906999}
	ms := NewMultiSource([]adapters.Adapter{primary, backup}, time.Minute, nil)

	height, source, err := ms.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(906999), height)
	assert.Equal(t, "backup", source)

	// The failure degraded primary's health; the success healed backup's.
	health := ms.HealthSnapshot()
	assert.Equal(t, 1, health["primary"].ConsecutiveFailures)
	assert.Equal(t, StatusHealthy, health["backup"].Status)
}

func TestMultiSource_CapabilityMissLeavesHealthUntouched(t *testing.T) {
	primary := &fakeAdapter{name: "primary", feeErr: capErr("primary")}
	backup := &fakeAdapter{name: "backup"}
	ms := NewMultiSource([]adapters.Adapter{primary, backup}, time.Minute, nil)

	fees, source, err := ms.RecommendedFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backup", source)
	assert.Equal(t, 20.0, fees.Fastest)

	health := ms.HealthSnapshot()
	assert.Equal(t, 0, health["primary"].ConsecutiveFailures, "a capability miss is not a failure")
	assert.Equal(t, int64(0), health["primary"].TotalFailures)
}

func TestMultiSource_AllSourcesFailed(t *testing.T) {
	a := &fakeAdapter{name: "a", heightErr: netErr("a")}
	b := &fakeAdapter{name: "b", heightErr: netErr("b")}
	ms := NewMultiSource([]adapters.Adapter{a, b}, time.Minute, nil)

	_, _, err := ms.BlockHeight(context.Background())
	require.Error(t, err)

	var asf *AllSourcesFailed
	require.ErrorAs(t, err, &asf)
	assert.Equal(t, "get_block_height", asf.Method)
	assert.Equal(t, []string{"a", "b"}, asf.Attempted)
}

func TestMultiSource_DownSourceSkippedDuringCooldown(t *testing.T) {
	primary := &fakeAdapter{name: "primary", heightErr: netErr("primary")}
	backup := &fakeAdapter{name: "backup", height: 1}
	ms := NewMultiSource([]adapters.Adapter{primary, backup}, time.Hour, nil)

	// Five failed rounds put primary DOWN.
	for i := 0; i < 5; i++ {
		_, _, err := ms.BlockHeight(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, StatusDown, ms.HealthSnapshot()["primary"].Status)
	callsWhenDown := primary.heightCalls

	// While DOWN and inside cooldown, primary is not consulted at all.
	_, source, err := ms.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backup", source)
	assert.Equal(t, callsWhenDown, primary.heightCalls)
}

func TestMultiSource_Prioritize(t *testing.T) {
	a := &fakeAdapter{name: "a", height: 1}
	b := &fakeAdapter{name: "b", height: 2}
	ms := NewMultiSource([]adapters.Adapter{a, b}, time.Minute, nil)

	require.NoError(t, ms.Prioritize("b"))
	assert.Equal(t, []string{"b", "a"}, ms.Sources())

	height, source, err := ms.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), height)
	assert.Equal(t, "b", source)

	assert.Error(t, ms.Prioritize("missing"))
}

func TestMultiSource_ObserverSeesEveryCall(t *testing.T) {
	type call struct {
		source string
		method string
		ok     bool
	}
	var calls []call
	observer := func(source, method string, ok bool, rt time.Duration) {
		calls = append(calls, call{source, method, ok})
	}

	primary := &fakeAdapter{name: "primary", heightErr: netErr("primary")}
	backup := &fakeAdapter{name: "backup", height: 1}
	ms := NewMultiSource([]adapters.Adapter{primary, backup}, time.Minute, observer)

	_, _, err := ms.BlockHeight(context.Background())
	require.NoError(t, err)

	require.Len(t, calls, 2)
	assert.Equal(t, call{"primary", "get_block_height", false}, calls[0])
	assert.Equal(t, call{"backup", "get_block_height", true}, calls[1])
}

func TestMultiSource_ContextCancellationStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &fakeAdapter{name: "primary", heightErr: netErr("primary")}
	backup := &fakeAdapter{name: "backup", height: 1}
	ms := NewMultiSource([]adapters.Adapter{primary, backup}, time.Minute, nil)

	cancel()
	_, _, err := ms.BlockHeight(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, backup.heightCalls, "a canceled context must not reach further sources")
}
