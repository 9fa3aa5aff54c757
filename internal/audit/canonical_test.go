package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalBytes_SortsKeys(t *testing.T) {
	a := map[string]any{"zebra": 1, "alpha": 2, "mid": 3}
	b := map[string]any{"mid": 3, "alpha": 2, "zebra": 1}

	ba, err := CanonicalBytes(a)
	require.NoError(t, err)
	bb, err := CanonicalBytes(b)
	require.NoError(t, err)

	assert.Equal(t, ba, bb, "key order must not affect the encoding")
	assert.Equal(t, `{"alpha":"2.00000000","mid":"3.00000000","zebra":"1.00000000"}`, string(ba))
}

func TestCanonicalBytes_FloatsRoundToEightDecimals(t *testing.T) {
	a, err := CanonicalBytes(map[string]any{"v": 0.123456789123})
	require.NoError(t, err)
	b, err := CanonicalBytes(map[string]any{"v": 0.123456789456})
	require.NoError(t, err)

	assert.Equal(t, a, b, "noise below the 8th decimal must not change the encoding")
	assert.Equal(t, `{"v":"0.12345679"}`, string(a))
}

func TestCanonicalBytes_TimestampsNormalizeToUTC(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	tokyo := time.Date(2026, 8, 24, 9, 0, 0, 0, loc)
	utc := tokyo.UTC()

	a, err := CanonicalBytes(map[string]any{"ts": tokyo})
	require.NoError(t, err)
	b, err := CanonicalBytes(map[string]any{"ts": utc})
	require.NoError(t, err)

	assert.Equal(t, a, b, "equal instants must encode identically regardless of zone")
	assert.Contains(t, string(a), "2026-08-24T00:00:00Z")
}

func TestCanonicalBytes_NestedStructures(t *testing.T) {
	v := map[string]any{
		"outer": map[string]any{
			"b": []any{1.0, 2.0},
			"a": "text",
		},
	}
	b, err := CanonicalBytes(v)
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":"text","b":["1.00000000","2.00000000"]}}`, string(b))
}

func TestCanonicalBytes_ListOrderPreserved(t *testing.T) {
	a, err := CanonicalBytes([]any{"x", "y"})
	require.NoError(t, err)
	b, err := CanonicalBytes([]any{"y", "x"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "lists are ordered, reordering must change the encoding")
}

func TestHashValue_Deterministic(t *testing.T) {
	v := map[string]any{"score": 72.5, "bias": "positive", "ts": time.Now().UTC()}

	first, err := HashValue(v)
	require.NoError(t, err)
	require.Len(t, first, 64)

	for i := 0; i < 20; i++ {
		again, err := HashValue(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestHashValue_SensitiveToValueChanges(t *testing.T) {
	a, err := HashValue(map[string]any{"score": 72.5})
	require.NoError(t, err)
	b, err := HashValue(map[string]any{"score": 72.50000001})
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "a change at the 8th decimal is significant")
}
