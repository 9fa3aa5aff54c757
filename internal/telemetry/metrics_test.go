package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSourceHealth_GaugeValues(t *testing.T) {
	m := NewMetricsRegistry()

	m.SetSourceHealth("mempool_space", "HEALTHY")
	m.SetSourceHealth("blockchain_info", "DEGRADED")
	m.SetSourceHealth("blockcypher", "DOWN")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceHealth.WithLabelValues("mempool_space")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.SourceHealth.WithLabelValues("blockchain_info")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SourceHealth.WithLabelValues("blockcypher")))
}

func TestSetSourceHealth_UnknownMapsToZero(t *testing.T) {
	m := NewMetricsRegistry()
	m.SetSourceHealth("mempool_space", "UNKNOWN")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SourceHealth.WithLabelValues("mempool_space")))
}

func TestObserveSource_CountsResults(t *testing.T) {
	m := NewMetricsRegistry()

	m.ObserveSource("mempool_space", "block_height", true, 120*time.Millisecond)
	m.ObserveSource("mempool_space", "block_height", true, 80*time.Millisecond)
	m.ObserveSource("mempool_space", "block_height", false, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SourceRequests.WithLabelValues("mempool_space", "block_height", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRequests.WithLabelValues("mempool_space", "block_height", "failure")))
}

func TestRegister_AllCollectors(t *testing.T) {
	m := NewMetricsRegistry()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	// Registering twice must surface the duplicate instead of panicking.
	assert.Error(t, m.Register(reg))
}
