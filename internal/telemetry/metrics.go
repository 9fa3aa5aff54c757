package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry holds all Prometheus metrics for the pipeline
type MetricsRegistry struct {
	// Tick lifecycle metrics
	TicksTotal   *prometheus.CounterVec
	TicksSkipped prometheus.Counter
	TickDuration *prometheus.HistogramVec

	// Upstream source metrics
	SourceRequests *prometheus.CounterVec
	SourceLatency  *prometheus.HistogramVec
	SourceHealth   *prometheus.GaugeVec

	// Gate outcome metrics
	ContextStates *prometheus.CounterVec

	// Whale detection metrics
	WhaleTxDetected *prometheus.CounterVec
}

// NewMetricsRegistry creates a registry with all pipeline metrics
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainpulse_ticks_total",
				Help: "Total scheduler ticks by asset, timeframe, and result",
			},
			[]string{"asset", "timeframe", "result"},
		),

		TicksSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainpulse_ticks_skipped_total",
				Help: "Ticks skipped because the previous tick was still running",
			},
		),

		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainpulse_tick_duration_seconds",
				Help:    "End-to-end tick duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
			},
			[]string{"asset", "timeframe"},
		),

		SourceRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainpulse_source_requests_total",
				Help: "Upstream requests by source, method, and result",
			},
			[]string{"source", "method", "result"},
		),

		SourceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainpulse_source_latency_seconds",
				Help:    "Upstream request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source", "method"},
		),

		SourceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainpulse_source_health",
				Help: "Source health state (1 healthy, 0.5 degraded, 0 down)",
			},
			[]string{"source"},
		),

		ContextStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainpulse_context_states_total",
				Help: "Emitted contexts by asset, timeframe, and state",
			},
			[]string{"asset", "timeframe", "state"},
		),

		WhaleTxDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainpulse_whale_txs_total",
				Help: "Whale transactions detected by tier and flow type",
			},
			[]string{"tier", "flow_type"},
		),
	}
	return registry
}

// Register adds all metrics to a Prometheus registry.
func (m *MetricsRegistry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.TicksTotal,
		m.TicksSkipped,
		m.TickDuration,
		m.SourceRequests,
		m.SourceLatency,
		m.SourceHealth,
		m.ContextStates,
		m.WhaleTxDetected,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveSource is the provider observer hook: it feeds the request
// counter and latency histogram from every upstream call.
func (m *MetricsRegistry) ObserveSource(source, method string, ok bool, rt time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.SourceRequests.WithLabelValues(source, method, result).Inc()
	m.SourceLatency.WithLabelValues(source, method).Observe(rt.Seconds())
}

// SetSourceHealth maps a health status string onto the gauge.
func (m *MetricsRegistry) SetSourceHealth(source, status string) {
	v := 0.0
	switch status {
	case "HEALTHY":
		v = 1.0
	case "DEGRADED":
		v = 0.5
	}
	m.SourceHealth.WithLabelValues(source).Set(v)
}
