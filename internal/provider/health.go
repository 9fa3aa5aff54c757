package provider

import (
	"sync"
	"time"
)

// Status is the coarse health classification of one source adapter.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusDown     Status = "DOWN"
	StatusUnknown  Status = "UNKNOWN"
)

const (
	degradedAfter = 2
	downAfter     = 5
	emaDecay      = 0.9
)

// SourceHealth is the per-adapter rolling health record. It is process
// local and lost on restart.
type SourceHealth struct {
	Status              Status    `json:"status"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	EMAResponseMS       float64   `json:"ema_response_ms"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
}

// HealthTracker maintains SourceHealth for one adapter. Safe for
// concurrent use by the multi-source provider.
type HealthTracker struct {
	mu       sync.Mutex
	health   SourceHealth
	cooldown time.Duration
	now      func() time.Time
}

// NewHealthTracker creates a tracker with the DOWN cooldown window.
func NewHealthTracker(cooldown time.Duration) *HealthTracker {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &HealthTracker{
		health:   SourceHealth{Status: StatusUnknown},
		cooldown: cooldown,
		now:      time.Now,
	}
}

// RecordSuccess resets the failure streak, folds the response time into
// the EMA, and marks the source HEALTHY.
func (t *HealthTracker) RecordSuccess(rtMS float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health.TotalRequests++
	t.health.ConsecutiveFailures = 0
	t.health.LastSuccess = t.now()
	t.health.Status = StatusHealthy
	if t.health.EMAResponseMS == 0 {
		t.health.EMAResponseMS = rtMS
	} else {
		t.health.EMAResponseMS = emaDecay*t.health.EMAResponseMS + (1-emaDecay)*rtMS
	}
}

// RecordFailure increments the counters and downgrades status: DEGRADED
// at two consecutive failures, DOWN at five.
func (t *HealthTracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health.TotalRequests++
	t.health.TotalFailures++
	t.health.ConsecutiveFailures++
	t.health.LastFailure = t.now()

	switch {
	case t.health.ConsecutiveFailures >= downAfter:
		t.health.Status = StatusDown
	case t.health.ConsecutiveFailures >= degradedAfter:
		t.health.Status = StatusDegraded
	}
}

// IsAvailable reports whether the source may be consulted. A DOWN source
// stays off-rotation until its cooldown since the last failure elapses.
func (t *HealthTracker) IsAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.health.Status != StatusDown {
		return true
	}
	return t.now().Sub(t.health.LastFailure) >= t.cooldown
}

// Snapshot returns a copy of the current health record.
func (t *HealthTracker) Snapshot() SourceHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}
