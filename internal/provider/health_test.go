package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func trackerAt(t *testing.T, start time.Time) (*HealthTracker, *time.Time) {
	t.Helper()
	now := start
	tracker := NewHealthTracker(5 * time.Minute)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestHealthTracker_StartsUnknown(t *testing.T) {
	tracker := NewHealthTracker(5 * time.Minute)
	assert.Equal(t, StatusUnknown, tracker.Snapshot().Status)
	assert.True(t, tracker.IsAvailable())
}

func TestHealthTracker_DegradedAtTwoConsecutiveFailures(t *testing.T) {
	tracker, _ := trackerAt(t, time.Now())

	tracker.RecordFailure()
	assert.Equal(t, StatusUnknown, tracker.Snapshot().Status, "one failure is not yet degraded")
	tracker.RecordFailure()
	assert.Equal(t, StatusDegraded, tracker.Snapshot().Status)
	assert.True(t, tracker.IsAvailable(), "degraded sources stay on rotation")
}

func TestHealthTracker_DownAtFiveConsecutiveFailures(t *testing.T) {
	tracker, _ := trackerAt(t, time.Now())

	for i := 0; i < 5; i++ {
		tracker.RecordFailure()
	}
	assert.Equal(t, StatusDown, tracker.Snapshot().Status)
	assert.False(t, tracker.IsAvailable(), "a down source is off rotation during cooldown")
}

func TestHealthTracker_CooldownRestoresAvailability(t *testing.T) {
	start := time.Now()
	tracker, now := trackerAt(t, start)

	for i := 0; i < 5; i++ {
		tracker.RecordFailure()
	}
	*now = start.Add(4 * time.Minute)
	assert.False(t, tracker.IsAvailable(), "still inside the cooldown window")

	*now = start.Add(5 * time.Minute)
	assert.True(t, tracker.IsAvailable(), "cooldown elapsed, source gets a probe")
}

func TestHealthTracker_SuccessResetsStreak(t *testing.T) {
	tracker, _ := trackerAt(t, time.Now())

	for i := 0; i < 4; i++ {
		tracker.RecordFailure()
	}
	tracker.RecordSuccess(120)

	snap := tracker.Snapshot()
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, int64(5), snap.TotalRequests)
	assert.Equal(t, int64(4), snap.TotalFailures)

	// The streak starts over; one more failure is not degraded.
	tracker.RecordFailure()
	assert.Equal(t, StatusHealthy, tracker.Snapshot().Status)
}

func TestHealthTracker_EMASmoothsResponseTimes(t *testing.T) {
	tracker, _ := trackerAt(t, time.Now())

	tracker.RecordSuccess(100)
	assert.Equal(t, 100.0, tracker.Snapshot().EMAResponseMS, "first sample seeds the EMA")

	tracker.RecordSuccess(200)
	// 0.9*100 + 0.1*200 = 110.
	assert.InDelta(t, 110.0, tracker.Snapshot().EMAResponseMS, 1e-9)

	tracker.RecordSuccess(200)
	// 0.9*110 + 0.1*200 = 119.
	assert.InDelta(t, 119.0, tracker.Snapshot().EMAResponseMS, 1e-9)
}
