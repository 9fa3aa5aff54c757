package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

// State is the scheduler's public status, surfaced on /health.
type State struct {
	Running        bool      `json:"running"`
	TickInProgress bool      `json:"tick_in_progress"`
	LastRun        time.Time `json:"last_run"`
	NextRun        time.Time `json:"next_run"`
	LastDurationMS int64     `json:"last_duration_ms"`
	LastError      string    `json:"last_error,omitempty"`
	TicksCompleted int64     `json:"ticks_completed"`
	TicksSkipped   int64     `json:"ticks_skipped"`
}

// Scheduler drives the pipeline on a fixed interval. Ticks never overlap:
// if a tick round is still running when the next interval fires, the new
// round is skipped and counted, not queued.
type Scheduler struct {
	cfg      config.SchedulerConfig
	pipeline *Pipeline
	metrics  *telemetry.MetricsRegistry

	busy atomic.Bool

	mu    sync.Mutex
	state State

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a scheduler over the tick pipeline.
func New(cfg config.SchedulerConfig, pipeline *Pipeline, metrics *telemetry.MetricsRegistry) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		pipeline: pipeline,
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until Stop is called or the context is canceled. The first
// round fires immediately so a fresh deployment serves data without
// waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	s.mu.Lock()
	s.state.Running = true
	s.mu.Unlock()

	log.Info().
		Dur("interval", s.cfg.Interval).
		Int("assets", len(s.cfg.Assets)).
		Int("timeframes", len(s.cfg.Timeframes)).
		Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			s.finish("context canceled")
			return
		case <-s.stop:
			s.finish("stop requested")
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// Stop requests shutdown. The in-flight round, if any, runs to
// completion; Stop returns once the loop has exited.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Snapshot returns the current scheduler state.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.TickInProgress = s.busy.Load()
	return st
}

// dispatch starts one tick round unless the previous round still holds
// the busy flag, in which case the round is skipped.
func (s *Scheduler) dispatch(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.state.TicksSkipped++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.TicksSkipped.Inc()
		}
		log.Warn().Msg("tick skipped, previous round still running")
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.state.LastRun = now
	s.state.NextRun = now.Add(s.cfg.Interval)
	s.mu.Unlock()

	go func() {
		defer s.busy.Store(false)
		s.runRound(ctx)
	}()
}

// runRound executes every (asset, timeframe) pair through a bounded
// worker pool. The round is capped at the scheduler interval so a wedged
// upstream cannot stall the loop forever.
func (s *Scheduler) runRound(ctx context.Context) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	type job struct {
		asset domain.Asset
		tf    domain.Timeframe
	}
	jobs := make(chan job)

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var errMu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := s.runTick(ctx, j.asset, j.tf); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
				}
			}
		}()
	}

	for _, asset := range s.cfg.Assets {
		for _, tf := range s.cfg.Timeframes {
			jobs <- job{asset: asset, tf: tf}
		}
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	s.mu.Lock()
	s.state.TicksCompleted++
	s.state.LastDurationMS = elapsed.Milliseconds()
	s.state.LastError = ""
	if firstErr != nil {
		s.state.LastError = firstErr.Error()
	}
	s.mu.Unlock()
}

func (s *Scheduler) runTick(ctx context.Context, asset domain.Asset, tf domain.Timeframe) error {
	start := time.Now()
	_, err := s.pipeline.RunOnce(ctx, asset, tf)
	elapsed := time.Since(start)

	result := "success"
	if err != nil {
		result = "failure"
		log.Error().Err(err).
			Str("asset", string(asset)).
			Str("timeframe", string(tf)).
			Msg("tick failed")
	}
	if s.metrics != nil {
		s.metrics.TicksTotal.WithLabelValues(string(asset), string(tf), result).Inc()
		s.metrics.TickDuration.WithLabelValues(string(asset), string(tf)).Observe(elapsed.Seconds())
	}
	return err
}

func (s *Scheduler) finish(reason string) {
	// The in-flight round keeps the busy flag until its last write lands.
	for s.busy.Load() {
		time.Sleep(50 * time.Millisecond)
	}
	s.mu.Lock()
	s.state.Running = false
	s.mu.Unlock()
	log.Info().Str("reason", reason).Msg("scheduler stopped")
}
