package query

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chainpulse/chainpulse/internal/audit"
	"github.com/chainpulse/chainpulse/internal/cache"
	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/gates"
	"github.com/chainpulse/chainpulse/internal/persistence"
	"github.com/chainpulse/chainpulse/internal/scheduler"
	"github.com/chainpulse/chainpulse/internal/signal"
)

// ContextResult is the context as it goes on the wire: the Context
// fields at the top level, plus the hash that lets a consumer fetch the
// audit record behind it.
type ContextResult struct {
	domain.Context
	CalculationHash string `json:"calculation_hash"`
}

// AuditResult is the stored audit record on the wire, flattened, plus
// its integrity verdict.
type AuditResult struct {
	*domain.AuditRecord
	Verified bool `json:"verified"`
}

// Service is the read path. Contexts are not stored: the service rebuilds
// them from persisted metrics and signals and re-applies the gates with
// the live configuration, so a context that was ACTIVE an hour ago can
// come back BLOCKED today purely because the data aged out.
type Service struct {
	store      persistence.Store
	cache      cache.Cache
	killSwitch *gates.KillSwitch
	now        func() time.Time
}

// NewService wires the read path.
func NewService(store persistence.Store, c cache.Cache, ks *gates.KillSwitch) *Service {
	return &Service{store: store, cache: c, killSwitch: ks, now: time.Now}
}

// Latest returns the freshest context for the pair. The cache serves
// entries younger than its TTL; within that horizon re-applying the gates
// cannot change the verdict, because data age moves by minutes against
// thresholds measured in hours and config is fixed per process.
func (s *Service) Latest(ctx context.Context, asset domain.Asset, tf domain.Timeframe) (*ContextResult, error) {
	if payload, ok := s.cache.Get(cache.ContextKey(string(asset), string(tf))); ok {
		var cached scheduler.CachedContext
		if err := json.Unmarshal(payload, &cached); err == nil {
			return &ContextResult{Context: cached.Context, CalculationHash: cached.CalculationHash}, nil
		}
		log.Warn().Str("asset", string(asset)).Str("timeframe", string(tf)).Msg("cache payload unreadable, falling back to store")
	}

	row, err := s.store.Signals().Latest(ctx, asset, tf)
	if err != nil {
		return nil, err
	}
	return s.rebuild(ctx, row)
}

// At returns the context for an exact bucket timestamp.
func (s *Service) At(ctx context.Context, asset domain.Asset, tf domain.Timeframe, ts time.Time) (*ContextResult, error) {
	row, err := s.store.Signals().At(ctx, asset, tf, ts)
	if err != nil {
		return nil, err
	}
	return s.rebuild(ctx, row)
}

// History returns stored signal rows over the trailing window, newest
// first. Rows are served as persisted; consumers needing the gated view
// of a specific bucket use At.
func (s *Service) History(ctx context.Context, asset domain.Asset, tf domain.Timeframe, hours int) ([]persistence.SignalRow, error) {
	return s.store.Signals().History(ctx, asset, tf, hours)
}

// Metrics returns stored snapshots over the trailing window.
func (s *Service) Metrics(ctx context.Context, asset domain.Asset, tf domain.Timeframe, hours int) ([]domain.MetricsSnapshot, error) {
	return s.store.Metrics().History(ctx, asset, tf, hours)
}

// WhaleActivity aggregates stored whale transactions over the window.
func (s *Service) WhaleActivity(ctx context.Context, hours int) (*persistence.WhaleActivitySummary, error) {
	return s.store.Whale().ActivitySummary(ctx, hours)
}

// AuditByTimestamp fetches the audit record for a bucket and verifies its
// integrity. The stored output snapshot is returned verbatim: it shows
// what was emitted at decision time, not what the gates would say now.
func (s *Service) AuditByTimestamp(ctx context.Context, asset domain.Asset, tf domain.Timeframe, ts time.Time) (*AuditResult, error) {
	rec, err := s.store.Audit().ByTimestamp(ctx, asset, tf, ts)
	if err != nil {
		return nil, err
	}
	return verifyRecord(rec)
}

// AuditByHash fetches and verifies an audit record by calculation hash.
func (s *Service) AuditByHash(ctx context.Context, hash string) (*AuditResult, error) {
	rec, err := s.store.Audit().ByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return verifyRecord(rec)
}

func verifyRecord(rec *domain.AuditRecord) (*AuditResult, error) {
	ok, err := audit.Verify(rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Error().Str("calculation_hash", rec.CalculationHash).Msg("audit record failed integrity verification")
	}
	return &AuditResult{AuditRecord: rec, Verified: ok}, nil
}

// rebuild reconstructs the context for a stored row: recompute the
// quality facts from the persisted snapshot, then run the kill-switch
// with the current configuration and the current clock.
func (s *Service) rebuild(ctx context.Context, row *persistence.SignalRow) (*ContextResult, error) {
	snap, err := s.store.Metrics().At(ctx, row.Asset, row.Timeframe, row.Timestamp)
	if err != nil {
		return nil, err
	}

	derived := row.Derived()
	facts := domain.DefaultQualityFacts()
	facts.DataCompleteness = snap.DataCompleteness
	facts.ConflictingSignalCount = signal.ConflictCount(derived.Signals)
	facts.DataAgeSeconds = s.now().UTC().Sub(row.Timestamp).Seconds()
	if verr := signal.Validate(snap, derived); verr != nil {
		facts.InvariantsPassed = false
		facts.AnomalyCount++
	}

	out := s.killSwitch.BuildContext(row.Asset, row.Timeframe, row.Timestamp, derived, facts)
	return &ContextResult{Context: out, CalculationHash: row.DataHash}, nil
}
