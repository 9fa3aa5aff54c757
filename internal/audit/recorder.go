package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainpulse/chainpulse/internal/domain"
)

// Recorder hashes a tick's inputs, configuration, and output into an
// audit record. The calculation hash covers only fields stored alongside
// it, so verification never needs state beyond the record itself. The
// record is built here and persisted with the rest of the tick, so a
// failed tick leaves no audit trail behind.
type Recorder struct {
	configHash string
}

// NewRecorder computes the config hash once. Only the parameters that
// change computed outputs belong in cfg: hashing connection strings or
// serving knobs would move every calculation hash on redeploys with
// identical pipeline semantics.
func NewRecorder(cfg any) (*Recorder, error) {
	configHash, err := HashValue(cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: hash config: %w", err)
	}
	return &Recorder{configHash: configHash}, nil
}

// ConfigHash returns the hash of the frozen configuration.
func (r *Recorder) ConfigHash() string { return r.configHash }

// Build assembles the audit record for one emitted context. Replaying
// the same tick yields the same calculation hash.
func (r *Recorder) Build(snap *domain.MetricsSnapshot, out *domain.Context) (*domain.AuditRecord, error) {
	inputHash, err := HashValue(snap)
	if err != nil {
		return nil, fmt.Errorf("audit: hash input: %w", err)
	}
	// Stored as plain JSON so Replay can decode it; hashing canonicalizes
	// on the fly, so hash equality survives the round-trip regardless.
	outputBytes, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("audit: encode output: %w", err)
	}

	calcHash, err := calculationHash(out.Asset, out.Timeframe, out.Timestamp, inputHash, r.configHash, outputBytes)
	if err != nil {
		return nil, err
	}

	return &domain.AuditRecord{
		CalculationHash: calcHash,
		Asset:           out.Asset,
		Timeframe:       out.Timeframe,
		Timestamp:       out.Timestamp.UTC(),
		InputDataHash:   inputHash,
		ConfigHash:      r.configHash,
		OutputSnapshot:  outputBytes,
	}, nil
}

// calculationHash binds the identity, the input and config hashes, and
// the canonical output into one digest.
func calculationHash(asset domain.Asset, tf domain.Timeframe, ts time.Time, inputHash, configHash string, outputJSON []byte) (string, error) {
	var output any
	if err := json.Unmarshal(outputJSON, &output); err != nil {
		return "", fmt.Errorf("audit: decode output snapshot: %w", err)
	}
	return HashValue(map[string]any{
		"asset":       asset,
		"timeframe":   tf,
		"timestamp":   ts.UTC().Format(time.RFC3339),
		"input_hash":  inputHash,
		"config_hash": configHash,
		"output":      output,
	})
}

// Verify recomputes the calculation hash from the stored record alone and
// reports whether it matches. A mismatch means the record was altered
// after it was written.
func Verify(rec *domain.AuditRecord) (bool, error) {
	calc, err := calculationHash(rec.Asset, rec.Timeframe, rec.Timestamp, rec.InputDataHash, rec.ConfigHash, rec.OutputSnapshot)
	if err != nil {
		return false, err
	}
	return calc == rec.CalculationHash, nil
}

// Replay decodes the stored output snapshot back into a context. The
// snapshot is stored verbatim, so consumers see exactly what was emitted
// at decision time regardless of later config changes.
func Replay(rec *domain.AuditRecord) (*domain.Context, error) {
	var out domain.Context
	if err := json.Unmarshal(rec.OutputSnapshot, &out); err != nil {
		return nil, fmt.Errorf("audit: replay: %w", err)
	}
	return &out, nil
}
