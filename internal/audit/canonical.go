package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Canonicalization rules, applied before any hashing:
//   - map keys sort lexicographically
//   - floats round to 8 decimals and render as fixed-point strings
//   - timestamps render as RFC 3339 UTC strings
//   - lists keep their order
// Two values that differ only in key order or in float noise below the
// 8th decimal therefore hash identically.

// CanonicalBytes encodes a value as canonical JSON with no insignificant
// whitespace.
func CanonicalBytes(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := encodeCanonical(&sb, norm); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// HashValue returns the SHA-256 hex digest of the canonical encoding.
func HashValue(v any) (string, error) {
	b, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// normalize reduces any value to maps, slices, strings, and bools via a
// JSON round-trip, then rewrites floats and timestamps into their stable
// string forms.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return rewrite(generic), nil
}

func rewrite(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = rewrite(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = rewrite(val)
		}
		return out
	case float64:
		return formatFloat(t)
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC().Format(time.RFC3339)
		}
		return t
	default:
		return v
	}
}

// formatFloat rounds to 8 decimals and renders fixed-point, so hash
// equality holds across machines regardless of float formatting.
func formatFloat(f float64) string {
	rounded := math.Round(f*1e8) / 1e8
	return fmt.Sprintf("%.8f", rounded)
}

func encodeCanonical(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := encodeCanonical(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case []any:
		sb.WriteByte('[')
		for i, val := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encodeCanonical(sb, val); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(b)
		return nil
	}
}
