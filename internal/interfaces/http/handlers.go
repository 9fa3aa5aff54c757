package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/gates"
	"github.com/chainpulse/chainpulse/internal/persistence"
	"github.com/chainpulse/chainpulse/internal/provider"
	"github.com/chainpulse/chainpulse/internal/query"
	"github.com/chainpulse/chainpulse/internal/scheduler"
)

// defaultHistoryHours bounds trailing-window queries when the client
// omits the hours parameter.
const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 30
)

// Handlers serves the read-only API over the query service.
type Handlers struct {
	svc            *query.Service
	sourceHealth   func() map[string]provider.SourceHealth
	schedulerState func() scheduler.State
}

// NewHandlers wires the API handlers. The health callbacks may be nil
// when the process runs without a scheduler (one-shot mode).
func NewHandlers(svc *query.Service, sourceHealth func() map[string]provider.SourceHealth, schedulerState func() scheduler.State) *Handlers {
	return &Handlers{svc: svc, sourceHealth: sourceHealth, schedulerState: schedulerState}
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	requestID, _ := r.Context().Value(requestIDKey).(string)
	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestID})
}

// writeServiceError maps the read path's error taxonomy onto status
// codes: missing rows are 404, store outages 503, the rest 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *persistence.PersistenceError
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "no data for the requested identity")
	case errors.As(err, &perr):
		log.Error().Err(err).Msg("store unavailable")
		writeError(w, r, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parseIdentity(r *http.Request) (domain.Asset, domain.Timeframe, string) {
	asset := domain.AssetBTC
	if raw := r.URL.Query().Get("asset"); raw != "" {
		parsed, err := domain.ParseAsset(raw)
		if err != nil {
			return "", "", "unknown asset"
		}
		asset = parsed
	}
	tf := domain.Timeframe1h
	if raw := r.URL.Query().Get("timeframe"); raw != "" {
		parsed, err := domain.ParseTimeframe(raw)
		if err != nil {
			return "", "", "unknown timeframe, expected one of 1h, 4h, 1d"
		}
		tf = parsed
	}
	return asset, tf, ""
}

func parseHours(r *http.Request) (int, string) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return defaultHistoryHours, ""
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 1 || hours > maxHistoryHours {
		return 0, "hours must be an integer between 1 and 720"
	}
	return hours, ""
}

// Context serves GET /api/v1/onchain/context. Without a timestamp it
// returns the latest context; with one, the context for that bucket.
func (h *Handlers) Context(w http.ResponseWriter, r *http.Request) {
	asset, tf, msg := parseIdentity(r)
	if msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	var result *query.ContextResult
	var err error
	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		ts, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, "timestamp must be RFC 3339")
			return
		}
		result, err = h.svc.At(r.Context(), asset, tf, ts.UTC())
	} else {
		result, err = h.svc.Latest(r.Context(), asset, tf)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ContextHistory serves GET /api/v1/onchain/context/history.
func (h *Handlers) ContextHistory(w http.ResponseWriter, r *http.Request) {
	asset, tf, msg := parseIdentity(r)
	if msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	hours, msg := parseHours(r)
	if msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	rows, err := h.svc.History(r.Context(), asset, tf, hours)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     asset,
		"timeframe": tf,
		"hours":     hours,
		"signals":   rows,
	})
}

// MetricsHistory serves GET /api/v1/onchain/metrics/history.
func (h *Handlers) MetricsHistory(w http.ResponseWriter, r *http.Request) {
	asset, tf, msg := parseIdentity(r)
	if msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	hours, msg := parseHours(r)
	if msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	snaps, err := h.svc.Metrics(r.Context(), asset, tf, hours)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     asset,
		"timeframe": tf,
		"hours":     hours,
		"metrics":   snaps,
	})
}

// WhaleActivity serves GET /api/v1/onchain/whales.
func (h *Handlers) WhaleActivity(w http.ResponseWriter, r *http.Request) {
	hours, msg := parseHours(r)
	if msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	summary, err := h.svc.WhaleActivity(r.Context(), hours)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AuditByTimestamp serves GET /api/v1/onchain/audit/{timestamp}.
func (h *Handlers) AuditByTimestamp(w http.ResponseWriter, r *http.Request) {
	asset, tf, msg := parseIdentity(r)
	if msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	ts, err := time.Parse(time.RFC3339, mux.Vars(r)["timestamp"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "timestamp must be RFC 3339")
		return
	}

	result, err := h.svc.AuditByTimestamp(r.Context(), asset, tf, ts.UTC())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AuditByHash serves GET /api/v1/onchain/audit/hash/{hash}.
func (h *Handlers) AuditByHash(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.AuditByHash(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health serves GET /health with scheduler and source status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"version":   gates.ProductVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.schedulerState != nil {
		resp["scheduler"] = h.schedulerState()
	}
	if h.sourceHealth != nil {
		resp["sources"] = h.sourceHealth()
	}
	writeJSON(w, http.StatusOK, resp)
}

// NotFound is the JSON 404 fallback.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "unknown route")
}
