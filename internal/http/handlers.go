// Package httpapi exposes the engine's local health endpoint: last
// ingested timestamp, ingest lag, vehicles tracked, and anomalies emitted
// since start. Adapted from a readiness/metrics handler set, trimmed to
// the one status surface this engine needs.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"anomaly-engine/internal/logging"
)

// HealthStatus is the structured record returned by the health endpoint.
type HealthStatus struct {
	LastIngestedAt     time.Time `json:"last_ingested_at"`
	IngestLagSeconds   float64   `json:"ingest_lag_seconds"`
	VehiclesTracked    int       `json:"vehicles_tracked"`
	AnomaliesEmitted   int64     `json:"anomalies_emitted"`
	DecodeErrors       int64     `json:"decode_errors"`
	DedupDrops         int64     `json:"dedup_drops"`
	RuleNumericalEdges int64     `json:"rule_numerical_edges"`
}

// HealthProvider exposes the liveness counters the supervisor accumulates.
type HealthProvider interface {
	Health() HealthStatus
}

// HealthProviderFunc adapts a function into a HealthProvider.
type HealthProviderFunc func() HealthStatus

// Health implements HealthProvider.
func (f HealthProviderFunc) Health() HealthStatus { return f() }

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Health     HealthProvider
	TimeSource func() time.Time
}

// HandlerSet bundles the engine's operational HTTP handlers.
type HandlerSet struct {
	logger *logging.Logger
	health HealthProvider
	now    func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{logger: logger, health: opts.Health, now: now}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.HealthHandler())
}

// HealthHandler reports the supervisor's liveness counters.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{LastIngestedAt: h.now().UTC()}
		if h.health != nil {
			status = h.health.Health()
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
