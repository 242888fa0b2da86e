package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"gatewatch/internal/gate"
)

// Computer produces one gate snapshot per call.
type Computer interface {
	Compute(ctx context.Context) gate.Snapshot
}

type Metrics interface {
	ObserveCompute(source string, d time.Duration)
}

// Handler serves gate snapshots over HTTP. Every request triggers a fresh
// computation bounded by deadline.
type Handler struct {
	engine   Computer
	deadline time.Duration
	metrics  Metrics
}

func NewHandler(engine Computer, deadline time.Duration, metrics Metrics) *Handler {
	return &Handler{engine: engine, deadline: deadline, metrics: metrics}
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// GatesResponse is the body of GET /api/gates.
type GatesResponse struct {
	Segment     string                `json:"segment"`
	GeneratedAt time.Time             `json:"generated_at"`
	Gates       map[string]gate.State `json:"gates"`
}

// GateResponse is the body of GET /api/gates/{gate}.
type GateResponse struct {
	Segment     string     `json:"segment"`
	GeneratedAt time.Time  `json:"generated_at"`
	Gate        string     `json:"gate"`
	State       gate.State `json:"state"`
}

// UpcomingResponse is the body of GET /api/upcoming.
type UpcomingResponse struct {
	Segment     string          `json:"segment"`
	GeneratedAt time.Time       `json:"generated_at"`
	Trains      []gate.Upcoming `json:"trains"`
	Count       int             `json:"count"`
}

func (h *Handler) compute(r *http.Request) gate.Snapshot {
	ctx := r.Context()
	if h.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.deadline)
		defer cancel()
	}
	start := time.Now()
	snap := h.engine.Compute(ctx)
	if h.metrics != nil {
		h.metrics.ObserveCompute("api", time.Since(start))
	}
	return snap
}

// GetStatus handles GET /api/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.compute(r))
}

// GetGates handles GET /api/gates
func (h *Handler) GetGates(w http.ResponseWriter, r *http.Request) {
	snap := h.compute(r)
	writeJSON(w, http.StatusOK, GatesResponse{
		Segment:     snap.Segment,
		GeneratedAt: snap.GeneratedAt,
		Gates:       snap.Gates,
	})
}

// GetGate handles GET /api/gates/{gate}
func (h *Handler) GetGate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gate")
	snap := h.compute(r)
	st, ok := snap.Gates[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   "Gate not found",
			Details: map[string]any{"gate": name},
		})
		return
	}
	writeJSON(w, http.StatusOK, GateResponse{
		Segment:     snap.Segment,
		GeneratedAt: snap.GeneratedAt,
		Gate:        name,
		State:       st,
	})
}

// GetUpcoming handles GET /api/upcoming
func (h *Handler) GetUpcoming(w http.ResponseWriter, r *http.Request) {
	snap := h.compute(r)
	writeJSON(w, http.StatusOK, UpcomingResponse{
		Segment:     snap.Segment,
		GeneratedAt: snap.GeneratedAt,
		Trains:      snap.Upcoming,
		Count:       len(snap.Upcoming),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}
