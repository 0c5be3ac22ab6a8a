package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	offload "github.com/nathanaelhub/portfolio-optimization-dashboard-sub001"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/kernel"
)

// maxBodyBytes caps request bodies; covariance matrices for a few hundred
// assets fit comfortably.
const maxBodyBytes = 8 << 20

// Handler serves the /v1 routes.
type Handler struct {
	svc    Service
	logger core.Logger
}

// TaskResponse wraps a computation result with its dispatch details.
type TaskResponse struct {
	TaskID        core.TaskID   `json:"task_id"`
	Type          core.TaskType `json:"type"`
	Unit          int           `json:"unit"`
	FromCache     bool          `json:"from_cache"`
	TotalTimeMs   float64       `json:"total_time_ms"`
	ComputeTimeMs float64       `json:"compute_time_ms"`
	Result        any           `json:"result"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Units   int    `json:"units"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Pool  core.PoolStatus   `json:"pool"`
	Units []core.UnitStatus `json:"units"`
}

// Optimize handles POST /v1/optimize.
func (h *Handler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req kernel.OptimizeRequest
	h.submit(w, r, &req)
}

// MonteCarlo handles POST /v1/monte-carlo.
func (h *Handler) MonteCarlo(w http.ResponseWriter, r *http.Request) {
	var req kernel.MonteCarloRequest
	h.submit(w, r, &req)
}

// Metrics handles POST /v1/metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	var req kernel.MetricsRequest
	h.submit(w, r, &req)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, req core.Request) {
	if err := decodeBody(w, r, req); err != nil {
		writeProblem(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	var opts []offload.SubmitOption
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeProblem(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid timeout %q", v))
			return
		}
		opts = append(opts, offload.WithTimeout(d))
	}

	resp, err := h.svc.Submit(r.Context(), req, opts...)
	if err != nil {
		h.logger.Warn("submission failed",
			core.F(core.KeyTaskType, req.TaskType()),
			core.F(core.KeyError, err),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TaskResponse{
		TaskID:        resp.TaskID,
		Type:          resp.Type,
		Unit:          resp.Unit,
		FromCache:     resp.FromCache,
		TotalTimeMs:   millis(resp.TotalTime),
		ComputeTimeMs: millis(resp.ComputeTime),
		Result:        resp.Result,
	})
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetPerformanceStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ClearCache handles POST /v1/cache/clear.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearCache(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	units := h.svc.Units()
	if units == nil {
		units = []core.UnitStatus{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Pool: h.svc.Status(), Units: units})
}

// Health handles GET /healthz. The pool starts lazily, so a manager that has
// not run anything yet still reports ok.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Running: st.Running, Units: st.Total})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
