// Package api serves the runs HTTP API and the GitHub webhook.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"pipelines/internal/apperrors"
	"pipelines/internal/health"
	"pipelines/internal/run"
	"pipelines/internal/trigger"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize bounds request and webhook bodies.
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the runs API.
type Handler struct {
	runs          *run.Service
	health        *health.Checker
	webhookSecret string
}

// NewHandler creates an API handler.
func NewHandler(runs *run.Service, healthChecker *health.Checker, webhookSecret string) *Handler {
	return &Handler{
		runs:          runs,
		health:        healthChecker,
		webhookSecret: webhookSecret,
	}
}

// CreateRun handles POST /v1/runs. Accepted runs return 202; events the
// workflow does not track return 200 with an ignored run.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	e, ok := h.decodeEvent(w, r)
	if !ok {
		return
	}

	created, err := h.runs.Trigger(r.Context(), e)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if created.State == run.StateIgnored {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/v1/runs/"+created.ID)
	writeJSON(w, status, created)
}

// PlanRun handles POST /v1/plan.
func (h *Handler) PlanRun(w http.ResponseWriter, r *http.Request) {
	e, ok := h.decodeEvent(w, r)
	if !ok {
		return
	}

	plan, err := h.runs.Plan(r.Context(), e)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ListRuns handles GET /v1/runs?state=&limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := run.ListFilter{State: run.State(r.URL.Query().Get("state"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.handleError(w, r, apperrors.Validation("limit", "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	resp, err := h.runs.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	got, err := h.runs.Get(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// CancelRun handles DELETE /v1/runs/{runId}. Cancellation is asynchronous.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.runs.Cancel(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cancelled)
}

// Livez handles GET /livez. It does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz: 503 when a required dependency is down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (h *Handler) decodeEvent(w http.ResponseWriter, r *http.Request) (trigger.Event, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req run.TriggerRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return trigger.Event{}, false
	}
	e, err := req.Event(trigger.SourceAPI)
	if err != nil {
		h.handleError(w, r, err)
		return trigger.Event{}, false
	}
	return e, true
}

// handleError maps service errors to HTTP statuses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		writeJSON(w, status, map[string]string{"error": err.Error(), "field": appErr.Field})
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
