// Package api provides the HTTP handlers and routing for the worker sidecar.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"sidecar/internal/apperrors"
	"sidecar/internal/health"
	"sidecar/internal/job"
)

// maxRequestBodySize limits request bodies to 32MB: workflows are small, but
// inline input assets arrive base64-encoded in the same payload.
const maxRequestBodySize = 32 << 20

// Handler contains HTTP handlers for the worker API.
type Handler struct {
	runner *job.Runner
	health *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(runner *job.Runner, healthChecker *health.Checker) *Handler {
	return &Handler{
		runner: runner,
		health: healthChecker,
	}
}

// Run handles POST /run. The response acknowledges admission only; the
// outcome arrives at the request's callback URL.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.runner.Start(&req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// Health handles GET /health - process liveness plus the upstream engine
// readiness flag.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Health(r.Context()))
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps runner errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
