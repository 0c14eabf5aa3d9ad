// Package api provides the HTTP API handlers and routing for the cloudproc
// service.
package api

import (
	"cloudproc/internal/apperrors"
	"cloudproc/internal/health"
	"cloudproc/internal/job"
	"cloudproc/internal/observability"
	"cloudproc/internal/tracker"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// maxRequestBodySize limits request bodies. Map jobs carry their iterdata
// inline, so this is larger than a plain control API would need.
const maxRequestBodySize = 8 << 20 // 8 MB

// Handler contains HTTP handlers for the jobs and runtimes API
type Handler struct {
	svc     *job.Service
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		health:  healthChecker,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// GetJob handles GET /v1/jobs/{executorId}/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	executorID, jobID, ok := h.jobRef(w, r)
	if !ok {
		return
	}

	status, err := h.svc.Get(r.Context(), executorID, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// DeleteJob handles DELETE /v1/jobs/{executorId}/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	executorID, jobID, ok := h.jobRef(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), executorID, jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetCall handles GET /v1/jobs/{executorId}/{jobId}/calls/{callId}
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callRef(w, r)
	if !ok {
		return
	}

	call, err := h.svc.GetCall(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, call)
}

// GetCallOutput handles GET /v1/jobs/{executorId}/{jobId}/calls/{callId}/output.
// The body is the call's JSON result as stored.
func (h *Handler) GetCallOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := h.callRef(w, r)
	if !ok {
		return
	}

	out, err := h.svc.Output(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		slog.Error("Failed to write output", "error", err)
	}
}

// ListRuntimes handles GET /v1/runtimes?name=
func (h *Handler) ListRuntimes(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.ListRuntimes(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CreateRuntime handles POST /v1/runtimes
func (h *Handler) CreateRuntime(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req job.RuntimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.CreateRuntime(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// DeleteRuntime handles DELETE /v1/runtimes/{name}?memoryMb=
func (h *Handler) DeleteRuntime(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "Runtime name is required")
		return
	}

	var memory int
	if v := r.URL.Query().Get("memoryMb"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m <= 0 {
			h.writeError(w, http.StatusBadRequest, "memoryMb must be a positive integer")
			return
		}
		memory = m
	}

	if err := h.svc.DeleteRuntime(r.Context(), name, memory); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the object store or the compute backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobRef(w http.ResponseWriter, r *http.Request) (executorID, jobID string, ok bool) {
	executorID, jobID = r.PathValue("executorId"), r.PathValue("jobId")
	if executorID == "" || jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Executor ID and job ID are required")
		return "", "", false
	}
	return executorID, jobID, true
}

func (h *Handler) callRef(w http.ResponseWriter, r *http.Request) (tracker.CallID, bool) {
	executorID, jobID, ok := h.jobRef(w, r)
	if !ok {
		return tracker.CallID{}, false
	}
	callID := r.PathValue("callId")
	if callID == "" {
		h.writeError(w, http.StatusBadRequest, "Call ID is required")
		return tracker.CallID{}, false
	}
	return tracker.CallID{ExecutorID: executorID, JobID: jobID, CallID: callID}, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeErrorBody(w, status, message)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
