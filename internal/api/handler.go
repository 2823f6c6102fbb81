// Package api provides the HTTP API handlers and routing for the orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/health"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/monitor"
	"pgsorchestrator/internal/observability"
	"pgsorchestrator/internal/supervisor"
	"strings"
	"time"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// JobService is the job supervisor as seen by the API.
type JobService interface {
	Submit(ctx context.Context, raw []byte) (*job.Job, error)
	Get(ctx context.Context, jobID string) (*job.Job, error)
	List(ctx context.Context, f job.Filter) ([]*job.Job, error)
	Cancel(ctx context.Context, jobID string) (*job.Job, error)
	Signal(ctx context.Context, jobID string, ev job.Event) (*job.Job, error)
}

// RunNameResolver maps a workflow run name back to its job ID.
type RunNameResolver func(runName string) (jobID string, ok bool)

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc     JobService
	metrics *observability.Metrics
	health  *health.Checker
	runName RunNameResolver
}

// NewHandler creates a new API handler
func NewHandler(svc JobService, metrics *observability.Metrics, healthChecker *health.Checker, runName RunNameResolver) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		health:  healthChecker,
		runName: runName,
	}
}

// JobResponse is the API view of a job record.
type JobResponse struct {
	ID              string     `json:"jobId"`
	State           job.State  `json:"state"`
	Valid           bool       `json:"valid"`
	ValidStatus     string     `json:"validStatus,omitempty"`
	Staged          bool       `json:"staged"`
	Submitted       bool       `json:"submitted"`
	CleanupAttempts int        `json:"cleanupAttempts,omitempty"`
	ResultLocation  string     `json:"resultLocation,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	TraceName       string     `json:"traceName,omitempty"`
	TraceExit       *int       `json:"traceExit,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`

	Manifest json.RawMessage `json:"manifest,omitempty"`
}

// ListResponse is the response of GET /v1/jobs.
type ListResponse struct {
	Jobs  []*JobResponse `json:"jobs"`
	Count int            `json:"count"`
}

// ErrorResponse is the body of every error reply. Job is set when a request
// created a record but was rejected.
type ErrorResponse struct {
	Error string       `json:"error"`
	Job   *JobResponse `json:"job,omitempty"`
}

func newJobResponse(j *job.Job, withManifest bool) *JobResponse {
	resp := &JobResponse{
		ID:              j.ID,
		State:           j.State,
		Valid:           j.Valid,
		ValidStatus:     j.ValidStatus,
		Staged:          j.Staged,
		Submitted:       j.Submitted,
		CleanupAttempts: j.CleanupAttempts,
		ResultLocation:  j.ResultLocation,
		Reason:          j.Reason,
		TraceName:       j.TraceName,
		TraceExit:       j.TraceExit,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		FinishedAt:      j.FinishedAt,
	}
	if withManifest {
		resp.Manifest = j.Manifest
	}
	return resp
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if !json.Valid(raw) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: malformed JSON")
		return
	}

	j, err := h.svc.Submit(r.Context(), raw)
	if err != nil {
		if j != nil {
			status := apperrors.HTTPStatus(err)
			slog.Warn("Job rejected", "jobId", j.ID, "error", err)
			h.writeJSON(w, status, ErrorResponse{Error: err.Error(), Job: newJobResponse(j, false)})
			return
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, newJobResponse(j, false))
}

// ListJobs handles GET /v1/jobs. The optional state parameter takes a
// comma-separated list of states.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var f job.Filter
	if states := r.URL.Query().Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			st := job.State(strings.TrimSpace(s))
			if !st.Valid() {
				h.writeError(w, http.StatusBadRequest, "Unknown state: "+string(st))
				return
			}
			f.States = append(f.States, st)
		}
	}

	jobs, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := ListResponse{Jobs: make([]*JobResponse, 0, len(jobs)), Count: len(jobs)}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(j, false))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newJobResponse(j, true))
}

// DeleteJob handles DELETE /v1/jobs/{jobId}. The job is moved to ERROR and
// its resources are released in the background.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, newJobResponse(j, false))
}

// Monitor handles POST /v1/monitor, the workflow engine's weblog callback.
// Messages that carry no job status change are acknowledged and ignored.
func (h *Handler) Monitor(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var msg monitor.WeblogMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid weblog message: "+err.Error())
		return
	}
	if err := msg.Validate(); err != nil {
		h.handleError(w, r, err)
		return
	}

	jobID, ok := h.runName(msg.RunName)
	if !ok {
		slog.Debug("Ignoring weblog message for another namespace", "runName", msg.RunName)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	// Weblog messages describe the compute run only.
	if j.State != job.StateRunning {
		slog.Debug("Ignoring weblog message", "jobId", jobID, "event", msg.Event, "state", j.State)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	ev, ok := msg.Report().Event(j.State)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	j, err = h.svc.Signal(r.Context(), jobID, ev)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	slog.Info("Weblog event applied", "jobId", jobID, "event", msg.Event, "state", j.State)
	h.writeJSON(w, http.StatusAccepted, newJobResponse(j, false))
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if a critical dependency (store, cluster, storage) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
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
	h.writeJSON(w, status, ErrorResponse{Error: message})
}

// handleError handles errors from the supervisor with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if errors.Is(err, supervisor.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
