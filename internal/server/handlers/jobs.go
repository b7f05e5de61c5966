package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"appfleet/internal/store"
	"appfleet/internal/worker"
	"appfleet/pkg/api"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// CreateJob handles POST /jobs.
// It queues an install of the last known candidate for the package.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.PackageName = strings.TrimSpace(req.PackageName)
	if req.PackageName == "" {
		h.httpError(w, "package_name is required", http.StatusBadRequest)
		return
	}

	candidate, ok := h.catalog.Candidate(req.PackageName)
	if !ok {
		h.httpError(w, "No update available for package", http.StatusNotFound)
		return
	}

	id, created, err := h.agent.Enqueue(ctx, candidate, store.PriorityManual)
	if err != nil {
		h.internalError(w, r, "Failed to enqueue job", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respondJson(w, status, api.InstallResponse{JobID: id.String(), Created: created})
}

// ListJobs handles GET /jobs.
// It returns all unfinished jobs in queue order.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context())
	if err != nil {
		h.internalError(w, r, "Failed to list jobs", err)
		return
	}
	resp := make([]api.JobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResponse(&jobs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrUnknownJob) {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "Failed to fetch job", err)
		return
	}

	resp := toJobResponse(job)
	if job.State == store.JobDownloading {
		rec, err := h.store.GetTransfer(ctx, job.ID)
		if err != nil {
			h.logger.WarnContext(ctx, "failed to read download progress", "job_id", job.ID, "error", err)
		} else if rec != nil {
			resp.Progress = &api.ProgressResponse{BytesDone: rec.BytesDone, TotalBytes: rec.TotalBytes}
		}
	}
	h.respondJson(w, http.StatusOK, resp)
}

// CancelJob handles DELETE /jobs/{id}.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	err := h.agent.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		h.respondJson(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, store.ErrUnknownJob):
		h.httpError(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, worker.ErrJobFinished):
		h.httpError(w, "Job already finished", http.StatusConflict)
	case errors.Is(err, worker.ErrStopped):
		h.httpError(w, "Agent is shutting down", http.StatusServiceUnavailable)
	default:
		h.internalError(w, r, "Failed to cancel job", err)
	}
}

// ResolveJob handles POST /jobs/{id}/resolve.
// It reports the outcome of an install that waited for user confirmation.
func (h *Handlers) ResolveJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var req api.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.agent.ResolvePending(r.Context(), jobID, req.Success, req.Code, req.Message)
	switch {
	case err == nil:
		h.respondJson(w, http.StatusAccepted, map[string]string{"status": "resolved"})
	case errors.Is(err, store.ErrUnknownJob):
		h.httpError(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, worker.ErrNotPending), errors.Is(err, worker.ErrJobFinished):
		h.httpError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, worker.ErrStopped):
		h.httpError(w, "Agent is shutting down", http.StatusServiceUnavailable)
	default:
		h.internalError(w, r, "Failed to resolve job", err)
	}
}

// ListHistory handles GET /history?limit=N.
func (h *Handlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	jobs, err := h.store.ListHistory(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, "Failed to list history", err)
		return
	}
	resp := make([]api.JobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResponse(&jobs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

func (h *Handlers) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func toJobResponse(j *store.InstallJob) api.JobResponse {
	resp := api.JobResponse{
		ID:                j.ID.String(),
		PackageName:       j.PackageName,
		TargetVersionCode: j.Target.VersionCode,
		TargetVersionName: j.Target.VersionName,
		State:             string(j.State),
		Attempt:           j.Attempt,
		Priority:          j.Priority,
		CreatedAt:         j.CreatedAt.UTC(),
		UpdatedAt:         j.UpdatedAt.UTC(),
		FinishedAt:        j.FinishedAt,
		LastError:         j.LastError,
		ErrorCode:         j.ErrorCode,
		PlatformCode:      j.PlatformCode,
	}
	if !j.NotBefore.IsZero() && j.State == store.JobQueued {
		t := j.NotBefore.UTC()
		resp.NotBefore = &t
	}
	return resp
}
