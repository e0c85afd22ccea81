package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
	"github.com/nasa/harmony-orchestrator/internal/services/jobs"
)

// JobHandler serves job intake and the admin lifecycle endpoints
type JobHandler struct {
	jobService *jobs.Service
	validate   *validator.Validate
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *jobs.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		validate:   validator.New(),
		logger:     logger,
	}
}

// jobResponse is the wire shape of a job with its links and errors
type jobResponse struct {
	*models.Job
	Links  []*models.JobLink  `json:"links,omitempty"`
	Errors []*models.JobError `json:"errors,omitempty"`
}

// JobsHandler routes /api/jobs: GET lists, POST submits
func (h *JobHandler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listJobs(w, r)
	case http.MethodPost:
		h.submitJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// JobRoutesHandler routes /api/jobs/{id} and /api/jobs/{id}/{action}
func (h *JobHandler) JobRoutesHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getJob(w, r, jobID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.lifecycle(w, r, jobID, h.jobService.Cancel)
	case action == "pause" && r.Method == http.MethodPost:
		h.lifecycle(w, r, jobID, h.jobService.Pause)
	case action == "resume" && r.Method == http.MethodPost:
		h.lifecycle(w, r, jobID, h.jobService.Resume)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// submitJob creates a job from a chain.
// POST /api/jobs
func (h *JobHandler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobService.Submit(r.Context(), &req)
	if err != nil {
		h.logger.Error().Err(err).Str("username", req.Username).Msg("Failed to submit job")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, jobResponse{Job: job})
}

// listJobs returns jobs matching the query filters.
// GET /api/jobs?username=...&status=...&limit=50&offset=0
func (h *JobHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.JobListOptions{
		Username: r.URL.Query().Get("username"),
		Status:   r.URL.Query().Get("status"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			opts.Limit = parsed
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if parsed, err := strconv.Atoi(offset); err == nil {
			opts.Offset = parsed
		}
	}

	jobList, err := h.jobService.List(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobList,
		"count": len(jobList),
	})
}

// getJob returns one job with its links and errors.
// GET /api/jobs/{id}
func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, links, jobErrors, err := h.jobService.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{Job: job, Links: links, Errors: jobErrors})
}

// lifecycle applies a cancel, pause or resume transition
func (h *JobHandler) lifecycle(w http.ResponseWriter, r *http.Request, jobID string, apply func(ctx context.Context, jobID string) (*models.Job, error)) {
	job, err := apply(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrJobNotPausable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job state transition failed")
			writeError(w, http.StatusInternalServerError, "job state transition failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}
