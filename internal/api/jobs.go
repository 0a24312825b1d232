package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/masshaul/masshaul/internal/coordinator"
	"github.com/masshaul/masshaul/internal/deadletter"
	apperrors "github.com/masshaul/masshaul/internal/errors"
	"github.com/masshaul/masshaul/internal/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	defaultFailureLimit = 100
)

// JobService is the coordinator surface the handlers consume.
type JobService interface {
	Run(ctx context.Context, req coordinator.RunRequest) (string, error)
	Resume(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*coordinator.JobStatus, error)
	List(ctx context.Context, limit, offset int) ([]models.Job, int, error)
}

// ItemLister pages a job's item rows for the audit endpoints.
type ItemLister interface {
	ListByJob(ctx context.Context, jobID, status string) ([]models.Item, error)
}

// FailureLister reads a job's dead-letter entries.
type FailureLister interface {
	List(ctx context.Context, jobID string, limit int64) ([]deadletter.Entry, error)
}

type JobHandlers struct {
	jobs     JobService
	items    ItemLister
	failures FailureLister

	// defaults is the server-level config snapshot; request fields
	// override it per job.
	defaults models.JobConfig
}

func NewJobHandlers(jobs JobService, items ItemLister, failures FailureLister, defaults models.JobConfig) *JobHandlers {
	return &JobHandlers{
		jobs:     jobs,
		items:    items,
		failures: failures,
		defaults: defaults,
	}
}

// CreateJobRequest is the request body for starting a mass download.
// Zero-valued knobs fall back to the server defaults; channel_timeout
// takes a Go duration string such as "45m".
type CreateJobRequest struct {
	Name                         string   `json:"name"`
	Channels                     []string `json:"channels"`
	MaxItemsPerChannel           int      `json:"max_items_per_channel,omitempty"`
	MaxConcurrentChannels        int      `json:"max_concurrent_channels,omitempty"`
	MaxConcurrentItemsPerChannel int      `json:"max_concurrent_items_per_channel,omitempty"`
	MaxConcurrentItems           int      `json:"max_concurrent_items,omitempty"`
	MaxRetries                   int      `json:"max_retries,omitempty"`
	ContinueOnError              *bool    `json:"continue_on_error,omitempty"`
	DownloadMode                 string   `json:"download_mode,omitempty"`
	StorageBackend               string   `json:"storage_backend,omitempty"`
	ChannelTimeout               string   `json:"channel_timeout,omitempty"`
}

// CreateJobResponse acknowledges an accepted job.
type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ListJobsResponse pages the job table, newest first.
type ListJobsResponse struct {
	Jobs   []models.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ItemsResponse lists a job's item rows.
type ItemsResponse struct {
	JobID string        `json:"job_id"`
	Count int           `json:"count"`
	Items []models.Item `json:"items"`
}

// FailuresResponse lists a job's dead-letter entries.
type FailuresResponse struct {
	JobID    string             `json:"job_id"`
	Count    int                `json:"count"`
	Failures []deadletter.Entry `json:"failures"`
}

// Create handles POST /api/v1/jobs
func (h *JobHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJobError(w, r, apperrors.BadRequest("invalid request body"))
		return
	}
	if len(req.Channels) == 0 {
		writeJobError(w, r, apperrors.ValidationError("channels field is required"))
		return
	}

	cfg, err := h.buildConfig(req)
	if err != nil {
		writeJobError(w, r, err)
		return
	}

	jobID, err := h.jobs.Run(r.Context(), coordinator.RunRequest{
		Name:   req.Name,
		Config: cfg,
	})
	if err != nil {
		writeJobError(w, r, err)
		return
	}

	writeJobJSON(w, r, http.StatusAccepted, CreateJobResponse{
		JobID:  jobID,
		Status: models.JobStatusRunning,
	})
}

// List handles GET /api/v1/jobs
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.jobs.List(r.Context(), limit, offset)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}

	writeJobJSON(w, r, http.StatusOK, ListJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/v1/jobs/{job_id}
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Status(r.Context(), r.PathValue("job_id"))
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJobJSON(w, r, http.StatusOK, st)
}

// Resume handles POST /api/v1/jobs/{job_id}/resume
func (h *JobHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := h.jobs.Resume(r.Context(), jobID); err != nil {
		writeJobError(w, r, err)
		return
	}

	// Resume is a no-op for completed jobs, so report the actual state
	// rather than assuming the run restarted.
	st, err := h.jobs.Status(r.Context(), jobID)
	if err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJobJSON(w, r, http.StatusAccepted, CreateJobResponse{
		JobID:  jobID,
		Status: st.Job.Status,
	})
}

// Cancel handles POST /api/v1/jobs/{job_id}/cancel
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		writeJobError(w, r, err)
		return
	}
	writeJobJSON(w, r, http.StatusAccepted, CreateJobResponse{
		JobID:  jobID,
		Status: models.JobStatusCancelled,
	})
}

// Items handles GET /api/v1/jobs/{job_id}/items
func (h *JobHandlers) Items(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	status := r.URL.Query().Get("status")
	if status != "" && !validItemStatus(status) {
		writeJobError(w, r, apperrors.ValidationError("unknown status filter "+status))
		return
	}

	// Surface unknown jobs as 404 instead of an empty list.
	if _, err := h.jobs.Status(r.Context(), jobID); err != nil {
		writeJobError(w, r, err)
		return
	}

	items, err := h.items.ListByJob(r.Context(), jobID, status)
	if err != nil {
		writeJobError(w, r, apperrors.DatabaseError("failed to list items").WithCause(err))
		return
	}
	if items == nil {
		items = []models.Item{}
	}

	writeJobJSON(w, r, http.StatusOK, ItemsResponse{
		JobID: jobID,
		Count: len(items),
		Items: items,
	})
}

// Failures handles GET /api/v1/jobs/{job_id}/failures
func (h *JobHandlers) Failures(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	if _, err := h.jobs.Status(r.Context(), jobID); err != nil {
		writeJobError(w, r, err)
		return
	}

	if h.failures == nil {
		writeJobError(w, r, apperrors.InternalError("dead letter queue not configured"))
		return
	}

	limit := int64(queryInt(r, "limit", defaultFailureLimit))
	if limit < 1 {
		limit = defaultFailureLimit
	}

	entries, err := h.failures.List(r.Context(), jobID, limit)
	if err != nil {
		writeJobError(w, r, apperrors.InternalError("failed to read dead letters").WithCause(err))
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}

	writeJobJSON(w, r, http.StatusOK, FailuresResponse{
		JobID:    jobID,
		Count:    len(entries),
		Failures: entries,
	})
}

// buildConfig overlays the request knobs on the server defaults.
func (h *JobHandlers) buildConfig(req CreateJobRequest) (models.JobConfig, error) {
	cfg := h.defaults
	cfg.ChannelRefs = req.Channels

	if req.MaxItemsPerChannel > 0 {
		cfg.MaxItemsPerChannel = req.MaxItemsPerChannel
	}
	if req.MaxConcurrentChannels > 0 {
		cfg.MaxConcurrentChannels = req.MaxConcurrentChannels
	}
	if req.MaxConcurrentItemsPerChannel > 0 {
		cfg.MaxConcurrentItemsPerChannel = req.MaxConcurrentItemsPerChannel
	}
	if req.MaxConcurrentItems > 0 {
		cfg.MaxConcurrentItems = req.MaxConcurrentItems
	}
	if req.MaxRetries > 0 {
		cfg.MaxRetries = req.MaxRetries
	}
	if req.ContinueOnError != nil {
		cfg.ContinueOnError = *req.ContinueOnError
	}
	if req.DownloadMode != "" {
		cfg.DownloadMode = req.DownloadMode
	}
	if req.StorageBackend != "" {
		cfg.StorageBackend = req.StorageBackend
	}
	if req.ChannelTimeout != "" {
		d, err := time.ParseDuration(req.ChannelTimeout)
		if err != nil || d < 0 {
			return cfg, apperrors.ValidationError("channel_timeout must be a positive duration like \"45m\"")
		}
		cfg.ChannelTimeout = d
	}
	return cfg, nil
}

func validItemStatus(status string) bool {
	switch status {
	case models.ItemStatusPending, models.ItemStatusInProgress,
		models.ItemStatusCompleted, models.ItemStatusFailed, models.ItemStatusSkipped:
		return true
	}
	return false
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
