package models

import (
	"time"
)

// Job status constants representing the job lifecycle
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// JobConfig is the configuration snapshot taken when a job is created.
// Resume replays this snapshot; later changes to server defaults never
// affect an existing job.
type JobConfig struct {
	ChannelRefs                  []string      `json:"channel_refs"`
	MaxItemsPerChannel           int           `json:"max_items_per_channel"`
	MaxConcurrentChannels        int           `json:"max_concurrent_channels"`
	MaxConcurrentItemsPerChannel int           `json:"max_concurrent_items_per_channel"`
	MaxConcurrentItems           int           `json:"max_concurrent_items"`
	MaxRetries                   int           `json:"max_retries"`
	ContinueOnError              bool          `json:"continue_on_error"`
	DownloadMode                 string        `json:"download_mode"`
	StorageBackend               string        `json:"storage_backend"`
	ChannelTimeout               time.Duration `json:"channel_timeout"`
}

// Job represents one mass download run over a set of channels
type Job struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Config        JobConfig  `json:"config"`
	Status        string     `json:"status"`
	ChannelsTotal int        `json:"channels_total"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed || j.Status == JobStatusCancelled
}

// CanResume returns true if the job has work left to pick up
func (j *Job) CanResume() bool {
	return j.Status != JobStatusCompleted
}
