package models

import (
	"time"
)

// Item download status constants. completed is terminal: once an item
// reaches it no later write may move it anywhere else.
const (
	ItemStatusPending    = "pending"
	ItemStatusInProgress = "in_progress"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
	ItemStatusSkipped    = "skipped"
)

// Download mode constants controlling how bytes reach the sink
const (
	ModeStreamToS3      = "stream_to_s3"
	ModeLocalThenUpload = "local_then_upload"
	ModeLocalOnly       = "local_only"
)

// ItemDescriptor is what discovery yields for one downloadable item.
// ChannelTitle is the remote display name of the owning channel when the
// listing exposes it; the scheduler uses it to enrich the channel record.
type ItemDescriptor struct {
	ItemID       string     `json:"item_id"`
	ChannelID    string     `json:"channel_id"`
	ChannelTitle string     `json:"channel_title,omitempty"`
	Title        string     `json:"title"`
	SourceURL    string     `json:"source_url"`
	Ordinal      int        `json:"ordinal"`
	DurationSec  int        `json:"duration_sec,omitempty"`
	SizeHint     int64      `json:"size_hint,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

// TransferOutcome is what a transfer attempt reports back
type TransferOutcome struct {
	Bytes      int64  `json:"bytes"`
	StorageKey string `json:"storage_key,omitempty"`
	Success    bool   `json:"success"`
}

// Item is the durable per-item record, including its attempt history.
// Attempts persist across process restarts so a crash never resets the
// retry budget.
type Item struct {
	JobID            string     `json:"job_id"`
	ChannelID        string     `json:"channel_id"`
	ItemID           string     `json:"item_id"`
	Title            string     `json:"title"`
	SourceURL        string     `json:"source_url"`
	Ordinal          int        `json:"ordinal"`
	DurationSec      int        `json:"duration_sec,omitempty"`
	SizeHint         int64      `json:"size_hint,omitempty"`
	IdentityHash     string     `json:"identity_hash,omitempty"`
	DownloadStatus   string     `json:"download_status"`
	Attempts         int        `json:"attempts"`
	LastErrorClass   string     `json:"last_error_class,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	PermanentFailure bool       `json:"permanent_failure"`
	StorageKey       string     `json:"storage_key,omitempty"`
	Bytes            int64      `json:"bytes"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NeedsTransfer returns true if a resume pass should re-attempt this item
func (i *Item) NeedsTransfer() bool {
	if i.PermanentFailure {
		return false
	}
	return i.DownloadStatus != ItemStatusCompleted && i.DownloadStatus != ItemStatusSkipped
}

// Descriptor rebuilds the discovery-shaped view of a stored item, used
// when resume schedules work without re-discovering the channel.
func (i *Item) Descriptor() ItemDescriptor {
	return ItemDescriptor{
		ItemID:      i.ItemID,
		ChannelID:   i.ChannelID,
		Title:       i.Title,
		SourceURL:   i.SourceURL,
		Ordinal:     i.Ordinal,
		DurationSec: i.DurationSec,
		SizeHint:    i.SizeHint,
	}
}
