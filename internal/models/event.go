package models

import (
	"time"
)

// Event kind constants
const (
	EventJobStatus     = "job_status"
	EventChannelStatus = "channel_status"
	EventItemStatus    = "item_status"
	EventItemRetry     = "item_retry"
	EventItemProgress  = "item_progress"
)

// Event is one state transition or byte-progress tick emitted by the
// processor and consumed by the progress monitor.
type Event struct {
	JobID     string    `json:"job_id"`
	ChannelID string    `json:"channel_id,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Count     int       `json:"count,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Permanent bool      `json:"permanent,omitempty"`
	Err       string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Progress is an aggregated job-level snapshot
type Progress struct {
	JobID            string    `json:"job_id"`
	Status           string    `json:"status"`
	ChannelsTotal    int       `json:"channels_total"`
	ChannelsDone     int       `json:"channels_done"`
	ItemsTotal       int       `json:"items_total"`
	ItemsDone        int       `json:"items_done"`
	ItemsFailed      int       `json:"items_failed"`
	ItemsSkipped     int       `json:"items_skipped"`
	BytesTransferred int64     `json:"bytes_transferred"`
	RateBytesPerSec  float64   `json:"rate_bytes_per_sec,omitempty"`
	ETASeconds       int64     `json:"eta_seconds,omitempty"`
	DroppedEvents    uint64    `json:"dropped_events,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ItemsRemaining returns how many items still need a terminal status
func (p *Progress) ItemsRemaining() int {
	remaining := p.ItemsTotal - p.ItemsDone - p.ItemsFailed - p.ItemsSkipped
	if remaining < 0 {
		return 0
	}
	return remaining
}
