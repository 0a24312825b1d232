package models

import (
	"time"
)

// Channel status constants. pending -> discovering -> discovered ->
// processing -> done|failed. The processor is the only writer.
const (
	ChannelStatusPending     = "pending"
	ChannelStatusDiscovering = "discovering"
	ChannelStatusDiscovered  = "discovered"
	ChannelStatusProcessing  = "processing"
	ChannelStatusDone        = "done"
	ChannelStatusFailed      = "failed"
)

// Channel represents one channel inside a job
type Channel struct {
	JobID      string    `json:"job_id"`
	ChannelID  string    `json:"channel_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status"`
	ItemsTotal int       `json:"items_total"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsTerminal returns true if the channel finished, successfully or not
func (c *Channel) IsTerminal() bool {
	return c.Status == ChannelStatusDone || c.Status == ChannelStatusFailed
}
