package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix; one list per job
	keyPrefix = "masshaul:deadletter:"

	defaultListLimit = 1000
)

// Entry records one item that left the pipeline permanently: either a
// non-retryable classification or an exhausted attempt budget. An item
// is pushed at most once per job.
type Entry struct {
	EntryID    string    `json:"entry_id"`
	JobID      string    `json:"job_id"`
	ChannelID  string    `json:"channel_id"`
	ItemID     string    `json:"item_id"`
	Title      string    `json:"title,omitempty"`
	SourceURL  string    `json:"source_url,omitempty"`
	Attempts   int       `json:"attempts"`
	ErrorClass string    `json:"error_class"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}

// Queue is the Redis-backed dead-letter store.
type Queue struct {
	client *redis.Client
}

// NewQueue connects to Redis and verifies the connection.
func NewQueue(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// NewQueueWithClient wraps an existing Redis client.
func NewQueueWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Client returns the underlying Redis client for pub/sub and cache reuse.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Push appends an entry to the job's dead-letter list.
func (q *Queue) Push(ctx context.Context, entry *Entry) error {
	if entry.JobID == "" {
		return errors.New("dead-letter entry requires a job ID")
	}
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	return q.client.LPush(ctx, keyPrefix+entry.JobID, data).Err()
}

// List returns up to limit entries for a job, newest first.
func (q *Queue) List(ctx context.Context, jobID string, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	values, err := q.client.LRange(ctx, keyPrefix+jobID, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter list: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			// A malformed entry should not hide the rest of the list.
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Length returns the number of dead-letter entries for a job.
func (q *Queue) Length(ctx context.Context, jobID string) (int64, error) {
	return q.client.LLen(ctx, keyPrefix+jobID).Result()
}
