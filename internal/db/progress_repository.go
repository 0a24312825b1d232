package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrProgressNotFound = errors.New("job progress not found")

// ProgressRecord is the durable counters row kept per job. It is a
// periodic snapshot, not the live view; the in-memory monitor is the
// source of truth while a run is active.
type ProgressRecord struct {
	JobID            string
	ChannelsTotal    int
	ChannelsDone     int
	ItemsTotal       int
	ItemsDone        int
	ItemsFailed      int
	ItemsSkipped     int
	BytesTransferred int64
	UpdatedAt        time.Time
}

type ProgressRepository struct {
	db *DB
}

func NewProgressRepository(db *DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// Upsert writes the counters row for a job, last write wins.
func (r *ProgressRepository) Upsert(ctx context.Context, rec *ProgressRecord) error {
	query := `
		INSERT INTO job_progress (job_id, channels_total, channels_done, items_total,
			items_done, items_failed, items_skipped, bytes_transferred, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			channels_total = EXCLUDED.channels_total,
			channels_done = EXCLUDED.channels_done,
			items_total = EXCLUDED.items_total,
			items_done = EXCLUDED.items_done,
			items_failed = EXCLUDED.items_failed,
			items_skipped = EXCLUDED.items_skipped,
			bytes_transferred = EXCLUDED.bytes_transferred,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.JobID, rec.ChannelsTotal, rec.ChannelsDone, rec.ItemsTotal,
		rec.ItemsDone, rec.ItemsFailed, rec.ItemsSkipped, rec.BytesTransferred,
	)
	return err
}

// Get retrieves the persisted counters row for a job.
func (r *ProgressRepository) Get(ctx context.Context, jobID string) (*ProgressRecord, error) {
	query := `
		SELECT job_id, channels_total, channels_done, items_total,
			   items_done, items_failed, items_skipped, bytes_transferred, updated_at
		FROM job_progress
		WHERE job_id = $1
	`

	var rec ProgressRecord
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.JobID, &rec.ChannelsTotal, &rec.ChannelsDone, &rec.ItemsTotal,
		&rec.ItemsDone, &rec.ItemsFailed, &rec.ItemsSkipped, &rec.BytesTransferred,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProgressNotFound
		}
		return nil, err
	}

	return &rec, nil
}
