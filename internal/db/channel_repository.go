package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/masshaul/masshaul/internal/models"
)

var ErrChannelNotFound = errors.New("channel not found")

type ChannelRepository struct {
	db *DB
}

func NewChannelRepository(db *DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// Upsert writes a channel row keyed (job_id, channel_id). Last write
// wins; re-running a job refreshes the URL and title without touching
// rows the statement does not mention.
func (r *ChannelRepository) Upsert(ctx context.Context, ch *models.Channel) error {
	query := `
		INSERT INTO channels (job_id, channel_id, url, title, status, items_total, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NOW(), NOW())
		ON CONFLICT (job_id, channel_id) DO UPDATE SET
			url = EXCLUDED.url,
			title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE channels.title END,
			status = EXCLUDED.status,
			items_total = EXCLUDED.items_total,
			error = EXCLUDED.error,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		ch.JobID, ch.ChannelID, ch.URL, ch.Title, ch.Status, ch.ItemsTotal, ch.Error,
	)
	return err
}

// UpdateStatus moves a channel through its lifecycle. The error column
// is cleared when empty and overwritten otherwise.
func (r *ChannelRepository) UpdateStatus(ctx context.Context, jobID, channelID, status, errMsg string) error {
	query := `
		UPDATE channels
		SET status = $3, error = NULLIF($4, ''), updated_at = NOW()
		WHERE job_id = $1 AND channel_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, jobID, channelID, status, errMsg)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrChannelNotFound)
}

// MarkDiscovered records the discovery result for a channel.
func (r *ChannelRepository) MarkDiscovered(ctx context.Context, jobID, channelID, title string, itemsTotal int) error {
	query := `
		UPDATE channels
		SET status = $3,
			title = CASE WHEN $4 <> '' THEN $4 ELSE title END,
			items_total = $5,
			error = NULL,
			updated_at = NOW()
		WHERE job_id = $1 AND channel_id = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		jobID, channelID, models.ChannelStatusDiscovered, title, itemsTotal,
	)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrChannelNotFound)
}

// List retrieves all channels for a job in insertion order.
func (r *ChannelRepository) List(ctx context.Context, jobID string) ([]models.Channel, error) {
	query := `
		SELECT job_id, channel_id, url, title, status, items_total, error, created_at, updated_at
		FROM channels
		WHERE job_id = $1
		ORDER BY created_at ASC, channel_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var ch models.Channel
		var title, chErr sql.NullString
		err := rows.Scan(
			&ch.JobID, &ch.ChannelID, &ch.URL, &title, &ch.Status,
			&ch.ItemsTotal, &chErr, &ch.CreatedAt, &ch.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		ch.Title = title.String
		ch.Error = chErr.String
		channels = append(channels, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return channels, nil
}

// Get retrieves one channel.
func (r *ChannelRepository) Get(ctx context.Context, jobID, channelID string) (*models.Channel, error) {
	query := `
		SELECT job_id, channel_id, url, title, status, items_total, error, created_at, updated_at
		FROM channels
		WHERE job_id = $1 AND channel_id = $2
	`

	var ch models.Channel
	var title, chErr sql.NullString
	err := r.db.QueryRowContext(ctx, query, jobID, channelID).Scan(
		&ch.JobID, &ch.ChannelID, &ch.URL, &title, &ch.Status,
		&ch.ItemsTotal, &chErr, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}
	ch.Title = title.String
	ch.Error = chErr.String

	return &ch, nil
}

// CountStatuses returns how many channels of the job are in each status.
func (r *ChannelRepository) CountStatuses(ctx context.Context, jobID string) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM channels
		WHERE job_id = $1
		GROUP BY status
	`

	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}
