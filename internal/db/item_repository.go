package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/masshaul/masshaul/internal/models"
)

var ErrItemNotFound = errors.New("item not found")

// ItemStats summarizes the per-status item counts of a job.
type ItemStats struct {
	Total             int
	Pending           int
	InProgress        int
	Completed         int
	Failed            int
	Skipped           int
	PermanentFailures int
	Bytes             int64
}

type ItemRepository struct {
	db *DB
}

func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// UpsertDiscovered writes items found by discovery. Metadata fields are
// refreshed on conflict; download_status, attempts and the failure flags
// are never touched here, so re-discovering a channel after a crash or
// on resume cannot reset transfer state.
func (r *ItemRepository) UpsertDiscovered(ctx context.Context, jobID string, descriptors []models.ItemDescriptor) error {
	if len(descriptors) == 0 {
		return nil
	}

	query := `
		INSERT INTO items (job_id, channel_id, item_id, title, source_url, ordinal, duration_sec, size_hint, identity_hash, download_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', NOW(), NOW())
		ON CONFLICT (job_id, channel_id, item_id) DO UPDATE SET
			title = EXCLUDED.title,
			source_url = EXCLUDED.source_url,
			ordinal = EXCLUDED.ordinal,
			duration_sec = EXCLUDED.duration_sec,
			size_hint = EXCLUDED.size_hint,
			identity_hash = EXCLUDED.identity_hash,
			updated_at = NOW()
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range descriptors {
		identity := CalculateIdentityHash(d.ChannelID, d.Title, d.DurationSec)
		_, err := stmt.ExecContext(ctx,
			jobID, d.ChannelID, d.ItemID, d.Title, d.SourceURL,
			d.Ordinal, d.DurationSec, d.SizeHint, identity,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Upsert writes a full item record keyed (job_id, channel_id, item_id).
// Last write wins except that a row already in completed never leaves
// it; replaying events after a crash cannot regress finished work.
func (r *ItemRepository) Upsert(ctx context.Context, item *models.Item) error {
	query := `
		INSERT INTO items (job_id, channel_id, item_id, title, source_url, ordinal, duration_sec, size_hint,
			identity_hash, download_status, attempts, last_error_class, last_error, last_attempt_at,
			permanent_failure, storage_key, bytes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), $14, $15, NULLIF($16, ''), $17, NOW(), NOW())
		ON CONFLICT (job_id, channel_id, item_id) DO UPDATE SET
			title = EXCLUDED.title,
			source_url = EXCLUDED.source_url,
			ordinal = EXCLUDED.ordinal,
			duration_sec = EXCLUDED.duration_sec,
			size_hint = EXCLUDED.size_hint,
			identity_hash = EXCLUDED.identity_hash,
			download_status = EXCLUDED.download_status,
			attempts = GREATEST(items.attempts, EXCLUDED.attempts),
			last_error_class = EXCLUDED.last_error_class,
			last_error = EXCLUDED.last_error,
			last_attempt_at = EXCLUDED.last_attempt_at,
			permanent_failure = items.permanent_failure OR EXCLUDED.permanent_failure,
			storage_key = COALESCE(EXCLUDED.storage_key, items.storage_key),
			bytes = EXCLUDED.bytes,
			updated_at = NOW()
		WHERE items.download_status <> 'completed'
	`

	_, err := r.db.ExecContext(ctx, query,
		item.JobID, item.ChannelID, item.ItemID, item.Title, item.SourceURL,
		item.Ordinal, item.DurationSec, item.SizeHint, item.IdentityHash,
		item.DownloadStatus, item.Attempts, item.LastErrorClass, item.LastError,
		item.LastAttemptAt, item.PermanentFailure, item.StorageKey, item.Bytes,
	)
	return err
}

// HasCompletedDuplicate reports whether another item in the job with
// the same identity hash already completed its transfer. Used to skip
// re-downloading content that appears more than once in a listing.
func (r *ItemRepository) HasCompletedDuplicate(ctx context.Context, jobID, identityHash, channelID, itemID string) (bool, error) {
	if identityHash == "" {
		return false, nil
	}

	query := `
		SELECT EXISTS(
			SELECT 1 FROM items
			WHERE job_id = $1 AND identity_hash = $2
				AND download_status = 'completed'
				AND NOT (channel_id = $3 AND item_id = $4)
		)
	`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, jobID, identityHash, channelID, itemID).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

// RecordAttemptStart increments the persisted attempt counter, marks
// the item in_progress and returns the new attempt number. The counter
// only grows, so a crash mid-transfer never refunds retry budget.
// Returns ErrItemNotFound if the item is missing, already completed or
// flagged as a permanent failure; both settled states refuse admission
// so a re-discovered item can never be transferred twice.
func (r *ItemRepository) RecordAttemptStart(ctx context.Context, jobID, channelID, itemID string) (int, error) {
	query := `
		UPDATE items
		SET download_status = 'in_progress',
			attempts = attempts + 1,
			last_attempt_at = NOW(),
			updated_at = NOW()
		WHERE job_id = $1 AND channel_id = $2 AND item_id = $3
			AND download_status <> 'completed'
			AND permanent_failure = FALSE
		RETURNING attempts
	`

	var attempts int
	err := r.db.QueryRowContext(ctx, query, jobID, channelID, itemID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrItemNotFound
		}
		return 0, err
	}

	return attempts, nil
}

// MarkCompleted transitions an item to completed with its storage key
// and transferred byte count. Returns true when this call performed the
// transition and false when the item was already completed, so callers
// can count completions exactly once.
func (r *ItemRepository) MarkCompleted(ctx context.Context, jobID, channelID, itemID, storageKey string, bytes int64) (bool, error) {
	query := `
		UPDATE items
		SET download_status = 'completed',
			storage_key = NULLIF($4, ''),
			bytes = $5,
			last_error_class = NULL,
			last_error = NULL,
			updated_at = NOW()
		WHERE job_id = $1 AND channel_id = $2 AND item_id = $3
			AND download_status <> 'completed'
	`

	result, err := r.db.ExecContext(ctx, query, jobID, channelID, itemID, storageKey, bytes)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkFailed records a failed attempt. permanent flags the item out of
// all future retry scheduling for this job, either because the error
// classification is not retryable or because the attempt budget is
// exhausted. A completed item is never overwritten.
func (r *ItemRepository) MarkFailed(ctx context.Context, jobID, channelID, itemID, errorClass, errMsg string, permanent bool) error {
	query := `
		UPDATE items
		SET download_status = 'failed',
			last_error_class = NULLIF($4, ''),
			last_error = NULLIF($5, ''),
			permanent_failure = permanent_failure OR $6,
			updated_at = NOW()
		WHERE job_id = $1 AND channel_id = $2 AND item_id = $3
			AND download_status <> 'completed'
	`

	_, err := r.db.ExecContext(ctx, query, jobID, channelID, itemID, errorClass, errMsg, permanent)
	return err
}

// MarkSkipped records an item the run deliberately did not transfer.
func (r *ItemRepository) MarkSkipped(ctx context.Context, jobID, channelID, itemID, reason string) error {
	query := `
		UPDATE items
		SET download_status = 'skipped',
			last_error = NULLIF($4, ''),
			updated_at = NOW()
		WHERE job_id = $1 AND channel_id = $2 AND item_id = $3
			AND download_status <> 'completed'
	`

	_, err := r.db.ExecContext(ctx, query, jobID, channelID, itemID, reason)
	return err
}

// Get retrieves one item record.
func (r *ItemRepository) Get(ctx context.Context, jobID, channelID, itemID string) (*models.Item, error) {
	query := selectItemColumns + `
		WHERE job_id = $1 AND channel_id = $2 AND item_id = $3
	`

	row := r.db.QueryRowContext(ctx, query, jobID, channelID, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}

	return item, nil
}

// List retrieves the items of one channel in ordinal order.
func (r *ItemRepository) List(ctx context.Context, jobID, channelID string) ([]models.Item, error) {
	query := selectItemColumns + `
		WHERE job_id = $1 AND channel_id = $2
		ORDER BY ordinal ASC, item_id ASC
	`

	return r.queryItems(ctx, query, jobID, channelID)
}

// ListByJob retrieves every item of a job, optionally filtered to one
// download status. Rows come back grouped by channel in ordinal order.
func (r *ItemRepository) ListByJob(ctx context.Context, jobID, status string) ([]models.Item, error) {
	query := selectItemColumns + `
		WHERE job_id = $1 AND ($2 = '' OR download_status = $2)
		ORDER BY channel_id ASC, ordinal ASC, item_id ASC
	`

	return r.queryItems(ctx, query, jobID, status)
}

// ListIncomplete returns the items a resume pass still has to transfer:
// everything not completed, not skipped and not flagged as a permanent
// failure, across all channels of the job.
func (r *ItemRepository) ListIncomplete(ctx context.Context, jobID string) ([]models.Item, error) {
	query := selectItemColumns + `
		WHERE job_id = $1
			AND download_status NOT IN ('completed', 'skipped')
			AND permanent_failure = FALSE
		ORDER BY channel_id ASC, ordinal ASC, item_id ASC
	`

	return r.queryItems(ctx, query, jobID)
}

// ListFailed returns every item that ended in failure, for audit and
// dead-letter reporting.
func (r *ItemRepository) ListFailed(ctx context.Context, jobID string) ([]models.Item, error) {
	query := selectItemColumns + `
		WHERE job_id = $1
			AND (download_status = 'failed' OR permanent_failure = TRUE)
		ORDER BY channel_id ASC, ordinal ASC, item_id ASC
	`

	return r.queryItems(ctx, query, jobID)
}

// CountStatuses aggregates item counts and transferred bytes for a job.
func (r *ItemRepository) CountStatuses(ctx context.Context, jobID string) (*ItemStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE download_status = 'pending'),
			COUNT(*) FILTER (WHERE download_status = 'in_progress'),
			COUNT(*) FILTER (WHERE download_status = 'completed'),
			COUNT(*) FILTER (WHERE download_status = 'failed'),
			COUNT(*) FILTER (WHERE download_status = 'skipped'),
			COUNT(*) FILTER (WHERE permanent_failure = TRUE),
			COALESCE(SUM(bytes) FILTER (WHERE download_status = 'completed'), 0)
		FROM items
		WHERE job_id = $1
	`

	var stats ItemStats
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&stats.Total, &stats.Pending, &stats.InProgress, &stats.Completed,
		&stats.Failed, &stats.Skipped, &stats.PermanentFailures, &stats.Bytes,
	)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

const selectItemColumns = `
	SELECT job_id, channel_id, item_id, title, source_url, ordinal, duration_sec, size_hint,
		   identity_hash, download_status, attempts, last_error_class, last_error, last_attempt_at,
		   permanent_failure, storage_key, bytes, created_at, updated_at
	FROM items
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.Item, error) {
	var item models.Item
	var errorClass, lastError, storageKey sql.NullString
	err := row.Scan(
		&item.JobID, &item.ChannelID, &item.ItemID, &item.Title, &item.SourceURL,
		&item.Ordinal, &item.DurationSec, &item.SizeHint, &item.IdentityHash,
		&item.DownloadStatus, &item.Attempts, &errorClass, &lastError, &item.LastAttemptAt,
		&item.PermanentFailure, &storageKey, &item.Bytes, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.LastErrorClass = errorClass.String
	item.LastError = lastError.String
	item.StorageKey = storageKey.String

	return &item, nil
}

func (r *ItemRepository) queryItems(ctx context.Context, query string, args ...interface{}) ([]models.Item, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
