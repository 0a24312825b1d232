package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/masshaul/masshaul/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job row with its config snapshot.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal job config: %w", err)
	}

	query := `
		INSERT INTO jobs (id, name, config, status, channels_total, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	_, err = r.db.ExecContext(ctx, query,
		job.ID, job.Name, configJSON, job.Status, job.ChannelsTotal,
	)
	return err
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, jobID string) (*models.Job, error) {
	query := `
		SELECT id, name, config, status, channels_total, error,
			   created_at, started_at, completed_at
		FROM jobs
		WHERE id = $1
	`

	var job models.Job
	var configJSON []byte
	var jobErr sql.NullString
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.Name, &configJSON, &job.Status, &job.ChannelsTotal,
		&jobErr, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
	}
	if jobErr.Valid {
		job.Error = jobErr.String
	}

	return &job, nil
}

// List retrieves jobs ordered by creation time, newest first.
func (r *JobRepository) List(ctx context.Context, limit, offset int) ([]models.Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := `
		SELECT id, name, config, status, channels_total, error,
			   created_at, started_at, completed_at,
			   COUNT(*) OVER() as total_count
		FROM jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []models.Job
	var total int
	for rows.Next() {
		var job models.Job
		var configJSON []byte
		var jobErr sql.NullString
		err := rows.Scan(
			&job.ID, &job.Name, &configJSON, &job.Status, &job.ChannelsTotal,
			&jobErr, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &total,
		)
		if err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal job config: %w", err)
		}
		if jobErr.Valid {
			job.Error = jobErr.String
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// MarkStarted transitions a job to running and stamps started_at. The
// stamp is written once; resuming a job keeps the original start time.
func (r *JobRepository) MarkStarted(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = 'running',
			error = NULL,
			completed_at = NULL,
			started_at = COALESCE(started_at, NOW())
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrJobNotFound)
}

// MarkFinished records the terminal status of a run together with its
// completion time and optional error summary.
func (r *JobRepository) MarkFinished(ctx context.Context, jobID, status, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $2, error = NULLIF($3, ''), completed_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, jobID, status, errMsg)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrJobNotFound)
}

// UpdateStatus sets the job status without touching timestamps.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID, status string) error {
	query := `UPDATE jobs SET status = $2 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, jobID, status)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrJobNotFound)
}

// SetChannelsTotal records how many channels the job covers.
func (r *JobRepository) SetChannelsTotal(ctx context.Context, jobID string, total int) error {
	query := `UPDATE jobs SET channels_total = $2 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, jobID, total)
	if err != nil {
		return err
	}
	return requireRowAffected(result, ErrJobNotFound)
}

func requireRowAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
