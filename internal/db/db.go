package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(host, port, user, password, dbname string) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		config JSONB NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		channels_total INT NOT NULL DEFAULT 0,
		error TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		started_at TIMESTAMP WITH TIME ZONE,
		completed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS channels (
		job_id VARCHAR(64) NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		channel_id VARCHAR(128) NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		items_total INT NOT NULL DEFAULT 0,
		error TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (job_id, channel_id)
	);

	CREATE INDEX IF NOT EXISTS idx_channels_job_status ON channels(job_id, status);

	CREATE TABLE IF NOT EXISTS items (
		job_id VARCHAR(64) NOT NULL,
		channel_id VARCHAR(128) NOT NULL,
		item_id VARCHAR(128) NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL DEFAULT '',
		ordinal INT NOT NULL DEFAULT 0,
		duration_sec INT NOT NULL DEFAULT 0,
		size_hint BIGINT NOT NULL DEFAULT 0,
		identity_hash VARCHAR(16) NOT NULL DEFAULT '',
		download_status VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		last_error_class VARCHAR(40),
		last_error TEXT,
		last_attempt_at TIMESTAMP WITH TIME ZONE,
		permanent_failure BOOLEAN NOT NULL DEFAULT FALSE,
		storage_key TEXT,
		bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (job_id, channel_id, item_id),
		FOREIGN KEY (job_id, channel_id) REFERENCES channels(job_id, channel_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_items_job_status ON items(job_id, download_status);
	CREATE INDEX IF NOT EXISTS idx_items_job_permanent ON items(job_id, permanent_failure);
	CREATE INDEX IF NOT EXISTS idx_items_job_identity ON items(job_id, identity_hash);

	CREATE TABLE IF NOT EXISTS job_progress (
		job_id VARCHAR(64) PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		channels_total INT NOT NULL DEFAULT 0,
		channels_done INT NOT NULL DEFAULT 0,
		items_total INT NOT NULL DEFAULT 0,
		items_done INT NOT NULL DEFAULT 0,
		items_failed INT NOT NULL DEFAULT 0,
		items_skipped INT NOT NULL DEFAULT 0,
		bytes_transferred BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
