package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"forge3d/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generation_jobs (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	external_task_id TEXT,
	model_url TEXT,
	preview_task_id TEXT,
	preview_model_url TEXT,
	progress INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_message ON generation_jobs(message_id);
CREATE INDEX IF NOT EXISTS idx_generation_jobs_status ON generation_jobs(status);
`

const sqliteJobColumns = `id, message_id, channel_id, user_id, prompt, status,
	COALESCE(external_task_id, ''), COALESCE(model_url, ''),
	COALESCE(preview_task_id, ''), COALESCE(preview_model_url, ''),
	progress, COALESCE(error_message, ''), version, created_at, updated_at`

// JobRepositorySQLite implements domain.JobRepository on an embedded SQLite
// database for single-node deployments and local development.
type JobRepositorySQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*JobRepositorySQLite, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &JobRepositorySQLite{db: db}, nil
}

// Ping checks the database is usable.
func (r *JobRepositorySQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *JobRepositorySQLite) Close() error {
	return r.db.Close()
}

func (r *JobRepositorySQLite) Create(ctx context.Context, job *domain.Job) error {
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	if err := job.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO generation_jobs (id, message_id, channel_id, user_id, prompt, status,
			external_task_id, model_url, preview_task_id, preview_model_url,
			progress, error_message, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), 1, ?, ?)`,
		id, job.MessageID, job.ChannelID, job.UserID, job.Prompt, string(job.Status),
		job.ExternalTaskID, job.ModelURL, job.PreviewTaskID, job.PreviewModelURL,
		job.Progress, job.ErrorMessage, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.ID = id
	job.Version = 1
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (r *JobRepositorySQLite) Save(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE generation_jobs
		SET status = ?, external_task_id = NULLIF(?, ''), model_url = NULLIF(?, ''),
			preview_task_id = NULLIF(?, ''), preview_model_url = NULLIF(?, ''),
			progress = ?, error_message = NULLIF(?, ''), version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(job.Status), job.ExternalTaskID, job.ModelURL,
		job.PreviewTaskID, job.PreviewModelURL,
		job.Progress, job.ErrorMessage, now,
		job.ID, job.Version,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save job %s at version %d: %w", job.ID, job.Version, domain.ErrStaleVersion)
	}
	job.Version++
	job.UpdatedAt = now
	return nil
}

func (r *JobRepositorySQLite) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM generation_jobs WHERE id = ?`, jobID)
	return scanSQLiteJob(row)
}

func (r *JobRepositorySQLite) GetByMessageID(ctx context.Context, messageID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM generation_jobs WHERE message_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		messageID)
	return scanSQLiteJob(row)
}

func (r *JobRepositorySQLite) ListByStatus(ctx context.Context, statuses []domain.JobStatus, limit int) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM generation_jobs
		WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqliteScanner) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	err := row.Scan(
		&job.ID, &job.MessageID, &job.ChannelID, &job.UserID, &job.Prompt, &status,
		&job.ExternalTaskID, &job.ModelURL, &job.PreviewTaskID, &job.PreviewModelURL,
		&job.Progress, &job.ErrorMessage, &job.Version, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositorySQLite)(nil)
