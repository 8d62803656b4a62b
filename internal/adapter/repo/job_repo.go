package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"forge3d/internal/domain"
	"forge3d/internal/infra"
	"forge3d/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new job record and fills in its storage-owned fields.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	if err := job.Validate(); err != nil {
		return err
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.MessageID,
		job.ChannelID,
		job.UserID,
		job.Prompt,
		string(job.Status),
		job.ExternalTaskID,
		job.ModelURL,
		job.PreviewTaskID,
		job.PreviewModelURL,
		job.Progress,
		job.ErrorMessage,
	)
	if err := row.Scan(&job.ID, &job.Version, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Save writes the job if nobody else has written it since it was loaded.
func (r *JobRepositoryPG) Save(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	row := r.sql.QueryRow(ctx, sqlinline.QUpdateJob,
		job.ID,
		job.Version,
		string(job.Status),
		job.ExternalTaskID,
		job.ModelURL,
		job.PreviewTaskID,
		job.PreviewModelURL,
		job.Progress,
		job.ErrorMessage,
	)
	if err := row.Scan(&job.Version, &job.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return fmt.Errorf("save job %s at version %d: %w", job.ID, job.Version, domain.ErrStaleVersion)
		}
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return r.getOne(ctx, sqlinline.QSelectJobByID, jobID)
}

// GetByMessageID fetches the newest job owned by a chat message.
func (r *JobRepositoryPG) GetByMessageID(ctx context.Context, messageID string) (*domain.Job, error) {
	return r.getOne(ctx, sqlinline.QSelectJobByMessageID, messageID)
}

// ListByStatus returns the newest jobs in any of the given statuses.
func (r *JobRepositoryPG) ListByStatus(ctx context.Context, statuses []domain.JobStatus, limit int) ([]domain.Job, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := r.sql.Query(ctx, sqlinline.QSelectJobsByStatus, names, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepositoryPG) getOne(ctx context.Context, query, arg string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, query, arg))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.MessageID,
		&job.ChannelID,
		&job.UserID,
		&job.Prompt,
		&status,
		&job.ExternalTaskID,
		&job.ModelURL,
		&job.PreviewTaskID,
		&job.PreviewModelURL,
		&job.Progress,
		&job.ErrorMessage,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
