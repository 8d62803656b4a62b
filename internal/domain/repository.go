package domain

import "context"

// JobRepository defines persistence for generation jobs.
//
// Save is version-checked: it succeeds only when job.Version matches the
// stored row, bumps the version on success and returns ErrStaleVersion
// otherwise.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Save(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	GetByMessageID(ctx context.Context, messageID string) (*Job, error)
	ListByStatus(ctx context.Context, statuses []JobStatus, limit int) ([]Job, error)
}
