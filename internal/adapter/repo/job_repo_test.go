package repo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"forge3d/internal/domain"
)

type stubExecutor struct {
	row   pgx.Row
	query string
	args  []any
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.query = query
	s.args = args
	return s.row
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type funcRow func(dest ...any) error

func (f funcRow) Scan(dest ...any) error { return f(dest...) }

func TestSaveMapsNoRowsToStaleVersion(t *testing.T) {
	exec := &stubExecutor{row: funcRow(func(dest ...any) error { return pgx.ErrNoRows })}
	r := NewJobRepository(exec)

	job := &domain.Job{ID: "j1", MessageID: "m1", Status: domain.JobStatusGenerating, ExternalTaskID: "T1", Version: 3}
	err := r.Save(context.Background(), job)
	if !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("Save error = %v, want ErrStaleVersion", err)
	}
	if !strings.Contains(exec.query, "and version = $2::bigint") {
		t.Fatalf("update query is not version-checked: %s", exec.query)
	}
	if exec.args[1] != int64(3) {
		t.Fatalf("expected version arg 3, got %v", exec.args[1])
	}
}

func TestSaveBumpsVersion(t *testing.T) {
	now := time.Now()
	exec := &stubExecutor{row: funcRow(func(dest ...any) error {
		*dest[0].(*int64) = 4
		*dest[1].(*time.Time) = now
		return nil
	})}
	r := NewJobRepository(exec)

	job := &domain.Job{ID: "j1", MessageID: "m1", Status: domain.JobStatusReady, ExternalTaskID: "T1", ModelURL: "https://x/y.glb", Version: 3}
	if err := r.Save(context.Background(), job); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if job.Version != 4 {
		t.Fatalf("version = %d, want 4", job.Version)
	}
	if !job.UpdatedAt.Equal(now) {
		t.Fatalf("updated_at not applied")
	}
}

func TestSaveValidatesBeforeWriting(t *testing.T) {
	exec := &stubExecutor{}
	r := NewJobRepository(exec)

	job := &domain.Job{ID: "j1", MessageID: "m1", Status: domain.JobStatusGenerating}
	if err := r.Save(context.Background(), job); !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("Save error = %v, want ErrInvalidJob", err)
	}
	if exec.query != "" {
		t.Fatalf("invalid job should not reach the database")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	exec := &stubExecutor{row: funcRow(func(dest ...any) error { return pgx.ErrNoRows })}
	r := NewJobRepository(exec)

	if _, err := r.GetByID(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID error = %v, want ErrNotFound", err)
	}
}
