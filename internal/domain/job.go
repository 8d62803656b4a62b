package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus enumerates generation job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusGenerating JobStatus = "generating"
	JobStatusRefining   JobStatus = "refining"
	JobStatusReady      JobStatus = "ready"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRefined    JobStatus = "refined"
	JobStatusTimeout    JobStatus = "timeout"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusGenerating, JobStatusRefining, JobStatusReady,
		JobStatusFailed, JobStatusRefined, JobStatusTimeout:
		return true
	}
	return false
}

// Terminal reports whether no further polling happens from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusReady, JobStatusFailed, JobStatusRefined, JobStatusTimeout:
		return true
	}
	return false
}

// Polling reports whether a poll loop is expected to own a job in s.
func (s JobStatus) Polling() bool {
	return s == JobStatusGenerating || s == JobStatusRefining
}

// HasModel reports whether a job in s carries a model url.
func (s JobStatus) HasModel() bool {
	return s == JobStatusReady || s == JobStatusRefined
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusGenerating, JobStatusFailed},
	JobStatusGenerating: {JobStatusReady, JobStatusFailed, JobStatusTimeout},
	JobStatusReady:      {JobStatusRefining, JobStatusFailed},
	JobStatusRefining:   {JobStatusRefined, JobStatusFailed, JobStatusTimeout},
	JobStatusFailed:     {JobStatusGenerating, JobStatusRefining, JobStatusReady, JobStatusRefined},
	JobStatusTimeout:    {JobStatusGenerating, JobStatusRefining, JobStatusReady, JobStatusRefined, JobStatusFailed},
	JobStatusRefined:    {},
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same status is always allowed (progress updates).
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a text-to-3D generation request owned by a chat message.
type Job struct {
	ID              string
	MessageID       string
	ChannelID       string
	UserID          string
	Prompt          string
	Status          JobStatus
	ExternalTaskID  string
	ModelURL        string
	PreviewTaskID   string
	PreviewModelURL string
	Progress        int
	ErrorMessage    string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsRefinement reports whether the job's external task is a refine task.
func (j *Job) IsRefinement() bool {
	return j.PreviewTaskID != ""
}

// SuccessStatus is the status a successful provider outcome maps to.
func (j *Job) SuccessStatus() JobStatus {
	if j.Status == JobStatusRefining || j.IsRefinement() {
		return JobStatusRefined
	}
	return JobStatusReady
}

// PollingStatus is the status a resumed poll loop puts the job back into.
func (j *Job) PollingStatus() JobStatus {
	if j.IsRefinement() {
		return JobStatusRefining
	}
	return JobStatusGenerating
}

// Validate checks the persisted-state invariants.
func (j *Job) Validate() error {
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}
	if strings.TrimSpace(j.MessageID) == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidJob)
	}
	// A submission the provider rejected fails before any task exists.
	if j.Status != JobStatusQueued && j.Status != JobStatusFailed && j.ExternalTaskID == "" {
		return fmt.Errorf("%w: status %s requires an external task id", ErrInvalidJob, j.Status)
	}
	if j.ModelURL != "" && !j.Status.HasModel() {
		return fmt.Errorf("%w: status %s cannot carry a model url", ErrInvalidJob, j.Status)
	}
	if j.Status.HasModel() && j.ModelURL == "" {
		return fmt.Errorf("%w: status %s requires a model url", ErrInvalidJob, j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidJob, j.Progress)
	}
	return nil
}
