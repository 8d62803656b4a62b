package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobLocked means the user already has a job in flight.
	ErrJobLocked = errors.New("a generation job is already running for this user")
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("submission rate limit exceeded")
	// ErrConflict means another operation on the same job won the race.
	ErrConflict = errors.New("job is busy with another operation")
	// ErrAlreadyPolling means a loop already holds the job's poller marker.
	ErrAlreadyPolling = errors.New("job is already being polled")
	ErrNotRefinable   = errors.New("job cannot be refined")
	ErrNotRevertible  = errors.New("job has no previous result to revert to")
	ErrNotResumable   = errors.New("job cannot be resumed")
	ErrWrongChannel   = errors.New("job belongs to another channel")
)

// RateLimitError carries how long the user has to wait.
type RateLimitError struct {
	RemainingSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry in %ds", ErrRateLimited, e.RemainingSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
