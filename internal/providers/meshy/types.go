package meshy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Operation names carried by ProviderError.
const (
	OpSubmitCreate = "submit_create"
	OpSubmitRefine = "submit_refine"
	OpGetStatus    = "get_status"
)

// Status is the provider-side state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// ParseStatus maps any upstream value onto a known Status. Values the client
// does not recognise are treated as still running.
func ParseStatus(raw string) Status {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusPending, StatusInProgress, StatusSucceeded, StatusFailed, StatusExpired:
		return s
	default:
		return StatusInProgress
	}
}

// Done reports whether the provider will not change the task any further.
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExpired
}

// Failed reports whether the task ended without a model.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusExpired
}

// TaskStatus is a single observation of a provider task.
type TaskStatus struct {
	Status         Status
	ModelURL       string
	Progress       int
	Error          string
	PrecedingTasks *int
}

// ProviderError is returned for every failed provider call.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("meshy: ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Timeout reports whether the call was cut off by its deadline.
func (e *ProviderError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
