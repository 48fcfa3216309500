// Package automation implements the automation run orchestration engine:
// input sanitization, admission control, scheduling, and the run lifecycle
// state machine.
package automation

import (
	"fmt"
)

// ValidationError indicates a malformed or unsafe request payload.
// Runs that fail validation are never persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// DependencyMissingError indicates a referenced resume or cover letter does not exist.
type DependencyMissingError struct {
	Resource   string
	ResourceID string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ResourceID)
}

// ConcurrencyLimitError indicates admission was refused because the number of
// in-flight runs reached the configured ceiling.
type ConcurrencyLimitError struct {
	RunningRuns       int
	MaxConcurrentRuns int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached: %d of %d runs in flight", e.RunningRuns, e.MaxConcurrentRuns)
}

// RunNotFoundError indicates a lookup miss on a run id.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}
