// Package types provides type definitions for structured data shared across the job-autopilot system.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RunType identifies the kind of automation workflow a run executes.
type RunType string

// Supported automation run types.
const (
	RunTypeScrape   RunType = "scrape"
	RunTypeJobApply RunType = "job_apply"
	RunTypeEmail    RunType = "email"
)

// RunStatus is the lifecycle status of an automation run.
type RunStatus string

// Canonical run lifecycle states.
const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// ValidRunType reports whether value is a known run type.
func ValidRunType(value string) bool {
	switch RunType(value) {
	case RunTypeScrape, RunTypeJobApply, RunTypeEmail:
		return true
	}
	return false
}

// ValidRunStatus reports whether value is a known run status.
func ValidRunStatus(value string) bool {
	switch RunStatus(value) {
	case RunStatusPending, RunStatusRunning, RunStatusSuccess, RunStatusError:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusError
}

// AutomationRun represents a persisted automation run row.
// Invariants: CompletedAt is non-nil iff Status is terminal; Output and Error
// are mutually exclusive.
type AutomationRun struct {
	ID          uuid.UUID       `json:"id"`
	Type        RunType         `json:"type"`
	Status      RunStatus       `json:"status"`
	JobID       *string         `json:"jobId"`
	UserID      *string         `json:"userId"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	Screenshots []string        `json:"screenshots"`
	Error       *string         `json:"error"`
	Progress    *int            `json:"progress"`
	CurrentStep *int            `json:"currentStep"`
	TotalSteps  *int            `json:"totalSteps"`
	StartedAt   *time.Time      `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// InputAs decodes the run's input payload into dst.
func (r *AutomationRun) InputAs(dst any) error {
	if len(r.Input) == 0 {
		return fmt.Errorf("run %s has no input", r.ID)
	}
	return json.Unmarshal(r.Input, dst)
}

// AutomationSettings holds the persisted automation configuration singleton.
// The orchestrator treats it as read-only.
type AutomationSettings struct {
	Headless             bool            `json:"headless"`
	DefaultTimeout       int             `json:"defaultTimeout"`      // seconds
	ScreenshotRetention  int             `json:"screenshotRetention"` // days
	MaxConcurrentRuns    int             `json:"maxConcurrentRuns"`
	DefaultBrowser       string          `json:"defaultBrowser"`
	EnableSmartSelectors bool            `json:"enableSmartSelectors"`
	AutoSaveScreenshots  bool            `json:"autoSaveScreenshots"`
	JobProviders         json.RawMessage `json:"jobProviders,omitempty"`
}

// Clamp bounds for automation settings. A misconfigured settings row must not
// disable admission or saturate the host.
const (
	MinConcurrentRuns        = 1
	MaxConcurrentRunsCeiling = 10
	MinRunTimeoutSeconds     = 5
	MaxRunTimeoutSeconds     = 600
	MinRetentionDays         = 1
)

// DefaultAutomationSettings returns the settings used when no row exists.
func DefaultAutomationSettings() AutomationSettings {
	return AutomationSettings{
		Headless:             true,
		DefaultTimeout:       30,
		ScreenshotRetention:  7,
		MaxConcurrentRuns:    1,
		DefaultBrowser:       "chrome",
		EnableSmartSelectors: true,
		AutoSaveScreenshots:  true,
	}
}

// Normalized returns a copy with all numeric fields clamped into safe bounds.
func (s AutomationSettings) Normalized() AutomationSettings {
	out := s
	if out.MaxConcurrentRuns < MinConcurrentRuns {
		out.MaxConcurrentRuns = MinConcurrentRuns
	}
	if out.MaxConcurrentRuns > MaxConcurrentRunsCeiling {
		out.MaxConcurrentRuns = MaxConcurrentRunsCeiling
	}
	if out.DefaultTimeout < MinRunTimeoutSeconds {
		out.DefaultTimeout = MinRunTimeoutSeconds
	}
	if out.DefaultTimeout > MaxRunTimeoutSeconds {
		out.DefaultTimeout = MaxRunTimeoutSeconds
	}
	if out.ScreenshotRetention < MinRetentionDays {
		out.ScreenshotRetention = MinRetentionDays
	}
	return out
}

// Timeout returns the per-run execution timeout as a duration.
func (s AutomationSettings) Timeout() time.Duration {
	return time.Duration(s.DefaultTimeout) * time.Second
}

// JobApplyRequest is the request body for starting an immediate job-apply run.
type JobApplyRequest struct {
	JobURL        string            `json:"jobUrl" validate:"required,min=1"`
	ResumeID      string            `json:"resumeId" validate:"required,min=1"`
	CoverLetterID string            `json:"coverLetterId,omitempty" validate:"omitempty,min=1"`
	JobID         string            `json:"jobId,omitempty" validate:"omitempty,min=1"`
	CustomAnswers map[string]string `json:"customAnswers,omitempty"`
}

// ScheduleJobApplyRequest is the request body for scheduling a future job-apply run.
type ScheduleJobApplyRequest struct {
	JobApplyRequest
	RunAt string `json:"runAt" validate:"required,min=1"`
}

// EmailResponseRequest is the request body for generating an email reply.
type EmailResponseRequest struct {
	Subject string `json:"subject" validate:"required,max=200"`
	Message string `json:"message" validate:"required,max=12000"`
	Sender  string `json:"sender,omitempty" validate:"omitempty,max=200"`
	Tone    string `json:"tone,omitempty" validate:"omitempty,oneof=professional friendly concise"`
}

// Validate validates the JobApplyRequest using the validator.
func (r *JobApplyRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Validate validates the ScheduleJobApplyRequest using the validator.
func (r *ScheduleJobApplyRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Validate validates the EmailResponseRequest using the validator.
func (r *EmailResponseRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// JobApplyInput is the normalized payload persisted as a job-apply run's input.
// RunAt is set only for scheduled runs and doubles as the schedule metadata
// the scheduler recovers from after a restart.
type JobApplyInput struct {
	JobURL        string            `json:"jobUrl"`
	ResumeID      string            `json:"resumeId"`
	CoverLetterID string            `json:"coverLetterId,omitempty"`
	JobID         string            `json:"jobId,omitempty"`
	CustomAnswers map[string]string `json:"customAnswers,omitempty"`
	RunAt         string            `json:"runAt,omitempty"`
}

// Resume is a stored resume document, shipped whole to the worker process so
// it can fill application forms without a database round trip.
type Resume struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// CoverLetter is a stored cover letter document.
type CoverLetter struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ProgressEvent is an incremental status update streamed from a worker
// process during execution. Events are ephemeral and never stored as rows.
type ProgressEvent struct {
	Type       string `json:"type"`
	RunID      string `json:"runId,omitempty"`
	Action     string `json:"action,omitempty"`
	Step       *int   `json:"step,omitempty"`
	TotalSteps *int   `json:"totalSteps,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
}
