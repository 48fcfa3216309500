package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/job-autopilot/internal/rpa"
	"github.com/jonathan/job-autopilot/internal/types"
)

// JobApplyScript is the worker script that fills out job application forms.
const JobApplyScript = "apply_job_rpa.py"

// runHistoryLimit is the default cap for run listings.
const runHistoryLimit = 50

// RunStore is the persistence contract the orchestrator depends on. The
// store is the single source of truth for run status; everything the
// orchestrator keeps in memory (admission slots, timers, subscribers) is a
// cache rebuilt from it.
type RunStore interface {
	InsertRun(ctx context.Context, run *types.AutomationRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.AutomationRun, error)
	ListRuns(ctx context.Context, filters types.RunFilters) ([]types.AutomationRun, error)
	UpdateRun(ctx context.Context, id uuid.UUID, update types.RunUpdate) error
	ListPendingScheduledRuns(ctx context.Context) ([]types.AutomationRun, error)
	ResumeExists(ctx context.Context, id string) (bool, error)
	CoverLetterExists(ctx context.Context, id string) (bool, error)
	GetResume(ctx context.Context, id string) (*types.Resume, error)
	GetCoverLetter(ctx context.Context, id string) (*types.CoverLetter, error)
	AutomationSettings(ctx context.Context) (types.AutomationSettings, error)
}

// Broadcaster fans progress events out to live subscribers.
type Broadcaster interface {
	BroadcastProgress(runID string, event types.ProgressEvent)
}

// ScreenshotCollector copies worker-produced screenshot files into the
// managed per-run directory and returns the stored names.
type ScreenshotCollector interface {
	Collect(runID string, sources []string) ([]string, error)
}

// EmailReplier generates a reply for an inbound email. Implemented by the
// LLM client; the orchestrator treats it as an opaque call returning text.
type EmailReplier interface {
	GenerateReply(ctx context.Context, req types.EmailResponseRequest) (reply, provider, model string, err error)
}

// Config wires an Orchestrator's collaborators.
type Config struct {
	Store       RunStore
	Runner      rpa.Runner
	Screenshots ScreenshotCollector
	Hub         Broadcaster
	Replier     EmailReplier
}

// Orchestrator drives the automation run lifecycle: admission, persistence,
// worker execution, progress fan-out, and terminal transitions. It is the
// only component callers interact with.
type Orchestrator struct {
	store       RunStore
	runner      rpa.Runner
	screenshots ScreenshotCollector
	hub         Broadcaster
	replier     EmailReplier
	admission   *AdmissionController
	scheduler   *Scheduler
}

// New creates an orchestrator and its scheduler. Call Start to arm recovery
// timers and Shutdown to release them.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:       cfg.Store,
		runner:      cfg.Runner,
		screenshots: cfg.Screenshots,
		hub:         cfg.Hub,
		replier:     cfg.Replier,
		admission:   NewAdmissionController(),
	}
	o.scheduler = NewScheduler(o)
	return o
}

// Scheduler exposes the orchestrator's scheduler for cancellation.
func (o *Orchestrator) Scheduler() *Scheduler {
	return o.scheduler
}

// Start recovers scheduled runs persisted before the last shutdown.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.scheduler.Start(ctx)
}

// Shutdown stops all armed timers. In-flight runs finish on their own.
func (o *Orchestrator) Shutdown() {
	o.scheduler.Shutdown()
}

// CreateJobApplyRun validates the payload, checks dependencies and admission,
// inserts a pending run, and starts execution asynchronously. The returned id
// is observable via polling immediately.
func (o *Orchestrator) CreateJobApplyRun(ctx context.Context, req types.JobApplyRequest) (uuid.UUID, error) {
	input, err := o.sanitizeJobApply(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}

	settings := o.settings(ctx)
	if err := o.admission.Acquire(settings.MaxConcurrentRuns); err != nil {
		return uuid.Nil, err
	}

	run, err := o.insertJobApplyRun(ctx, input)
	if err != nil {
		o.admission.Release()
		return uuid.Nil, err
	}

	go o.execute(run.ID, input, settings)
	return run.ID, nil
}

// CreateScheduledJobApplyRun validates the payload and schedule time, inserts
// a pending run whose input embeds the schedule metadata, and arms a timer.
// Admission is checked when the timer fires, not at creation.
func (o *Orchestrator) CreateScheduledJobApplyRun(ctx context.Context, req types.ScheduleJobApplyRequest) (uuid.UUID, time.Time, error) {
	input, err := o.sanitizeJobApply(ctx, req.JobApplyRequest)
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}
	runAt, err := ParseRunAt(req.RunAt, time.Now())
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}
	input.RunAt = runAt.UTC().Format(time.RFC3339)

	run, err := o.insertJobApplyRun(ctx, input)
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}

	o.scheduler.Arm(run.ID, runAt)
	log.Printf("[automation] scheduled run %s for %s", run.ID, runAt.Format(time.RFC3339))
	return run.ID, runAt, nil
}

// EmailResponseResult is the synchronous outcome of the email flow.
type EmailResponseResult struct {
	RunID    uuid.UUID `json:"runId"`
	Status   string    `json:"status"`
	Reply    string    `json:"reply"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
}

// RunEmailResponse generates an email reply synchronously. The run row is
// created directly in the success state; if generation fails, no row is
// created and the error surfaces to the caller.
func (o *Orchestrator) RunEmailResponse(ctx context.Context, req types.EmailResponseRequest) (*EmailResponseResult, error) {
	if err := req.Validate(); err != nil {
		return nil, asValidationError(err)
	}

	reply, provider, model, err := o.replier.GenerateReply(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate email reply: %w", err)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode email input: %w", err)
	}
	output, err := json.Marshal(map[string]string{
		"reply":    reply,
		"provider": provider,
		"model":    model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode email output: %w", err)
	}

	now := time.Now().UTC()
	run := &types.AutomationRun{
		ID:          uuid.New(),
		Type:        types.RunTypeEmail,
		Status:      types.RunStatusSuccess,
		Input:       input,
		Output:      output,
		StartedAt:   &now,
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist email run: %w", err)
	}

	return &EmailResponseResult{
		RunID:    run.ID,
		Status:   string(types.RunStatusSuccess),
		Reply:    reply,
		Provider: provider,
		Model:    model,
	}, nil
}

// GetRun returns a run by id or a RunNotFoundError.
func (o *Orchestrator) GetRun(ctx context.Context, id uuid.UUID) (*types.AutomationRun, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &RunNotFoundError{RunID: id.String()}
	}
	return run, nil
}

// ListRuns returns recent runs, optionally filtered by type and status.
func (o *Orchestrator) ListRuns(ctx context.Context, runType, status string) ([]types.AutomationRun, error) {
	filters := types.RunFilters{Limit: runHistoryLimit}
	if runType != "" {
		if !types.ValidRunType(runType) {
			return nil, &ValidationError{Field: "type", Message: "unknown run type"}
		}
		filters.Type = types.RunType(runType)
	}
	if status != "" {
		if !types.ValidRunStatus(status) {
			return nil, &ValidationError{Field: "status", Message: "unknown run status"}
		}
		filters.Status = types.RunStatus(status)
	}
	return o.store.ListRuns(ctx, filters)
}

// sanitizeJobApply validates the request and asserts the referenced resume
// and cover letter exist. Nothing is persisted when it fails.
func (o *Orchestrator) sanitizeJobApply(ctx context.Context, req types.JobApplyRequest) (types.JobApplyInput, error) {
	var input types.JobApplyInput

	if err := req.Validate(); err != nil {
		return input, asValidationError(err)
	}

	jobURL, err := SanitizeJobURL(req.JobURL)
	if err != nil {
		return input, err
	}
	answers, err := SanitizeCustomAnswers(req.CustomAnswers)
	if err != nil {
		return input, err
	}

	exists, err := o.store.ResumeExists(ctx, req.ResumeID)
	if err != nil {
		return input, fmt.Errorf("failed to check resume: %w", err)
	}
	if !exists {
		return input, &DependencyMissingError{Resource: "resume", ResourceID: req.ResumeID}
	}
	if req.CoverLetterID != "" {
		exists, err := o.store.CoverLetterExists(ctx, req.CoverLetterID)
		if err != nil {
			return input, fmt.Errorf("failed to check cover letter: %w", err)
		}
		if !exists {
			return input, &DependencyMissingError{Resource: "cover letter", ResourceID: req.CoverLetterID}
		}
	}

	return types.JobApplyInput{
		JobURL:        jobURL,
		ResumeID:      req.ResumeID,
		CoverLetterID: req.CoverLetterID,
		JobID:         req.JobID,
		CustomAnswers: answers,
	}, nil
}

// insertJobApplyRun persists a pending job-apply run.
func (o *Orchestrator) insertJobApplyRun(ctx context.Context, input types.JobApplyInput) (*types.AutomationRun, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run input: %w", err)
	}

	now := time.Now().UTC()
	run := &types.AutomationRun{
		ID:        uuid.New(),
		Type:      types.RunTypeJobApply,
		Status:    types.RunStatusPending,
		Input:     raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.JobID != "" {
		jobID := input.JobID
		run.JobID = &jobID
	}

	if err := o.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}
	return run, nil
}

// jobApplyPayload is the request document handed to the worker process. The
// referenced documents are embedded whole: the worker has no database access.
type jobApplyPayload struct {
	JobURL        string             `json:"jobUrl"`
	Resume        *types.Resume      `json:"resume"`
	CoverLetter   *types.CoverLetter `json:"coverLetter,omitempty"`
	JobID         string             `json:"jobId,omitempty"`
	CustomAnswers map[string]string  `json:"customAnswers,omitempty"`
}

// workerPayload resolves the run input into a full worker request. Documents
// are loaded at execution time, not creation time, so a scheduled run picks up
// edits made while it waited; a document deleted in the meantime fails the run.
func (o *Orchestrator) workerPayload(ctx context.Context, input types.JobApplyInput) (*jobApplyPayload, error) {
	resume, err := o.store.GetResume(ctx, input.ResumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load resume: %w", err)
	}
	if resume == nil {
		return nil, fmt.Errorf("resume %s no longer exists", input.ResumeID)
	}

	payload := &jobApplyPayload{
		JobURL:        input.JobURL,
		Resume:        resume,
		JobID:         input.JobID,
		CustomAnswers: input.CustomAnswers,
	}
	if input.CoverLetterID != "" {
		letter, err := o.store.GetCoverLetter(ctx, input.CoverLetterID)
		if err != nil {
			return nil, fmt.Errorf("failed to load cover letter: %w", err)
		}
		if letter == nil {
			return nil, fmt.Errorf("cover letter %s no longer exists", input.CoverLetterID)
		}
		payload.CoverLetter = letter
	}
	return payload, nil
}

// execute drives one run from pending to a terminal state. The admission slot
// reserved for the run is released when it completes. Runs survive caller
// contexts, so execution uses a background context throughout.
func (o *Orchestrator) execute(runID uuid.UUID, input types.JobApplyInput, settings types.AutomationSettings) {
	defer o.admission.Release()
	ctx := context.Background()

	started := time.Now().UTC()
	running := types.RunStatusRunning
	if err := o.store.UpdateRun(ctx, runID, types.RunUpdate{Status: &running, StartedAt: &started}); err != nil {
		log.Printf("[automation] run %s: failed to mark running: %v", runID, err)
		o.failRun(ctx, runID, "failed to start run")
		return
	}

	payload, err := o.workerPayload(ctx, input)
	if err != nil {
		log.Printf("[automation] run %s: %v", runID, err)
		o.failRun(ctx, runID, err.Error())
		return
	}

	result, err := o.runner.Run(ctx, JobApplyScript, payload, settings, func(event types.ProgressEvent) {
		o.handleProgress(ctx, runID, event)
	})
	if err != nil {
		log.Printf("[automation] run %s: worker failed: %v", runID, err)
		o.failRun(ctx, runID, err.Error())
		return
	}
	if !result.Success {
		message := "job application automation failed"
		if result.Error != nil && *result.Error != "" {
			message = *result.Error
		}
		o.failRun(ctx, runID, message)
		return
	}

	var names []string
	if settings.AutoSaveScreenshots && len(result.Screenshots) > 0 {
		names, err = o.screenshots.Collect(runID.String(), result.Screenshots)
		if err != nil {
			// Artifact loss is not fatal; the run still has its result.
			log.Printf("[automation] run %s: screenshot collection incomplete: %v", runID, err)
		}
	}

	output, err := json.Marshal(result)
	if err != nil {
		o.failRun(ctx, runID, "failed to encode run output")
		return
	}

	completed := time.Now().UTC()
	success := types.RunStatusSuccess
	update := types.RunUpdate{
		Status:      &success,
		Output:      output,
		Screenshots: names,
		CompletedAt: &completed,
	}
	if err := o.store.UpdateRun(ctx, runID, update); err != nil {
		log.Printf("[automation] run %s: failed to record success: %v", runID, err)
		return
	}

	succeeded := true
	o.hub.BroadcastProgress(runID.String(), types.ProgressEvent{
		Type:    "complete",
		RunID:   runID.String(),
		Success: &succeeded,
	})
	log.Printf("[automation] run %s: completed with %d screenshots", runID, len(names))
}

// handleProgress persists incremental progress best-effort and forwards the
// event to subscribers. A persistence failure here must not abort the run.
func (o *Orchestrator) handleProgress(ctx context.Context, runID uuid.UUID, event types.ProgressEvent) {
	event.RunID = runID.String()

	update := types.RunUpdate{
		CurrentStep: event.Step,
		TotalSteps:  event.TotalSteps,
	}
	if event.Step != nil && event.TotalSteps != nil && *event.TotalSteps > 0 {
		percent := *event.Step * 100 / *event.TotalSteps
		update.Progress = &percent
	}
	if update.Progress != nil || update.CurrentStep != nil || update.TotalSteps != nil {
		if err := o.store.UpdateRun(ctx, runID, update); err != nil {
			log.Printf("[automation] run %s: progress update failed: %v", runID, err)
		}
	}

	o.hub.BroadcastProgress(runID.String(), event)
}

// failRun records a terminal error state and notifies subscribers. A failed
// run is never silently lost: the error message is always non-empty.
func (o *Orchestrator) failRun(ctx context.Context, runID uuid.UUID, message string) {
	if message == "" {
		message = "automation run failed"
	}
	completed := time.Now().UTC()
	failed := types.RunStatusError
	update := types.RunUpdate{
		Status:      &failed,
		Error:       &message,
		CompletedAt: &completed,
	}
	if err := o.store.UpdateRun(ctx, runID, update); err != nil {
		log.Printf("[automation] run %s: failed to record error state: %v", runID, err)
		return
	}

	succeeded := false
	o.hub.BroadcastProgress(runID.String(), types.ProgressEvent{
		Type:    "complete",
		RunID:   runID.String(),
		Success: &succeeded,
		Error:   message,
	})
}

// fireScheduled is the scheduler's entry point into the normal execution
// path. A ConcurrencyLimitError is returned unwrapped so the scheduler can
// back off and retry; any other outcome consumes the run.
func (o *Orchestrator) fireScheduled(runID uuid.UUID) error {
	ctx := context.Background()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load scheduled run: %w", err)
	}
	if run == nil || run.Status != types.RunStatusPending {
		// Cancelled or already picked up; nothing to do.
		return nil
	}

	var input types.JobApplyInput
	if err := json.Unmarshal(run.Input, &input); err != nil {
		o.failRun(ctx, runID, "scheduled run has unreadable input")
		return nil
	}

	settings := o.settings(ctx)
	if err := o.admission.Acquire(settings.MaxConcurrentRuns); err != nil {
		return err
	}

	go o.execute(runID, input, settings)
	return nil
}

// settings reads the automation settings, falling back to defaults so a
// broken settings row cannot stop run processing.
func (o *Orchestrator) settings(ctx context.Context) types.AutomationSettings {
	settings, err := o.store.AutomationSettings(ctx)
	if err != nil {
		log.Printf("[automation] falling back to default settings: %v", err)
		settings = types.DefaultAutomationSettings()
	}
	return settings.Normalized()
}

// asValidationError converts validator failures into the engine's error type.
func asValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		return &ValidationError{Field: first.Field(), Message: fmt.Sprintf("failed %s validation", first.Tag())}
	}
	return &ValidationError{Message: err.Error()}
}
