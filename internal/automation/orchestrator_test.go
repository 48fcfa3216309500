package automation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/job-autopilot/internal/rpa"
	"github.com/jonathan/job-autopilot/internal/types"
)

// fakeStore is an in-memory RunStore.
type fakeStore struct {
	mu           sync.Mutex
	runs         map[uuid.UUID]*types.AutomationRun
	resumes      map[string]*types.Resume
	coverLetters map[string]*types.CoverLetter
	settings     types.AutomationSettings
	insertErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs: make(map[uuid.UUID]*types.AutomationRun),
		resumes: map[string]*types.Resume{
			"resume-1": {ID: "resume-1", Name: "Backend Engineer", Content: "Jonathan. Eight years of Go and Postgres."},
		},
		coverLetters: map[string]*types.CoverLetter{
			"cover-1": {ID: "cover-1", Name: "Default", Content: "I'd be a great fit for this role."},
		},
		settings: types.DefaultAutomationSettings(),
	}
}

func (s *fakeStore) InsertRun(_ context.Context, run *types.AutomationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *fakeStore) GetRun(_ context.Context, id uuid.UUID) (*types.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	clone := *run
	return &clone, nil
}

func (s *fakeStore) ListRuns(_ context.Context, filters types.RunFilters) ([]types.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AutomationRun
	for _, run := range s.runs {
		if filters.Type != "" && run.Type != filters.Type {
			continue
		}
		if filters.Status != "" && run.Status != filters.Status {
			continue
		}
		out = append(out, *run)
	}
	return out, nil
}

func (s *fakeStore) UpdateRun(_ context.Context, id uuid.UUID, update types.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return errors.New("run not found")
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Screenshots != nil {
		run.Screenshots = update.Screenshots
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.Progress != nil {
		run.Progress = update.Progress
	}
	if update.CurrentStep != nil {
		run.CurrentStep = update.CurrentStep
	}
	if update.TotalSteps != nil {
		run.TotalSteps = update.TotalSteps
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) ListPendingScheduledRuns(_ context.Context) ([]types.AutomationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AutomationRun
	for _, run := range s.runs {
		if run.Status != types.RunStatusPending {
			continue
		}
		var input types.JobApplyInput
		if err := run.InputAs(&input); err != nil || input.RunAt == "" {
			continue
		}
		out = append(out, *run)
	}
	return out, nil
}

func (s *fakeStore) ResumeExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes[id] != nil, nil
}

func (s *fakeStore) CoverLetterExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coverLetters[id] != nil, nil
}

func (s *fakeStore) GetResume(_ context.Context, id string) (*types.Resume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resume, ok := s.resumes[id]
	if !ok {
		return nil, nil
	}
	clone := *resume
	return &clone, nil
}

func (s *fakeStore) GetCoverLetter(_ context.Context, id string) (*types.CoverLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.coverLetters[id]
	if !ok {
		return nil, nil
	}
	clone := *letter
	return &clone, nil
}

func (s *fakeStore) AutomationSettings(_ context.Context) (types.AutomationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *fakeStore) removeResume(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resumes, id)
}

func (s *fakeStore) setSettings(settings types.AutomationSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

func (s *fakeStore) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// fakeRunner delegates to a configurable function.
type fakeRunner struct {
	run func(ctx context.Context, script string, input any, settings types.AutomationSettings, onProgress rpa.ProgressCallback) (*rpa.Result, error)
}

func (r *fakeRunner) Run(ctx context.Context, script string, input any, settings types.AutomationSettings, onProgress rpa.ProgressCallback) (*rpa.Result, error) {
	return r.run(ctx, script, input, settings, onProgress)
}

// fakeHub records broadcast events.
type fakeHub struct {
	mu     sync.Mutex
	events []types.ProgressEvent
}

func (h *fakeHub) BroadcastProgress(_ string, event types.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *fakeHub) recorded() []types.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.ProgressEvent, len(h.events))
	copy(out, h.events)
	return out
}

// fakeCollector echoes back the base names it was given.
type fakeCollector struct {
	names []string
	err   error
}

func (c *fakeCollector) Collect(_ string, sources []string) ([]string, error) {
	if c.names != nil || c.err != nil {
		return c.names, c.err
	}
	return sources, nil
}

// fakeReplier returns a canned reply.
type fakeReplier struct {
	reply string
	err   error
}

func (r *fakeReplier) GenerateReply(_ context.Context, _ types.EmailResponseRequest) (string, string, string, error) {
	if r.err != nil {
		return "", "", "", r.err
	}
	return r.reply, "gemini", "gemini-2.0-flash", nil
}

func successRunner(screenshots []string) *fakeRunner {
	return &fakeRunner{
		run: func(_ context.Context, _ string, _ any, _ types.AutomationSettings, _ rpa.ProgressCallback) (*rpa.Result, error) {
			return &rpa.Result{Success: true, Screenshots: screenshots}, nil
		},
	}
}

func newTestOrchestrator(store *fakeStore, runner *fakeRunner) (*Orchestrator, *fakeHub) {
	hub := &fakeHub{}
	orch := New(Config{
		Store:       store,
		Runner:      runner,
		Screenshots: &fakeCollector{},
		Hub:         hub,
		Replier:     &fakeReplier{reply: "Thanks, I'm available Tuesday."},
	})
	return orch, hub
}

func validJobApply() types.JobApplyRequest {
	return types.JobApplyRequest{
		JobURL:   "https://boards.example.com/jobs/123",
		ResumeID: "resume-1",
	}
}

func waitForTerminal(t *testing.T, store *fakeStore, id uuid.UUID) *types.AutomationRun {
	t.Helper()
	var run *types.AutomationRun
	require.Eventually(t, func() bool {
		run, _ = store.GetRun(context.Background(), id)
		return run != nil && run.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)
	return run
}

func TestCreateJobApplyRun_Success(t *testing.T) {
	store := newFakeStore()
	orch, hub := newTestOrchestrator(store, successRunner([]string{"/tmp/worker/final.png"}))

	id, err := orch.CreateJobApplyRun(context.Background(), validJobApply())
	require.NoError(t, err)

	run := waitForTerminal(t, store, id)
	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, []string{"/tmp/worker/final.png"}, run.Screenshots)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)
	assert.Nil(t, run.Error)
	assert.NotEmpty(t, run.Output)

	assert.Equal(t, 0, orch.admission.InFlight())

	events := hub.recorded()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "complete", last.Type)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
}

func TestCreateJobApplyRun_WorkerReceivesDocuments(t *testing.T) {
	store := newFakeStore()
	var (
		mu      sync.Mutex
		request any
	)
	runner := &fakeRunner{
		run: func(_ context.Context, _ string, input any, _ types.AutomationSettings, _ rpa.ProgressCallback) (*rpa.Result, error) {
			mu.Lock()
			request = input
			mu.Unlock()
			return &rpa.Result{Success: true}, nil
		},
	}
	orch, _ := newTestOrchestrator(store, runner)

	req := validJobApply()
	req.CoverLetterID = "cover-1"
	req.CustomAnswers = map[string]string{"visa": "no sponsorship needed"}
	id, err := orch.CreateJobApplyRun(context.Background(), req)
	require.NoError(t, err)
	waitForTerminal(t, store, id)

	mu.Lock()
	payload, ok := request.(*jobApplyPayload)
	mu.Unlock()
	require.True(t, ok, "worker request has unexpected type %T", request)

	assert.Equal(t, "https://boards.example.com/jobs/123", payload.JobURL)
	require.NotNil(t, payload.Resume)
	assert.Equal(t, "resume-1", payload.Resume.ID)
	assert.Equal(t, "Jonathan. Eight years of Go and Postgres.", payload.Resume.Content)
	require.NotNil(t, payload.CoverLetter)
	assert.Equal(t, "I'd be a great fit for this role.", payload.CoverLetter.Content)
	assert.Equal(t, "no sponsorship needed", payload.CustomAnswers["visa"])
}

func TestCreateJobApplyRun_OmitsCoverLetterWhenNotRequested(t *testing.T) {
	store := newFakeStore()
	var (
		mu      sync.Mutex
		request any
	)
	runner := &fakeRunner{
		run: func(_ context.Context, _ string, input any, _ types.AutomationSettings, _ rpa.ProgressCallback) (*rpa.Result, error) {
			mu.Lock()
			request = input
			mu.Unlock()
			return &rpa.Result{Success: true}, nil
		},
	}
	orch, _ := newTestOrchestrator(store, runner)

	id, err := orch.CreateJobApplyRun(context.Background(), validJobApply())
	require.NoError(t, err)
	waitForTerminal(t, store, id)

	mu.Lock()
	payload, ok := request.(*jobApplyPayload)
	mu.Unlock()
	require.True(t, ok)
	require.NotNil(t, payload.Resume)
	assert.Nil(t, payload.CoverLetter)
}

func TestExecute_ResumeRemovedBeforeExecutionFailsRun(t *testing.T) {
	store := newFakeStore()
	var workerCalled bool
	runner := &fakeRunner{
		run: func(_ context.Context, _ string, _ any, _ types.AutomationSettings, _ rpa.ProgressCallback) (*rpa.Result, error) {
			workerCalled = true
			return &rpa.Result{Success: true}, nil
		},
	}
	orch, _ := newTestOrchestrator(store, runner)

	input := types.JobApplyInput{
		JobURL:   "https://boards.example.com/jobs/123",
		ResumeID: "resume-1",
	}
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	now := time.Now().UTC()
	run := &types.AutomationRun{
		ID:        uuid.New(),
		Type:      types.RunTypeJobApply,
		Status:    types.RunStatusPending,
		Input:     raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.InsertRun(context.Background(), run))

	// The resume disappears between admission and execution.
	store.removeResume("resume-1")

	require.NoError(t, orch.admission.Acquire(1))
	orch.execute(run.ID, input, types.DefaultAutomationSettings())

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.RunStatusError, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "resume-1 no longer exists")
	assert.NotNil(t, got.CompletedAt)
	assert.False(t, workerCalled)
	assert.Equal(t, 0, orch.admission.InFlight())
}

func TestCreateJobApplyRun_InvalidRequestPersistsNothing(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))

	req := validJobApply()
	req.JobURL = "http://169.254.169.254/latest/meta-data"
	_, err := orch.CreateJobApplyRun(context.Background(), req)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, 0, store.runCount())
	assert.Equal(t, 0, orch.admission.InFlight())
}

func TestCreateJobApplyRun_MissingDependencies(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))

	t.Run("resume", func(t *testing.T) {
		req := validJobApply()
		req.ResumeID = "missing"
		_, err := orch.CreateJobApplyRun(context.Background(), req)
		var depErr *DependencyMissingError
		require.ErrorAs(t, err, &depErr)
		assert.Equal(t, "resume", depErr.Resource)
	})

	t.Run("cover letter", func(t *testing.T) {
		req := validJobApply()
		req.CoverLetterID = "missing"
		_, err := orch.CreateJobApplyRun(context.Background(), req)
		var depErr *DependencyMissingError
		require.ErrorAs(t, err, &depErr)
		assert.Equal(t, "cover letter", depErr.Resource)
	})

	assert.Equal(t, 0, store.runCount())
}

func TestCreateJobApplyRun_ConcurrencyLimit(t *testing.T) {
	store := newFakeStore()
	release := make(chan struct{})
	blocked := make(chan struct{})
	var blockedOnce sync.Once
	runner := &fakeRunner{
		run: func(_ context.Context, _ string, _ any, _ types.AutomationSettings, _ rpa.ProgressCallback) (*rpa.Result, error) {
			blockedOnce.Do(func() { close(blocked) })
			<-release
			return &rpa.Result{Success: true}, nil
		},
	}
	orch, _ := newTestOrchestrator(store, runner)

	first, err := orch.CreateJobApplyRun(context.Background(), validJobApply())
	require.NoError(t, err)
	<-blocked

	_, err = orch.CreateJobApplyRun(context.Background(), validJobApply())
	var limitErr *ConcurrencyLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 1, limitErr.MaxConcurrentRuns)

	// The refused request must not leave a row behind.
	assert.Equal(t, 1, store.runCount())

	close(release)
	waitForTerminal(t, store, first)

	// Slot freed; a new run is admitted.
	_, err = orch.CreateJobApplyRun(context.Background(), validJobApply())
	require.NoError(t, err)
}

func TestCreateJobApplyRun_WorkerFailure(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{
		run: func(_ context.Context, _ string, _ any, _ types.AutomationSettings, _ rpa.ProgressCallback) (*rpa.Result, error) {
			return nil, errors.New("worker apply_job_rpa.py failed (exit status 1)")
		},
	}
	orch, hub := newTestOrchestrator(store, runner)

	id, err := orch.CreateJobApplyRun(context.Background(), validJobApply())
	require.NoError(t, err)

	run := waitForTerminal(t, store, id)
	assert.Equal(t, types.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "exit status 1")
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, 0, orch.admission.InFlight())

	events := hub.recorded()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.NotNil(t, last.Success)
	assert.False(t, *last.Success)
}

func TestCreateJobApplyRun_WorkerReportedFailure(t *testing.T) {
	store := newFakeStore()
	message := "submit button never appeared"
	runner := &fakeRunner{
		run: func(_ context.Context, _ string, _ any, _ types.AutomationSettings, _ rpa.ProgressCallback) (*rpa.Result, error) {
			return &rpa.Result{Success: false, Error: &message}, nil
		},
	}
	orch, _ := newTestOrchestrator(store, runner)

	id, err := orch.CreateJobApplyRun(context.Background(), validJobApply())
	require.NoError(t, err)

	run := waitForTerminal(t, store, id)
	assert.Equal(t, types.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, message, *run.Error)
}

func TestCreateJobApplyRun_ProgressIsPersistedAndBroadcast(t *testing.T) {
	store := newFakeStore()
	step2, total := 2, 4
	runner := &fakeRunner{
		run: func(_ context.Context, _ string, _ any, _ types.AutomationSettings, onProgress rpa.ProgressCallback) (*rpa.Result, error) {
			one := 1
			onProgress(types.ProgressEvent{Type: "progress", Action: "navigate", Step: &one, TotalSteps: &total})
			onProgress(types.ProgressEvent{Type: "progress", Action: "fill_form", Step: &step2, TotalSteps: &total})
			return &rpa.Result{Success: true}, nil
		},
	}
	orch, hub := newTestOrchestrator(store, runner)

	id, err := orch.CreateJobApplyRun(context.Background(), validJobApply())
	require.NoError(t, err)
	run := waitForTerminal(t, store, id)

	require.NotNil(t, run.CurrentStep)
	assert.Equal(t, 2, *run.CurrentStep)
	require.NotNil(t, run.TotalSteps)
	assert.Equal(t, 4, *run.TotalSteps)
	require.NotNil(t, run.Progress)
	assert.Equal(t, 50, *run.Progress)

	events := hub.recorded()
	require.Len(t, events, 3)
	assert.Equal(t, "navigate", events[0].Action)
	assert.Equal(t, "fill_form", events[1].Action)
	assert.Equal(t, "complete", events[2].Type)
	for _, event := range events {
		assert.Equal(t, id.String(), event.RunID)
	}
}

func TestCreateScheduledJobApplyRun(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()

	req := types.ScheduleJobApplyRequest{
		JobApplyRequest: validJobApply(),
		RunAt:           time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	id, runAt, err := orch.CreateScheduledJobApplyRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, runAt.After(time.Now()))

	run, err := store.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, types.RunStatusPending, run.Status)

	var input types.JobApplyInput
	require.NoError(t, run.InputAs(&input))
	assert.NotEmpty(t, input.RunAt)

	assert.Equal(t, 1, orch.Scheduler().Armed())
	// No slot is held while the run waits for its timer.
	assert.Equal(t, 0, orch.admission.InFlight())
}

func TestCreateScheduledJobApplyRun_RejectsPastTime(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))

	req := types.ScheduleJobApplyRequest{
		JobApplyRequest: validJobApply(),
		RunAt:           time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	_, _, err := orch.CreateScheduledJobApplyRun(context.Background(), req)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, 0, store.runCount())
}

func TestRunEmailResponse_Success(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))

	result, err := orch.RunEmailResponse(context.Background(), types.EmailResponseRequest{
		Subject: "Interview availability",
		Message: "Are you free next week for a phone screen?",
		Tone:    "professional",
	})
	require.NoError(t, err)
	assert.Equal(t, "Thanks, I'm available Tuesday.", result.Reply)
	assert.Equal(t, "gemini", result.Provider)

	run, err := store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, types.RunTypeEmail, run.Type)
	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)
}

func TestRunEmailResponse_GenerationFailureLeavesNoRow(t *testing.T) {
	store := newFakeStore()
	hub := &fakeHub{}
	orch := New(Config{
		Store:       store,
		Runner:      successRunner(nil),
		Screenshots: &fakeCollector{},
		Hub:         hub,
		Replier:     &fakeReplier{err: errors.New("model unavailable")},
	})

	_, err := orch.RunEmailResponse(context.Background(), types.EmailResponseRequest{
		Subject: "Interview availability",
		Message: "Are you free next week?",
	})
	require.Error(t, err)
	assert.Equal(t, 0, store.runCount())
}

func TestRunEmailResponse_Validation(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))

	_, err := orch.RunEmailResponse(context.Background(), types.EmailResponseRequest{
		Subject: "No body",
	})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestGetRun_NotFound(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))

	_, err := orch.GetRun(context.Background(), uuid.New())
	var notFoundErr *RunNotFoundError
	require.ErrorAs(t, err, &notFoundErr)
}

func TestListRuns_FilterValidation(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))

	_, err := orch.ListRuns(context.Background(), "teleport", "")
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	_, err = orch.ListRuns(context.Background(), "", "exploded")
	require.ErrorAs(t, err, &validationErr)

	runs, err := orch.ListRuns(context.Background(), "job_apply", "pending")
	require.NoError(t, err)
	assert.Empty(t, runs)
}
