package automation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/job-autopilot/internal/types"
)

func insertScheduledRun(t *testing.T, store *fakeStore, runAt string) uuid.UUID {
	t.Helper()
	raw, err := json.Marshal(types.JobApplyInput{
		JobURL:   "https://boards.example.com/jobs/123",
		ResumeID: "resume-1",
		RunAt:    runAt,
	})
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
	return run.ID
}

func TestScheduler_FiresArmedRun(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()

	id := insertScheduledRun(t, store, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	orch.Scheduler().Arm(id, time.Now().Add(20*time.Millisecond))

	run := waitForTerminal(t, store, id)
	assert.Equal(t, types.RunStatusSuccess, run.Status)
	assert.Equal(t, 0, orch.Scheduler().Armed())
	assert.Equal(t, 0, orch.admission.InFlight())
}

func TestScheduler_DoesNotFireEarly(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()

	id := insertScheduledRun(t, store, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	orch.Scheduler().Arm(id, time.Now().Add(250*time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	run, err := store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPending, run.Status)

	waitForTerminal(t, store, id)
}

func TestScheduler_StartRecoversOverdueRuns(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()

	// Scheduled before a restart, overdue by the time we come back up.
	id := insertScheduledRun(t, store, time.Now().Add(-time.Minute).UTC().Format(time.RFC3339))

	require.NoError(t, orch.Start(context.Background()))

	run := waitForTerminal(t, store, id)
	assert.Equal(t, types.RunStatusSuccess, run.Status)
}

func TestScheduler_StartFailsRunsWithBadMetadata(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()

	id := insertScheduledRun(t, store, "not-a-timestamp")

	require.NoError(t, orch.Start(context.Background()))

	run := waitForTerminal(t, store, id)
	assert.Equal(t, types.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "schedule metadata")
}

func TestScheduler_Cancel(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()

	id := insertScheduledRun(t, store, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	orch.Scheduler().Arm(id, time.Now().Add(time.Hour))
	assert.Equal(t, 1, orch.Scheduler().Armed())

	orch.Scheduler().Cancel(id)
	assert.Equal(t, 0, orch.Scheduler().Armed())

	// Cancelling an unknown run is a no-op.
	orch.Scheduler().Cancel(uuid.New())

	run, err := store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPending, run.Status)
}

func TestScheduler_RetriesWhenSaturated(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()
	orch.Scheduler().retryBase = 20 * time.Millisecond

	// Hold the only slot so the first fire is refused.
	require.NoError(t, orch.admission.Acquire(1))

	id := insertScheduledRun(t, store, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	orch.Scheduler().Arm(id, time.Now())

	// Let at least one admission attempt fail, then free the slot.
	time.Sleep(10 * time.Millisecond)
	run, err := store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPending, run.Status)
	orch.admission.Release()

	run = waitForTerminal(t, store, id)
	assert.Equal(t, types.RunStatusSuccess, run.Status)
}

func TestScheduler_GivesUpAfterRetryBudget(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()
	orch.Scheduler().retryBase = time.Millisecond

	// Saturated for the whole test.
	require.NoError(t, orch.admission.Acquire(1))
	defer orch.admission.Release()

	id := insertScheduledRun(t, store, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	orch.Scheduler().Arm(id, time.Now())

	run := waitForTerminal(t, store, id)
	assert.Equal(t, types.RunStatusError, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "could not be admitted")
}

func TestScheduler_FireSkipsNonPendingRuns(t *testing.T) {
	store := newFakeStore()
	orch, _ := newTestOrchestrator(store, successRunner(nil))
	defer orch.Shutdown()

	id := insertScheduledRun(t, store, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	failed := types.RunStatusError
	message := "cancelled"
	now := time.Now().UTC()
	require.NoError(t, store.UpdateRun(context.Background(), id, types.RunUpdate{
		Status: &failed, Error: &message, CompletedAt: &now,
	}))

	orch.Scheduler().Arm(id, time.Now())
	time.Sleep(50 * time.Millisecond)

	run, err := store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusError, run.Status)
	assert.Equal(t, 0, orch.admission.InFlight())
}
