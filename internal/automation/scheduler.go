package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/job-autopilot/internal/types"
)

// Scheduler retry policy under concurrency saturation: bounded exponential
// backoff, then a terminal error run. An unbounded retry loop would pin a
// saturated system forever.
const (
	schedulerRetryBase  = 15 * time.Second
	schedulerMaxRetries = 5
)

// Scheduler owns the process-local timer table for future-dated runs. The
// table is a cache: it is rebuilt from the Run Store on Start, so scheduled
// runs survive restarts with at-least-once semantics.
type Scheduler struct {
	orch *Orchestrator

	mu      sync.Mutex
	timers  map[uuid.UUID]*time.Timer
	stopped bool

	// retryBase is overridable in tests.
	retryBase time.Duration
}

// NewScheduler creates a scheduler bound to an orchestrator. Timers are armed
// via Arm or by Start's recovery pass.
func NewScheduler(orch *Orchestrator) *Scheduler {
	return &Scheduler{
		orch:      orch,
		timers:    make(map[uuid.UUID]*time.Timer),
		retryBase: schedulerRetryBase,
	}
}

// Start re-arms a timer for every pending run whose input carries schedule
// metadata. Runs whose runAt elapsed while the process was down fire
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	runs, err := s.orch.store.ListPendingScheduledRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover scheduled runs: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		runAt, err := scheduledFor(run)
		if err != nil {
			log.Printf("[scheduler] run %s: %v", run.ID, err)
			s.orch.failRun(ctx, run.ID, "scheduled run has unreadable schedule metadata")
			continue
		}
		s.Arm(run.ID, runAt)
		recovered++
	}
	if recovered > 0 {
		log.Printf("[scheduler] recovered %d scheduled run(s)", recovered)
	}
	return nil
}

// Arm schedules a fire at runAt, replacing any existing timer for the run.
// Times already in the past fire immediately.
func (s *Scheduler) Arm(runID uuid.UUID, runAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if existing, ok := s.timers[runID]; ok {
		existing.Stop()
	}

	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[runID] = time.AfterFunc(delay, func() {
		s.fire(runID, 0)
	})
}

// Cancel disarms a run's timer. Safe to call for runs that were never armed
// or whose timer already fired.
func (s *Scheduler) Cancel(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[runID]; ok {
		timer.Stop()
		delete(s.timers, runID)
	}
}

// Shutdown stops every armed timer and refuses further arming.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// Armed returns the number of currently armed timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fire attempts execution through the orchestrator's normal admission path.
// When admission refuses, the run is not dropped: it is re-armed with
// exponential backoff until the retry budget is spent, at which point it
// becomes a terminal error run.
func (s *Scheduler) fire(runID uuid.UUID, attempt int) {
	s.mu.Lock()
	delete(s.timers, runID)
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	err := s.orch.fireScheduled(runID)
	if err == nil {
		return
	}

	var limitErr *ConcurrencyLimitError
	if errors.As(err, &limitErr) {
		if attempt+1 >= schedulerMaxRetries {
			log.Printf("[scheduler] run %s: giving up after %d admission retries", runID, attempt+1)
			s.orch.failRun(context.Background(), runID,
				fmt.Sprintf("scheduled run could not be admitted after %d attempts: %s", attempt+1, limitErr.Error()))
			return
		}
		backoff := s.retryBase << attempt
		log.Printf("[scheduler] run %s: admission refused (%s), retrying in %s", runID, limitErr.Error(), backoff)
		s.retryAfter(runID, attempt+1, backoff)
		return
	}

	log.Printf("[scheduler] run %s: failed to fire: %v", runID, err)
	s.orch.failRun(context.Background(), runID, "scheduled run failed to start")
}

// retryAfter re-arms the run's timer for a backoff retry, keeping the entry
// in the timer table so Cancel still works mid-backoff.
func (s *Scheduler) retryAfter(runID uuid.UUID, attempt int, backoff time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.timers[runID] = time.AfterFunc(backoff, func() {
		s.fire(runID, attempt)
	})
}

// scheduledFor extracts the runAt timestamp embedded in a scheduled run's input.
func scheduledFor(run types.AutomationRun) (time.Time, error) {
	var input types.JobApplyInput
	if err := run.InputAs(&input); err != nil {
		return time.Time{}, fmt.Errorf("unreadable input: %w", err)
	}
	if input.RunAt == "" {
		return time.Time{}, fmt.Errorf("missing runAt metadata")
	}
	runAt, err := time.Parse(time.RFC3339, input.RunAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid runAt %q: %w", input.RunAt, err)
	}
	return runAt, nil
}
