package automation

import (
	"sync"
)

// AdmissionController gates run execution against the configured concurrency
// ceiling. Slots are reserved synchronously at creation (or scheduler fire)
// time and released when the run reaches a terminal state, so two concurrent
// admission checks can never both claim the last slot.
type AdmissionController struct {
	mu       sync.Mutex
	inFlight int
}

// NewAdmissionController creates an admission controller with no runs in flight.
func NewAdmissionController() *AdmissionController {
	return &AdmissionController{}
}

// Acquire reserves an execution slot. It returns a ConcurrencyLimitError
// without reserving anything when maxConcurrent slots are already taken.
func (c *AdmissionController) Acquire(maxConcurrent int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight >= maxConcurrent {
		return &ConcurrencyLimitError{
			RunningRuns:       c.inFlight,
			MaxConcurrentRuns: maxConcurrent,
		}
	}
	c.inFlight++
	return nil
}

// Release frees a slot reserved by Acquire. Safe to call from any goroutine;
// releasing below zero is clamped so a double release cannot corrupt the gate.
func (c *AdmissionController) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
}

// InFlight returns the number of currently reserved slots.
func (c *AdmissionController) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
