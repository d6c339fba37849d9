package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a new StepClock.
var Epoch = time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)

// StepClock is a deterministic wall clock for tests.
//
// Each call to Now returns the previous instant plus Step, starting at Epoch.
// Journal rows and run summaries stamped with a StepClock are identical
// across test runs, which keeps golden comparisons stable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	next time.Time
	Step time.Duration
}

// NewStepClock creates a clock starting at Epoch advancing one second per call.
func NewStepClock() *StepClock {
	return &StepClock{next: Epoch, Step: time.Second}
}

// Now returns the current instant and advances the clock by Step.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.Step)
	return now
}

// Reset rewinds the clock to Epoch.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = Epoch
}
