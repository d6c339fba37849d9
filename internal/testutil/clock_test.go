package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClock_StartsAtEpoch(t *testing.T) {
	clock := NewStepClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestStepClock_AdvancesByStep(t *testing.T) {
	clock := NewStepClock()

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	assert.Equal(t, time.Second, second.Sub(first))
	assert.Equal(t, time.Second, third.Sub(second))
}

func TestStepClock_CustomStep(t *testing.T) {
	clock := NewStepClock()
	clock.Step = time.Minute

	clock.Now()
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())
}

func TestStepClock_Reset(t *testing.T) {
	clock := NewStepClock()
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestStepClock_ConcurrentCallsAreUnique(t *testing.T) {
	clock := NewStepClock()

	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				now := clock.Now()
				mu.Lock()
				seen[now] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000, "every call should observe a distinct instant")
}
