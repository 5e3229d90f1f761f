package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for components that wait or timestamp.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

type RealClock struct{}

func (c RealClock) Now() time.Time {
	return time.Now()
}

func (c RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock is a manually driven Clock. After advances virtual time by d and
// fires immediately, so code that sleeps through it runs without delay.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
	waits       []time.Duration
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CurrentTime
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.CurrentTime = c.CurrentTime.Add(d)
	c.mu.Unlock()
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	if d > 0 {
		c.CurrentTime = c.CurrentTime.Add(d)
	}
	now := c.CurrentTime
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Waits returns every duration passed to After, in call order.
func (c *MockClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}
