package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so TTLs and timestamps can be driven from tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock is a settable clock, safe for use from several goroutines.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
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
