// Package timeutil abstracts the blocking waits used by the serial link:
// receive deadlines, retry backoff, reconnect delays and boot settle time.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source threaded through the transport and robot layers.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Until returns the time left before deadline, negative once it passed.
	Until(deadline time.Time) time.Duration
	Sleep(d time.Duration)
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) Until(deadline time.Time) time.Duration { return time.Until(deadline) }
func (RealClock) Sleep(d time.Duration)                  { time.Sleep(d) }

// MockClock only moves when told to. Sleep returns at once after recording d
// and advancing by it, so loops that wait for a deadline finish instantly.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps to t, which may be in the past.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d without recording a sleep. Test ports
// use it to simulate a read that waited out its timeout.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) Until(deadline time.Time) time.Duration {
	return deadline.Sub(c.Now())
}

func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

// Sleeps returns every duration passed to Sleep, in call order.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *MockClock) ResetSleeps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = nil
}
