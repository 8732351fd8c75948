// Package clock provides an injectable time source so the drive engine,
// guardrails, and daemon loop can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by all core components. Production code uses
// System; tests use a Fake that is advanced manually.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// System is the real wall/monotonic clock.
type System struct{}

func (System) Now() time.Time                  { return time.Now() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
