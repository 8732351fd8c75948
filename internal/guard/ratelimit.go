package guard

import (
	"sync"
	"time"
)

// RateLimiter enforces the rolling-hour mutation cap. The window is a plain
// slice of unix-second timestamps so it can be persisted and restored across
// restarts without losing budget accounting.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window []int64
}

// NewRateLimiter creates a limiter allowing max events per rolling hour.
func NewRateLimiter(max int) *RateLimiter {
	return &RateLimiter{max: max}
}

// SetMax adjusts the cap, for limits that are themselves runtime tunables.
func (r *RateLimiter) SetMax(max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = max
}

// Allow reports whether another event fits the window at the given instant.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	return len(r.window) < r.max
}

// Record adds an event to the window.
func (r *RateLimiter) Record(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	r.window = append(r.window, now.Unix())
}

// Remaining returns how many events still fit the window.
func (r *RateLimiter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	return r.max - len(r.window)
}

// Snapshot returns the window timestamps for persistence.
func (r *RateLimiter) Snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.window))
	copy(out, r.window)
	return out
}

// Restore replaces the window, dropping entries already outside the rolling
// hour.
func (r *RateLimiter) Restore(window []int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = append(r.window[:0], window...)
	r.pruneLocked(now)
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour).Unix()
	keep := r.window[:0]
	for _, ts := range r.window {
		if ts > cutoff {
			keep = append(keep, ts)
		}
	}
	r.window = keep
}
