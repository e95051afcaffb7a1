package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter: at most limit
// events in any window. Timestamps live in a ring of size limit, so Allow is
// O(1) and never allocates.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int // oldest timestamp once the ring is full
	n      int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n < len(r.ring) {
		r.ring[(r.head+r.n)%len(r.ring)] = now
		r.n++
		return true
	}
	if now.Sub(r.ring[r.head]) < r.window {
		return false
	}
	r.ring[r.head] = now
	r.head = (r.head + 1) % len(r.ring)
	return true
}
