package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, 10*time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d denied", i)
		}
	}
	if rl.Allow(t0.Add(5 * time.Second)) {
		t.Fatalf("fourth event within window allowed")
	}
	if !rl.Allow(t0.Add(10 * time.Second)) {
		t.Fatalf("event after oldest expired denied")
	}
	if rl.Allow(t0.Add(10*time.Second + 500*time.Millisecond)) {
		t.Fatalf("window not enforced after slide")
	}
	if !rl.Allow(t0.Add(11 * time.Second)) {
		t.Fatalf("second slot not released")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied under default limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("default limit not enforced")
	}
}
