package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 3})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other identifiers must have their own bucket")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 2})
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a") // b is now least recently used
	rl.Allow("c")

	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	// a kept its exhausted bucket
	if rl.Allow("a") {
		t.Error("a should still be limited")
	}
	// b was evicted and starts fresh
	if !rl.Allow("b") {
		t.Error("b should have been evicted and get a fresh bucket")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")

	if removed := rl.Sweep(time.Now()); removed != 0 {
		t.Errorf("Sweep(now) removed %d, want 0", removed)
	}
	if removed := rl.Sweep(time.Now().Add(2 * time.Minute)); removed != 2 {
		t.Errorf("Sweep(+2m) removed %d, want 2", removed)
	}
	if got := rl.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 100, Burst: 100, MaxEntries: 10})
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rl.Allow(fmt.Sprintf("id-%d", i%20))
		}(i)
	}
	wg.Wait()

	if got := rl.Len(); got > 10 {
		t.Errorf("Len() = %d, exceeds MaxEntries", got)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	rl.Stop()
	rl.Stop()
}
