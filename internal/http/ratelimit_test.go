package http

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenDenied(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("requests within the burst should be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request within the window should be denied")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("keys are limited independently")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 50; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestRateLimiter_CleanupRemovesStale(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	rl.Allow("stale")
	rl.Allow("fresh")

	v, ok := rl.limiters.Load("stale")
	if !ok {
		t.Fatal("entry missing after Allow")
	}
	v.(*limiterEntry).lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

	rl.cleanup()

	if _, ok := rl.limiters.Load("stale"); ok {
		t.Error("stale entry survived cleanup")
	}
	if _, ok := rl.limiters.Load("fresh"); !ok {
		t.Error("fresh entry was removed")
	}
}

// Allow and cleanup touch the same entries from different goroutines; this
// exists to run under the race detector.
func TestRateLimiter_ConcurrentAllowAndCleanup(t *testing.T) {
	rl := NewRateLimiter(1000, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				rl.Allow("shared")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			rl.cleanup()
		}
	}()
	wg.Wait()
}
