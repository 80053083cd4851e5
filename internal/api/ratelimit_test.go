package api

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should be allowed")
	}
	if rl.Allow("a") {
		t.Error("third request within the window should be rejected")
	}
	if !rl.Allow("b") {
		t.Error("limits are per key")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewRateLimiter(1, 30*time.Millisecond)
	defer rl.Close()

	if !rl.Allow("a") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("second request should be rejected")
	}
	time.Sleep(50 * time.Millisecond)
	if !rl.Allow("a") {
		t.Error("request after the window should be allowed")
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(5, 20*time.Millisecond)
	defer rl.Close()

	rl.Allow("a")
	rl.Allow("b")

	deadline := time.Now().Add(2 * time.Second)
	for rl.keys() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle keys evicted, %d remain", rl.keys())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRateLimiterCloseTwice(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	rl.Close()
	rl.Close()
}
