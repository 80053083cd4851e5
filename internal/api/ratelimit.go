package api

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by participant identity.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewRateLimiter creates a rate limiter and starts the background eviction
// goroutine. Call Close to stop it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	recent := fresh(r.requests[key], now.Add(-r.window))

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

// startEviction periodically removes expired keys from the requests map.
func (r *RateLimiter) startEviction() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.evict()
			}
		}
	}()
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.window)
	for key, times := range r.requests {
		if kept := fresh(times, cutoff); len(kept) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = kept
		}
	}
}

func (r *RateLimiter) keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func fresh(times []time.Time, cutoff time.Time) []time.Time {
	var kept []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
