package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from callers rotating source IPs.
	maxTrackedKeys = 4096

	// idleEvict is how long a key may go unused before it is pruned.
	idleEvict = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket with a bounded key set.
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewRateLimiter allows rpm requests per minute per key with the given burst.
// rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{burst: burst, entries: make(map[string]*limiterEntry), now: time.Now}
	if rpm > 0 {
		rl.limit = rate.Limit(float64(rpm) / 60.0)
	}
	return rl
}

// Enabled reports whether limiting is on.
func (r *RateLimiter) Enabled() bool { return r != nil && r.limit > 0 }

// Allow reports whether key may make one more request now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxTrackedKeys {
			for k, old := range r.entries {
				if now.Sub(old.lastSeen) >= idleEvict {
					delete(r.entries, k)
				}
			}
			if len(r.entries) >= maxTrackedKeys {
				r.evictQuietest()
			}
		}
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// evictQuietest drops the bucket seen least recently. A dropped caller starts
// again from a full burst, so the victim should be the one least likely to be mid-burst.
func (r *RateLimiter) evictQuietest() {
	var (
		victim string
		oldest time.Time
	)
	for k, e := range r.entries {
		if victim == "" || e.lastSeen.Before(oldest) {
			victim, oldest = k, e.lastSeen
		}
	}
	delete(r.entries, victim)
}

// Tracked returns the number of keys currently held.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
