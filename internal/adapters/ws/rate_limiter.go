package ws

import (
	"sync"
	"time"
)

// SourceRateLimiter is a sliding-window limiter keyed by source address.
// It is local to this process: it blunts local abuse bursts, it is not a
// global quota.
type SourceRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewSourceRateLimiter(limit int, interval time.Duration) *SourceRateLimiter {
	return &SourceRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *SourceRateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[addr]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[addr] = fresh
		return false
	}
	rl.history[addr] = append(fresh, now)
	return true
}

// Sweep drops addresses idle for more than two windows. Run it
// periodically to keep the map bounded.
func (rl *SourceRateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-2 * rl.interval)
	for addr, attempts := range rl.history {
		if len(attempts) == 0 || attempts[len(attempts)-1].Before(cutoff) {
			delete(rl.history, addr)
		}
	}
}
