package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter caps how many submissions each agent may create per window.
// The bucket refills completely once the window has passed.
type RateLimiter struct {
	mu        sync.Mutex
	tokens    map[string]int
	lastReset map[string]time.Time
	limit     int
	window    time.Duration
	now       func() time.Time
}

// New creates a limiter allowing maxPerMin creates per agent per minute.
// A non-positive limit disables limiting.
func New(maxPerMin int) *RateLimiter {
	return &RateLimiter{
		tokens:    make(map[string]int),
		lastReset: make(map[string]time.Time),
		limit:     maxPerMin,
		window:    time.Minute,
		now:       time.Now,
	}
}

// Allow consumes a token for agentID. When none is left it returns false and
// how long until the bucket refills.
func (rl *RateLimiter) Allow(agentID string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	last, exists := rl.lastReset[agentID]
	if !exists || now.Sub(last) >= rl.window {
		rl.tokens[agentID] = rl.limit
		rl.lastReset[agentID] = now
		last = now
	}

	if rl.tokens[agentID] > 0 {
		rl.tokens[agentID]--
		return true, 0
	}
	return false, last.Add(rl.window).Sub(now)
}

// Prune drops agents whose window ended, so idle agents do not accumulate.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for agent, last := range rl.lastReset {
		if now.Sub(last) >= rl.window {
			delete(rl.lastReset, agent)
			delete(rl.tokens, agent)
			n++
		}
	}
	return n
}
