package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// RateLimiter tracks request-weight usage reported by the exchange so callers
// can back off before hitting a ban.
type RateLimiter struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter creates a tracker for the given weight budget per window
// (2400/min for USDT-M futures).
func NewRateLimiter(limit int, resetInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	if pct >= 95 {
		log.Printf("gateway: rate limit critical %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	} else if pct >= 80 {
		log.Printf("gateway: rate limit warning %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	}
}

// Usage returns the current window's usage.
func (rl *RateLimiter) Usage() (used int, limit int, pct float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay reports whether the caller should hold the next request.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
