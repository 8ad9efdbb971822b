package reliability

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket: capacity tokens, refilled at refillRate
// tokens per second. Fractional refill accrues across calls so low rates
// work without losing tokens to truncation.
type RateLimiter struct {
	capacity   float64
	refillRate float64
	clock      Clock

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// LimiterOption customizes a rate limiter.
type LimiterOption func(*RateLimiter)

// WithLimiterClock substitutes the time source.
func WithLimiterClock(c Clock) LimiterOption {
	return func(rl *RateLimiter) {
		if c != nil {
			rl.clock = c
		}
	}
}

// NewRateLimiter constructs a full bucket.
func NewRateLimiter(capacity int, refillPerSecond float64, opts ...LimiterOption) *RateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = float64(capacity)
	}
	rl := &RateLimiter{
		capacity:   float64(capacity),
		refillRate: refillPerSecond,
		clock:      systemClock{},
		tokens:     float64(capacity),
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.lastRefill = rl.clock.Now()
	return rl
}

// Allow consumes one token if available.
func (rl *RateLimiter) Allow() bool { return rl.AllowN(1) }

// AllowN consumes n tokens if available.
func (rl *RateLimiter) AllowN(n int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= float64(n) {
		rl.tokens -= float64(n)
		return true
	}
	return false
}

// Tokens returns the currently available whole tokens.
func (rl *RateLimiter) Tokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return int(rl.tokens)
}

// Reset refills the bucket to capacity.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.capacity
	rl.lastRefill = rl.clock.Now()
}

func (rl *RateLimiter) refill() {
	now := rl.clock.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.lastRefill = now
}
