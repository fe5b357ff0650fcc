// Package ratelimit provides the per-connection signaling message rate limit.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so buckets can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate of tokens per second up to a fixed
// capacity. All methods are safe for concurrent use.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity float64
	fillRate float64 // tokens per second

	tokens float64
	last   time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: float64(capacityTokens),
		fillRate: float64(fillRate),
		tokens:   float64(capacityTokens),
		last:     clock.Now(),
	}
}

// Allow consumes the requested tokens if available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := float64(tokens)
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last).Seconds()
	b.last = now

	b.tokens += elapsed * b.fillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
