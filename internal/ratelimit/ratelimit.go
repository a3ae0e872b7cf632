// Package ratelimit provides a deterministic token bucket used to cap the
// inbound signaling message rate per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanosPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// fill rate of R tokens/sec adds exactly R nano-tokens per elapsed
// nanosecond without float rounding.
const nanosPerToken = int64(time.Second)

// TokenBucket refills at an integer rate (tokens/sec) against an injected
// Clock. Zero capacity or zero rate means the bucket never refills past its
// initial burst.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: saturatingScale(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := saturatingScale(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	cap := saturatingScale(b.capacity)
	need := cap - b.available
	if need <= 0 {
		b.available = cap
		return
	}
	// rate tokens/sec == rate nano-tokens/ns. Clamp to capacity before the
	// multiply can overflow.
	if elapsed >= need/b.rate+1 {
		b.available = cap
		return
	}
	b.available += elapsed * b.rate
	if b.available > cap {
		b.available = cap
	}
}

func saturatingScale(tokens int64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
