package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a single continuously refilling counter.
// Refill is computed lazily from elapsed time on every access; there is no timer.
//
//nolint:govet // fieldalignment: logical grouping preferred
type TokenBucket struct {
	mu         sync.Mutex
	cfg        Config
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(cfg Config, now time.Time) *TokenBucket {
	return &TokenBucket{
		cfg:        cfg,
		tokens:     cfg.Capacity,
		lastRefill: now,
	}
}

// available returns the token count the bucket would hold at now, without mutating it.
// Caller must hold b.mu.
func (b *TokenBucket) available(now time.Time) float64 {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return b.tokens
	}
	tokens := b.tokens + elapsed*b.cfg.RefillPerSec
	if tokens > b.cfg.Capacity {
		tokens = b.cfg.Capacity
	}
	return tokens
}

// check evaluates cost against the refilled count. Caller must hold b.mu.
func (b *TokenBucket) check(cost float64, now time.Time) (float64, time.Duration, bool) {
	tokens := b.available(now)
	if tokens >= cost {
		return tokens, 0, true
	}
	return tokens, b.cfg.durationFor(cost - tokens), false
}

// commit applies the refill and deducts cost. Caller must hold b.mu and have checked first.
func (b *TokenBucket) commit(tokens, cost float64, now time.Time) {
	b.tokens = tokens - cost
	if b.tokens < 0 {
		b.tokens = 0
	}
	if now.After(b.lastRefill) {
		b.lastRefill = now
	}
}

// TryAcquire deducts cost if enough tokens are available at now.
// On rejection it returns the wait until cost would fit and leaves the bucket untouched.
func (b *TokenBucket) TryAcquire(cost float64, now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tokens, retryAfter, ok := b.check(cost, now)
	if !ok {
		return retryAfter, false
	}
	b.commit(tokens, cost, now)
	return 0, true
}

// Tokens returns the refilled token count at now.
func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available(now)
}

// Capacity returns the configured bucket size.
func (b *TokenBucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Capacity
}

// reconfigure swaps the bucket's rate and size, settling the refill first so elapsed
// time is credited at the old rate.
func (b *TokenBucket) reconfigure(cfg Config, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = b.available(now)
	if now.After(b.lastRefill) {
		b.lastRefill = now
	}
	b.cfg = cfg
	if b.tokens > cfg.Capacity {
		b.tokens = cfg.Capacity
	}
}
