// Package ratelimit provides lazily refilled token buckets and a keyed limiter that
// enforces a global → caller → endpoint tier hierarchy atomically.
package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"llmharness/pkg/logx"
)

// Tier identifies one level of the admission hierarchy.
type Tier int

const (
	// TierGlobal is the profile-wide bucket.
	TierGlobal Tier = iota
	// TierCaller is keyed by caller id.
	TierCaller
	// TierEndpoint is keyed by endpoint name.
	TierEndpoint

	tierCount = 3
)

// String returns the tier label used in logs and metrics.
func (t Tier) String() string {
	switch t {
	case TierGlobal:
		return "global"
	case TierCaller:
		return "caller"
	case TierEndpoint:
		return "endpoint"
	default:
		return "unknown"
	}
}

const (
	// GlobalKey is the single key of the global tier.
	GlobalKey = "global"

	callerPrefix   = "user:"
	endpointPrefix = "endpoint:"
)

// CallerKey returns the rate-limit key for a caller id.
func CallerKey(id string) string { return callerPrefix + id }

// EndpointKey returns the rate-limit key for an endpoint name.
func EndpointKey(name string) string { return endpointPrefix + name }

// TierOf maps a key to its tier by prefix. Unrecognized keys share the global tier config.
func TierOf(key string) Tier {
	switch {
	case strings.HasPrefix(key, callerPrefix):
		return TierCaller
	case strings.HasPrefix(key, endpointPrefix):
		return TierEndpoint
	default:
		return TierGlobal
	}
}

// Keys names the caller and endpoint instances for one multi-tier acquisition.
// Empty fields skip that tier.
type Keys struct {
	Caller   string
	Endpoint string
}

// ExceededError is returned when a bucket cannot cover the requested cost.
type ExceededError struct {
	Key        string
	Tier       Tier
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for key %s (%s tier): retry after %v", e.Key, e.Tier, e.RetryAfter)
}

// LimiterStats is a point-in-time view of limiter counters.
type LimiterStats struct {
	Name           string           `json:"name"`
	Acquired       int64            `json:"acquired"`
	Rejected       int64            `json:"rejected"`
	RejectedByTier map[string]int64 `json:"rejected_by_tier"`
	Buckets        int              `json:"buckets"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source used for refill.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger replaces the default "ratelimit" logger.
func WithLogger(logger *logx.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithTier sets the config for the caller or endpoint tier. The zero Config disables the tier.
func WithTier(tier Tier, cfg Config) Option {
	return func(l *Limiter) {
		if tier != TierGlobal && tier >= 0 && tier < tierCount {
			l.tiers[tier] = cfg
		}
	}
}

// Limiter owns a keyed collection of token buckets.
// The map lock is held only to look up or create buckets; each bucket serializes itself.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Limiter struct {
	name   string
	now    func() time.Time
	logger *logx.Logger

	mu        sync.Mutex
	tiers     [tierCount]Config
	overrides map[string]Config
	buckets   map[string]*TokenBucket

	acquired atomic.Int64
	rejected [tierCount]atomic.Int64
}

// NewLimiter creates a limiter whose global tier uses cfg.
func NewLimiter(name string, global Config, opts ...Option) (*Limiter, error) {
	if err := global.Validate(); err != nil {
		return nil, fmt.Errorf("limiter %s: global tier: %w", name, err)
	}

	l := &Limiter{
		name:      name,
		now:       time.Now,
		logger:    logx.NewLogger("ratelimit"),
		overrides: make(map[string]Config),
		buckets:   make(map[string]*TokenBucket),
	}
	l.tiers[TierGlobal] = global
	for _, opt := range opts {
		opt(l)
	}

	for _, tier := range []Tier{TierCaller, TierEndpoint} {
		if cfg := l.tiers[tier]; cfg.Enabled() {
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("limiter %s: %s tier: %w", name, tier, err)
			}
		}
	}
	return l, nil
}

// Name returns the limiter's name, normally the owning profile id.
func (l *Limiter) Name() string { return l.name }

// configFor returns the config governing key. Caller must hold l.mu.
func (l *Limiter) configFor(key string) Config {
	if cfg, ok := l.overrides[key]; ok {
		return cfg
	}
	return l.tiers[TierOf(key)]
}

// bucket returns the bucket for key, creating it full on first use.
// It returns nil when the key's tier is disabled.
func (l *Limiter) bucket(key string, now time.Time) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}
	cfg := l.configFor(key)
	if !cfg.Enabled() {
		return nil
	}
	b := NewTokenBucket(cfg, now)
	l.buckets[key] = b
	return b
}

func normalizeCost(cost float64) float64 {
	if cost <= 0 || math.IsNaN(cost) {
		return 1
	}
	return cost
}

// TryAcquire deducts cost from the single bucket named by key.
// A key whose tier is disabled always succeeds.
func (l *Limiter) TryAcquire(key string, cost float64) error {
	cost = normalizeCost(cost)
	now := l.now()

	b := l.bucket(key, now)
	if b == nil {
		l.acquired.Add(1)
		return nil
	}

	retryAfter, ok := b.TryAcquire(cost, now)
	if !ok {
		return l.reject(key, cost, retryAfter)
	}
	l.acquired.Add(1)
	return nil
}

// TryAcquireTiers checks the global, caller and endpoint buckets in that order and
// commits cost to all of them only if every tier passes. The first rejecting tier's
// retry-after is returned and no bucket is modified.
func (l *Limiter) TryAcquireTiers(keys Keys, cost float64) error {
	cost = normalizeCost(cost)
	now := l.now()

	names := make([]string, 0, tierCount)
	names = append(names, GlobalKey)
	if keys.Caller != "" {
		names = append(names, CallerKey(keys.Caller))
	}
	if keys.Endpoint != "" {
		names = append(names, EndpointKey(keys.Endpoint))
	}

	type held struct {
		key    string
		bucket *TokenBucket
		tokens float64
	}
	active := make([]held, 0, len(names))
	for _, key := range names {
		if b := l.bucket(key, now); b != nil {
			active = append(active, held{key: key, bucket: b})
		}
	}

	// Lock order is always global, caller, endpoint.
	for i := range active {
		active[i].bucket.mu.Lock()
	}
	defer func() {
		for i := len(active) - 1; i >= 0; i-- {
			active[i].bucket.mu.Unlock()
		}
	}()

	for i := range active {
		tokens, retryAfter, ok := active[i].bucket.check(cost, now)
		if !ok {
			return l.reject(active[i].key, cost, retryAfter)
		}
		active[i].tokens = tokens
	}
	for i := range active {
		active[i].bucket.commit(active[i].tokens, cost, now)
	}
	l.acquired.Add(1)
	return nil
}

func (l *Limiter) reject(key string, cost float64, retryAfter time.Duration) error {
	tier := TierOf(key)
	l.rejected[tier].Add(1)
	l.logger.Debug("RATELIMIT: %s key %s rejected cost %.2f, retry after %v", l.name, key, cost, retryAfter)
	return &ExceededError{Key: key, Tier: tier, RetryAfter: retryAfter}
}

// Remaining returns the tokens key would hold now after refill, without mutating anything.
// Keys with no bucket yet report their configured capacity; disabled tiers report +Inf.
func (l *Limiter) Remaining(key string) float64 {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	cfg := l.configFor(key)
	l.mu.Unlock()

	if ok {
		return b.Tokens(now)
	}
	if !cfg.Enabled() {
		return math.Inf(1)
	}
	return cfg.Capacity
}

// Tokens returns the current token count of an existing bucket.
func (l *Limiter) Tokens(key string) (float64, bool) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	return b.Tokens(l.now()), true
}

// Configure installs an explicit config for one key, overriding its tier.
// An existing bucket keeps its accrued tokens, clamped to the new capacity.
func (l *Limiter) Configure(key string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("limiter %s: key %s: %w", l.name, key, err)
	}

	l.mu.Lock()
	l.overrides[key] = cfg
	b, ok := l.buckets[key]
	l.mu.Unlock()

	if ok {
		b.reconfigure(cfg, l.now())
	}
	return nil
}

// ConfigureTier replaces a tier's config. Existing buckets of that tier without an
// explicit override are reconfigured in place; disabling a tier drops them.
func (l *Limiter) ConfigureTier(tier Tier, cfg Config) error {
	if tier < 0 || tier >= tierCount {
		return fmt.Errorf("limiter %s: unknown tier %d", l.name, tier)
	}
	if tier == TierGlobal || cfg.Enabled() {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("limiter %s: %s tier: %w", l.name, tier, err)
		}
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tiers[tier] = cfg
	for key, b := range l.buckets {
		if TierOf(key) != tier {
			continue
		}
		if _, overridden := l.overrides[key]; overridden {
			continue
		}
		if !cfg.Enabled() {
			delete(l.buckets, key)
			continue
		}
		b.reconfigure(cfg, now)
	}
	return nil
}

// TierConfig returns the config currently applied to a tier.
func (l *Limiter) TierConfig(tier Tier) Config {
	if tier < 0 || tier >= tierCount {
		return Config{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tiers[tier]
}

// Stats returns the limiter's counters.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	buckets := len(l.buckets)
	l.mu.Unlock()

	stats := LimiterStats{
		Name:           l.name,
		Acquired:       l.acquired.Load(),
		RejectedByTier: make(map[string]int64, tierCount),
		Buckets:        buckets,
	}
	for tier := TierGlobal; tier < tierCount; tier++ {
		n := l.rejected[tier].Load()
		stats.Rejected += n
		stats.RejectedByTier[tier.String()] = n
	}
	return stats
}
