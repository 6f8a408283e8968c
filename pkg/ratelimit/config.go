package ratelimit

import (
	"fmt"
	"time"
)

// Config defines a single token bucket: how fast it refills and how much burst it absorbs.
type Config struct {
	RefillPerSec float64 `json:"refill_per_sec" yaml:"refill_per_sec"` // Tokens added per second
	Capacity     float64 `json:"capacity" yaml:"capacity"`             // Maximum bucket size (burst)
}

// PerSecond allows n requests per second with a burst of n.
func PerSecond(n float64) Config {
	return Config{RefillPerSec: n, Capacity: n}
}

// PerMinute allows n requests per minute with a burst of n.
func PerMinute(n float64) Config {
	return Config{RefillPerSec: n / 60.0, Capacity: n}
}

// PerHour allows n requests per hour with a burst of n.
func PerHour(n float64) Config {
	return Config{RefillPerSec: n / 3600.0, Capacity: n}
}

// FromRPM converts the profile schema (rate_limit_rpm, max_burst) into a bucket config.
// A non-positive burst falls back to rpm.
func FromRPM(rpm, maxBurst float64) Config {
	cfg := PerMinute(rpm)
	if maxBurst > 0 {
		cfg.Capacity = maxBurst
	}
	return cfg
}

// WithBurst overrides the bucket capacity.
func (c Config) WithBurst(burst float64) Config {
	c.Capacity = burst
	return c
}

// Enabled reports whether the config describes a real bucket. The zero value disables a tier.
func (c Config) Enabled() bool {
	return c.RefillPerSec > 0 || c.Capacity > 0
}

// Validate checks that the bucket can both hold and regain tokens.
func (c Config) Validate() error {
	if c.RefillPerSec <= 0 {
		return fmt.Errorf("refill rate must be positive, got %v", c.RefillPerSec)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %v", c.Capacity)
	}
	return nil
}

// HasBurstHeadroom reports whether capacity exceeds one second of refill.
// Buckets without headroom cannot absorb short bursts.
func (c Config) HasBurstHeadroom() bool {
	return c.Capacity > c.RefillPerSec
}

// durationFor converts a token deficit into the time needed to refill it.
func (c Config) durationFor(deficit float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	seconds := deficit / c.RefillPerSec
	const maxSeconds = float64(1<<63-1) / float64(time.Second)
	if seconds >= maxSeconds {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(seconds * float64(time.Second))
}
