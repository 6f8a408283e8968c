package profile

import (
	"sync"
	"sync/atomic"
	"time"

	"llmharness/pkg/llm"
)

// Stats holds per-profile usage counters. Counters survive registry reloads.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Stats struct {
	totalRequests   atomic.Int64
	totalRateLimits atomic.Int64
	totalFailures   atomic.Int64
	totalSuccesses  atomic.Int64
	tokensIn        atomic.Int64
	tokensOut       atomic.Int64
	breakerOpens    atomic.Int64

	mu        sync.Mutex
	costUSD   float64
	lastError string
	lastUsed  time.Time
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalRequests   int64     `json:"total_requests"`
	TotalRateLimits int64     `json:"total_rate_limits"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	TokensIn        int64     `json:"tokens_in"`
	TokensOut       int64     `json:"tokens_out"`
	CostUSD         float64   `json:"cost_usd"`
	LastError       string    `json:"last_error,omitempty"`
	LastUsed        time.Time `json:"last_used,omitempty"`
	ErrorRate       float64   `json:"error_rate"`
}

// RecordRateLimited counts a local limiter rejection. No provider call was made.
func (s *Stats) RecordRateLimited() {
	s.totalRateLimits.Add(1)
}

// RecordSuccess counts a successful provider call and adds its reported cost.
func (s *Stats) RecordSuccess(usage llm.Usage, at time.Time) {
	s.totalRequests.Add(1)
	s.totalSuccesses.Add(1)
	s.tokensIn.Add(int64(usage.InputTokens))
	s.tokensOut.Add(int64(usage.OutputTokens))

	s.mu.Lock()
	s.costUSD += usage.CostUSD
	s.lastUsed = at
	s.mu.Unlock()
}

// RecordBreakerOpen counts a transition of the profile's breaker into open.
func (s *Stats) RecordBreakerOpen() {
	s.breakerOpens.Add(1)
}

// BreakerOpens returns how many times the profile's breaker has opened.
func (s *Stats) BreakerOpens() int64 {
	return s.breakerOpens.Load()
}

// RecordFailure counts a failed provider call. Provider-side rate limits also count
// toward total_rate_limits.
func (s *Stats) RecordFailure(err error, rateLimited bool, at time.Time) {
	s.totalRequests.Add(1)
	s.totalFailures.Add(1)
	if rateLimited {
		s.totalRateLimits.Add(1)
	}

	s.mu.Lock()
	s.lastUsed = at
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalRequests:   s.totalRequests.Load(),
		TotalRateLimits: s.totalRateLimits.Load(),
		TotalFailures:   s.totalFailures.Load(),
		TotalSuccesses:  s.totalSuccesses.Load(),
		TokensIn:        s.tokensIn.Load(),
		TokensOut:       s.tokensOut.Load(),
	}
	if snap.TotalRequests > 0 {
		snap.ErrorRate = float64(snap.TotalFailures) / float64(snap.TotalRequests)
	}

	s.mu.Lock()
	snap.CostUSD = s.costUSD
	snap.LastError = s.lastError
	snap.LastUsed = s.lastUsed
	s.mu.Unlock()
	return snap
}
