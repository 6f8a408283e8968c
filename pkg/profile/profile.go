// Package profile provides provider profiles and the registry that orders them for failover.
package profile

import (
	"llmharness/pkg/circuit"
	"llmharness/pkg/config"
	"llmharness/pkg/ratelimit"
)

// Profile is one provider backend as seen by the orchestrator. A Profile value is
// immutable; its Breaker, Limiter and Stats are owned by this profile alone and carried
// across reloads for as long as the id survives.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Profile struct {
	ID                 string
	Name               string
	Provider           config.ProviderKind
	Model              string
	BaseURL            string
	APIKeyEnv          string
	Priority           int
	Enabled            bool
	CredentialsPresent bool

	RateLimit     ratelimit.Config
	BreakerConfig circuit.Config

	Breaker *circuit.Breaker
	Limiter *ratelimit.Limiter
	Stats   *Stats

	order int
}

// Eligible reports whether the profile may be tried at all.
func (p *Profile) Eligible() bool {
	return p.Enabled && p.CredentialsPresent
}

// Snapshot is the read-only observability view of one profile.
//
//nolint:govet // fieldalignment: field order mirrors the exported JSON
type Snapshot struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Provider           config.ProviderKind `json:"provider"`
	Priority           int                 `json:"priority"`
	Enabled            bool                `json:"enabled"`
	CredentialsPresent bool                `json:"credentials_present"`
	State              string              `json:"state"`
	TotalBreakerOpens  int64               `json:"total_breaker_opens"`
	RemainingTokens    float64             `json:"remaining_tokens"`
	StatsSnapshot
}

// Snapshot collects the profile's counters, breaker state and global-tier tokens.
// TotalBreakerOpens counts every breaker this profile has owned, not just the current one.
func (p *Profile) Snapshot() Snapshot {
	breaker := p.Breaker.Snapshot()
	return Snapshot{
		ID:                 p.ID,
		Name:               p.Name,
		Provider:           p.Provider,
		Priority:           p.Priority,
		Enabled:            p.Enabled,
		CredentialsPresent: p.CredentialsPresent,
		State:              breaker.State.String(),
		TotalBreakerOpens:  p.Stats.BreakerOpens(),
		RemainingTokens:    p.Limiter.Remaining(ratelimit.GlobalKey),
		StatsSnapshot:      p.Stats.Snapshot(),
	}
}
