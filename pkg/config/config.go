// Package config provides the harness configuration schema, the YAML loader and the
// encrypted secret store that decides which profiles have credentials.
package config

import (
	"time"

	"llmharness/pkg/circuit"
	"llmharness/pkg/ratelimit"
)

// ProviderKind names the backend family a profile talks to.
type ProviderKind string

// Supported provider kinds.
const (
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderOpenAI     ProviderKind = "openai"
	ProviderOpenRouter ProviderKind = "openrouter"
	ProviderGoogle     ProviderKind = "google"
	ProviderOllama     ProviderKind = "ollama"
	ProviderCustom     ProviderKind = "custom"
)

// Default breaker settings applied when a profile leaves them unset.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeoutSecs  = 60
	DefaultCallTimeoutSecs  = 30
)

// SecretsPasswordEnv holds the password for the encrypted secrets file.
const SecretsPasswordEnv = "HARNESS_SECRETS_PASSWORD"

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderAnthropic, ProviderOpenAI, ProviderOpenRouter, ProviderGoogle, ProviderOllama, ProviderCustom:
		return true
	default:
		return false
	}
}

// DefaultAPIKeyEnv returns the environment variable conventionally holding the kind's key.
func (k ProviderKind) DefaultAPIKeyEnv() string {
	switch k {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderOpenRouter:
		return "OPENROUTER_API_KEY"
	case ProviderGoogle:
		return "GEMINI_API_KEY"
	case ProviderCustom:
		return "CUSTOM_API_KEY"
	default:
		return ""
	}
}

// RequiresKey reports whether profiles of this kind need a credential to be eligible.
func (k ProviderKind) RequiresKey() bool {
	return k != ProviderOllama
}

// Config is the root of the harness configuration file.
type Config struct {
	Profiles     []ProfileConfig `yaml:"profiles"`
	Tiers        TiersConfig     `yaml:"tiers"`
	Cost         CostConfig      `yaml:"cost"`
	SecretsFile  string          `yaml:"secrets_file"`
	Debug        bool            `yaml:"debug"`
	DebugDomains []string        `yaml:"debug_domains"`
}

// ProfileConfig is one provider profile as written in the config file.
//
//nolint:govet // fieldalignment: field order mirrors the file schema
type ProfileConfig struct {
	ID        string       `yaml:"id"`
	Name      string       `yaml:"name"`
	Provider  ProviderKind `yaml:"provider"`
	Model     string       `yaml:"model"`
	BaseURL   string       `yaml:"base_url"`
	APIKeyEnv string       `yaml:"api_key_env"`
	Priority  int          `yaml:"priority"`
	Enabled   *bool        `yaml:"enabled"`

	RateLimitRPM float64 `yaml:"rate_limit_rpm"`
	MaxBurst     float64 `yaml:"max_burst"`

	// Breaker settings. Nil means unset and receives a default; an explicit 0 is invalid.
	FailureThreshold *int `yaml:"failure_threshold"`
	SuccessThreshold *int `yaml:"success_threshold"`
	OpenTimeoutSecs  *int `yaml:"open_timeout_secs"`
	CallTimeoutSecs  *int `yaml:"call_timeout_secs"`
}

// IntPtr returns a pointer to v for ProfileConfig literals.
func IntPtr(v int) *int {
	return &v
}

func intValue(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// IsEnabled returns the enabled flag; profiles are enabled unless set otherwise.
func (p *ProfileConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// RateLimit converts the rpm/burst pair into the global-tier bucket config.
func (p *ProfileConfig) RateLimit() ratelimit.Config {
	return ratelimit.FromRPM(p.RateLimitRPM, p.MaxBurst)
}

// Breaker converts the breaker settings into a circuit config.
func (p *ProfileConfig) Breaker() circuit.Config {
	return circuit.Config{
		FailureThreshold: intValue(p.FailureThreshold),
		SuccessThreshold: intValue(p.SuccessThreshold),
		OpenTimeout:      time.Duration(intValue(p.OpenTimeoutSecs)) * time.Second,
		CallTimeout:      time.Duration(intValue(p.CallTimeoutSecs)) * time.Second,
	}
}

// TierConfig configures one optional rate-limit tier. The zero value disables it.
type TierConfig struct {
	RateLimitRPM float64 `yaml:"rate_limit_rpm"`
	MaxBurst     float64 `yaml:"max_burst"`
}

// Enabled reports whether the tier is configured.
func (t TierConfig) Enabled() bool {
	return t.RateLimitRPM > 0
}

// RateLimit converts the tier into a bucket config, or the zero Config when disabled.
func (t TierConfig) RateLimit() ratelimit.Config {
	if !t.Enabled() {
		return ratelimit.Config{}
	}
	return ratelimit.FromRPM(t.RateLimitRPM, t.MaxBurst)
}

// TiersConfig holds the caller and endpoint tiers applied inside every profile's limiter.
type TiersConfig struct {
	PerCaller   TierConfig `yaml:"per_caller"`
	PerEndpoint TierConfig `yaml:"per_endpoint"`
}

// CostConfig selects how rate-limit cost is computed for a request.
type CostConfig struct {
	TokensPerUnit float64 `yaml:"tokens_per_unit"` // > 0 enables token-weighted cost
}
