package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"llmharness/pkg/logx"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

var logger = logx.NewLogger("config") //nolint:gochecknoglobals

// LoadConfig loads and validates configuration from a YAML file with environment variable substitution.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	// Replace environment variable placeholders.
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1] // Remove ${ and }
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match // Return original if env var not found
	})

	var config Config
	if err := yaml.Unmarshal([]byte(dataStr), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	ApplyDefaults(&config)

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	warnCapacity(&config)
	return &config, nil
}

// ApplyDefaults fills unset profile fields.
func ApplyDefaults(config *Config) {
	for i := range config.Profiles {
		p := &config.Profiles[i]

		p.Provider = ProviderKind(strings.ToLower(string(p.Provider)))
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = p.Provider.DefaultAPIKeyEnv()
		}
		if p.MaxBurst == 0 {
			p.MaxBurst = p.RateLimitRPM
		}
		if p.FailureThreshold == nil {
			p.FailureThreshold = IntPtr(DefaultFailureThreshold)
		}
		if p.SuccessThreshold == nil {
			p.SuccessThreshold = IntPtr(DefaultSuccessThreshold)
		}
		if p.OpenTimeoutSecs == nil {
			p.OpenTimeoutSecs = IntPtr(DefaultOpenTimeoutSecs)
		}
		if p.CallTimeoutSecs == nil {
			p.CallTimeoutSecs = IntPtr(DefaultCallTimeoutSecs)
		}
	}

	if config.Tiers.PerCaller.MaxBurst == 0 {
		config.Tiers.PerCaller.MaxBurst = config.Tiers.PerCaller.RateLimitRPM
	}
	if config.Tiers.PerEndpoint.MaxBurst == 0 {
		config.Tiers.PerEndpoint.MaxBurst = config.Tiers.PerEndpoint.RateLimitRPM
	}
}

// Validate checks a defaulted config and returns the first problem found.
// Breaker settings that are unset or not positive are rejected.
func Validate(config *Config) error {
	if len(config.Profiles) == 0 {
		return fmt.Errorf("no profiles configured")
	}

	ids := make(map[string]bool, len(config.Profiles))
	for i := range config.Profiles {
		p := &config.Profiles[i]
		if p.ID == "" {
			return fmt.Errorf("profile %d: id is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("profile %s: duplicate id", p.ID)
		}
		ids[p.ID] = true

		if !p.Provider.Valid() {
			return fmt.Errorf("profile %s: unknown provider %q", p.ID, p.Provider)
		}
		if p.RateLimitRPM <= 0 {
			return fmt.Errorf("profile %s: rate_limit_rpm must be positive", p.ID)
		}
		if p.MaxBurst <= 0 {
			return fmt.Errorf("profile %s: max_burst must be positive", p.ID)
		}
		if intValue(p.FailureThreshold) <= 0 {
			return fmt.Errorf("profile %s: failure_threshold must be positive", p.ID)
		}
		if intValue(p.SuccessThreshold) <= 0 {
			return fmt.Errorf("profile %s: success_threshold must be positive", p.ID)
		}
		if intValue(p.OpenTimeoutSecs) <= 0 {
			return fmt.Errorf("profile %s: open_timeout_secs must be positive", p.ID)
		}
		if intValue(p.CallTimeoutSecs) <= 0 {
			return fmt.Errorf("profile %s: call_timeout_secs must be positive", p.ID)
		}
	}

	if err := validateTier("per_caller", config.Tiers.PerCaller); err != nil {
		return err
	}
	if err := validateTier("per_endpoint", config.Tiers.PerEndpoint); err != nil {
		return err
	}
	if config.Cost.TokensPerUnit < 0 {
		return fmt.Errorf("cost.tokens_per_unit cannot be negative")
	}
	return nil
}

func validateTier(name string, tier TierConfig) error {
	if tier.RateLimitRPM < 0 {
		return fmt.Errorf("tiers.%s: rate_limit_rpm cannot be negative", name)
	}
	if tier.Enabled() && tier.MaxBurst <= 0 {
		return fmt.Errorf("tiers.%s: max_burst must be positive", name)
	}
	return nil
}

// warnCapacity flags buckets whose capacity cannot absorb a burst above the per-second rate.
func warnCapacity(config *Config) {
	for i := range config.Profiles {
		p := &config.Profiles[i]
		if !p.RateLimit().HasBurstHeadroom() {
			logger.Warn("profile %s: max_burst %.1f does not exceed per-second refill %.2f, bursts will be rejected",
				p.ID, p.MaxBurst, p.RateLimit().RefillPerSec)
		}
	}
}
