package profile

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"llmharness/pkg/circuit"
	"llmharness/pkg/config"
	"llmharness/pkg/logx"
	"llmharness/pkg/ratelimit"
)

// CredentialChecker reports whether a named credential is available.
type CredentialChecker interface {
	Has(name string) bool
}

// View is an immutable, priority-ordered set of profiles.
type View struct {
	profiles []*Profile
	byID     map[string]*Profile
}

func newView(profiles []*Profile) *View {
	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].Priority != profiles[j].Priority {
			return profiles[i].Priority < profiles[j].Priority
		}
		return profiles[i].order < profiles[j].order
	})
	byID := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	return &View{profiles: profiles, byID: byID}
}

// Profiles returns all profiles in priority order.
func (v *View) Profiles() []*Profile {
	out := make([]*Profile, len(v.profiles))
	copy(out, v.profiles)
	return out
}

// Len returns the number of profiles, eligible or not.
func (v *View) Len() int { return len(v.profiles) }

// Get returns the profile with the given id.
func (v *View) Get(id string) (*Profile, bool) {
	p, ok := v.byID[id]
	return p, ok
}

// GetByName returns the first profile whose name matches case-insensitively.
func (v *View) GetByName(name string) (*Profile, bool) {
	for _, p := range v.profiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return nil, false
}

// NextEligible returns the next enabled, credentialed profile strictly after the profile
// with id after, or from the head when after is empty. An unknown id yields nil.
func (v *View) NextEligible(after string) *Profile {
	start := 0
	if after != "" {
		start = -1
		for i, p := range v.profiles {
			if p.ID == after {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil
		}
	}
	for _, p := range v.profiles[start:] {
		if p.Eligible() {
			return p
		}
	}
	return nil
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the time source for every breaker and limiter the registry builds.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithBreakerObserver registers a transition observer on every breaker the registry builds.
func WithBreakerObserver(fn circuit.StateChangeFunc) Option {
	return func(r *Registry) { r.observer = fn }
}

// WithLogger replaces the default "registry" logger.
func WithLogger(logger *logx.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry owns the current View and swaps it atomically on reload.
// Readers never lock; writers are serialized.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Registry struct {
	current atomic.Pointer[View]

	mu       sync.Mutex
	creds    CredentialChecker
	now      func() time.Time
	observer circuit.StateChangeFunc
	logger   *logx.Logger
}

// NewRegistry builds a registry from validated profile configs.
// A profile with an invalid breaker or rate-limit config fails construction.
func NewRegistry(specs []config.ProfileConfig, tiers config.TiersConfig, creds CredentialChecker, opts ...Option) (*Registry, error) {
	r := &Registry{
		creds:  creds,
		now:    time.Now,
		logger: logx.NewLogger("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}

	view, err := r.build(specs, tiers, nil)
	if err != nil {
		return nil, err
	}
	r.current.Store(view)
	return r, nil
}

// View returns the current immutable view.
func (r *Registry) View() *View { return r.current.Load() }

// Profiles returns all profiles of the current view in priority order.
func (r *Registry) Profiles() []*Profile { return r.View().Profiles() }

// Get returns a profile of the current view by id.
func (r *Registry) Get(id string) (*Profile, bool) { return r.View().Get(id) }

// GetByName returns a profile of the current view by display name.
func (r *Registry) GetByName(name string) (*Profile, bool) { return r.View().GetByName(name) }

// NextEligible delegates to the current view.
func (r *Registry) NextEligible(after string) *Profile { return r.View().NextEligible(after) }

// Len returns the number of profiles in the current view.
func (r *Registry) Len() int { return r.View().Len() }

// Snapshot returns the observability view of every profile in priority order.
func (r *Registry) Snapshot() []Snapshot {
	profiles := r.View().profiles
	out := make([]Snapshot, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.Snapshot())
	}
	return out
}

// Reload validates specs and swaps in a new view. Profiles whose id survives keep their
// limiter and counters; their breaker is kept unless its config changed.
// On error the current view is left untouched.
func (r *Registry) Reload(specs []config.ProfileConfig, tiers config.TiersConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	view, err := r.build(specs, tiers, r.View())
	if err != nil {
		return err
	}
	r.current.Store(view)
	r.logger.Info("reloaded %d profiles", view.Len())
	return nil
}

// SetEnabled swaps in a view with one profile's enabled flag changed.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.View()
	if _, ok := prev.byID[id]; !ok {
		return fmt.Errorf("profile %s not found", id)
	}

	profiles := make([]*Profile, 0, len(prev.profiles))
	for _, p := range prev.profiles {
		if p.ID == id {
			updated := *p
			updated.Enabled = enabled
			p = &updated
		}
		profiles = append(profiles, p)
	}
	r.current.Store(newView(profiles))
	r.logger.Info("profile %s enabled=%t", id, enabled)
	return nil
}

// build creates profiles from specs, reusing state from prev where ids match.
// Every spec is validated before any surviving limiter is reconfigured.
func (r *Registry) build(specs []config.ProfileConfig, tiers config.TiersConfig, prev *View) (*View, error) {
	if err := validateSpecs(specs, tiers); err != nil {
		return nil, err
	}

	profiles := make([]*Profile, 0, len(specs))
	for i := range specs {
		var old *Profile
		if prev != nil {
			old = prev.byID[specs[i].ID]
		}
		p, err := r.buildProfile(&specs[i], tiers, old)
		if err != nil {
			return nil, err
		}
		p.order = i
		profiles = append(profiles, p)
	}
	return newView(profiles), nil
}

func validateSpecs(specs []config.ProfileConfig, tiers config.TiersConfig) error {
	if len(specs) == 0 {
		return fmt.Errorf("no profiles configured")
	}

	seen := make(map[string]bool, len(specs))
	for i := range specs {
		spec := &specs[i]
		if spec.ID == "" {
			return fmt.Errorf("profile %d: id is required", i)
		}
		if seen[spec.ID] {
			return fmt.Errorf("profile %s: duplicate id", spec.ID)
		}
		seen[spec.ID] = true

		if err := spec.Breaker().Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", spec.ID, err)
		}
		if err := spec.RateLimit().Validate(); err != nil {
			return fmt.Errorf("profile %s: rate limit: %w", spec.ID, err)
		}
	}

	for name, tier := range map[string]ratelimit.Config{
		"per_caller":   tiers.PerCaller.RateLimit(),
		"per_endpoint": tiers.PerEndpoint.RateLimit(),
	} {
		if tier.Enabled() {
			if err := tier.Validate(); err != nil {
				return fmt.Errorf("tiers.%s: %w", name, err)
			}
		}
	}
	return nil
}

func (r *Registry) buildProfile(spec *config.ProfileConfig, tiers config.TiersConfig, old *Profile) (*Profile, error) {
	rateCfg := spec.RateLimit()
	breakerCfg := spec.Breaker()

	p := &Profile{
		ID:                 spec.ID,
		Name:               spec.Name,
		Provider:           spec.Provider,
		Model:              spec.Model,
		BaseURL:            spec.BaseURL,
		APIKeyEnv:          spec.APIKeyEnv,
		Priority:           spec.Priority,
		Enabled:            spec.IsEnabled(),
		CredentialsPresent: r.credentialsPresent(spec),
		RateLimit:          rateCfg,
		BreakerConfig:      breakerCfg,
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	var err error
	if old != nil {
		p.Stats = old.Stats
		p.Limiter = old.Limiter
		if err = reconfigureLimiter(p.Limiter, rateCfg, tiers); err != nil {
			return nil, fmt.Errorf("profile %s: %w", spec.ID, err)
		}
		if old.BreakerConfig == breakerCfg {
			p.Breaker = old.Breaker
		} else {
			r.logger.Info("profile %s: breaker config changed, state reset", spec.ID)
		}
	} else {
		p.Stats = &Stats{}
		p.Limiter, err = ratelimit.NewLimiter(spec.ID, rateCfg,
			ratelimit.WithClock(r.now),
			ratelimit.WithTier(ratelimit.TierCaller, tiers.PerCaller.RateLimit()),
			ratelimit.WithTier(ratelimit.TierEndpoint, tiers.PerEndpoint.RateLimit()),
		)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", spec.ID, err)
		}
	}

	if p.Breaker == nil {
		stats := p.Stats
		opts := []circuit.Option{
			circuit.WithClock(r.now),
			circuit.WithOnStateChange(func(_ string, _, to circuit.State) {
				if to == circuit.Open {
					stats.RecordBreakerOpen()
				}
			}),
		}
		if r.observer != nil {
			opts = append(opts, circuit.WithOnStateChange(r.observer))
		}
		p.Breaker, err = circuit.New(spec.ID, breakerCfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", spec.ID, err)
		}
	}

	if p.Enabled && !p.CredentialsPresent {
		r.logger.Warn("profile %s: %s not set, profile will be skipped", p.ID, p.APIKeyEnv)
	}
	return p, nil
}

func (r *Registry) credentialsPresent(spec *config.ProfileConfig) bool {
	if !spec.Provider.RequiresKey() && spec.APIKeyEnv == "" {
		return true
	}
	if r.creds == nil {
		return false
	}
	return r.creds.Has(spec.APIKeyEnv)
}

func reconfigureLimiter(l *ratelimit.Limiter, global ratelimit.Config, tiers config.TiersConfig) error {
	if err := l.ConfigureTier(ratelimit.TierGlobal, global); err != nil {
		return err
	}
	if err := l.ConfigureTier(ratelimit.TierCaller, tiers.PerCaller.RateLimit()); err != nil {
		return err
	}
	return l.ConfigureTier(ratelimit.TierEndpoint, tiers.PerEndpoint.RateLimit())
}
