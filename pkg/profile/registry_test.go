package profile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmharness/pkg/circuit"
	"llmharness/pkg/config"
	"llmharness/pkg/llm"
	"llmharness/pkg/ratelimit"
)

type fakeCreds map[string]bool

func (f fakeCreds) Has(name string) bool { return f[name] }

func spec(id string, provider config.ProviderKind, priority int) config.ProfileConfig {
	cfg := config.ProfileConfig{
		ID:           id,
		Provider:     provider,
		Priority:     priority,
		RateLimitRPM: 60,
	}
	specs := []config.ProfileConfig{cfg}
	config.ApplyDefaults(&config.Config{Profiles: specs})
	return specs[0]
}

func allCreds() fakeCreds {
	return fakeCreds{"ANTHROPIC_API_KEY": true, "OPENAI_API_KEY": true, "OPENROUTER_API_KEY": true}
}

// recordFailure runs one permitted call on b that fails.
func recordFailure(t *testing.T, b *circuit.Breaker) {
	t.Helper()
	ticket, err := b.Permit()
	require.NoError(t, err)
	b.Record(ticket, circuit.Failure)
}

func ids(profiles []*Profile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.ID)
	}
	return out
}

func TestRegistryOrdersByPriorityThenDeclaration(t *testing.T) {
	specs := []config.ProfileConfig{
		spec("c", config.ProviderOpenAI, 2),
		spec("a1", config.ProviderAnthropic, 0),
		spec("b", config.ProviderOpenRouter, 1),
		spec("a2", config.ProviderOpenAI, 0),
	}
	reg, err := NewRegistry(specs, config.TiersConfig{}, allCreds())
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2", "b", "c"}, ids(reg.Profiles()))
	assert.Equal(t, 4, reg.Len())
}

func TestNextEligibleSkipsDisabledAndCredentialless(t *testing.T) {
	disabled := spec("disabled", config.ProviderAnthropic, 1)
	off := false
	disabled.Enabled = &off

	specs := []config.ProfileConfig{
		spec("primary", config.ProviderAnthropic, 0),
		disabled,
		spec("nokey", config.ProviderGoogle, 2),
		spec("local", config.ProviderOllama, 3),
	}
	reg, err := NewRegistry(specs, config.TiersConfig{}, fakeCreds{"ANTHROPIC_API_KEY": true})
	require.NoError(t, err)

	first := reg.NextEligible("")
	require.NotNil(t, first)
	assert.Equal(t, "primary", first.ID)

	next := reg.NextEligible("primary")
	require.NotNil(t, next)
	assert.Equal(t, "local", next.ID, "ollama needs no key")

	assert.Nil(t, reg.NextEligible("local"))
	assert.Nil(t, reg.NextEligible("unknown"))

	nokey, ok := reg.Get("nokey")
	require.True(t, ok)
	assert.False(t, nokey.CredentialsPresent)
}

func TestEachProfileOwnsItsBreaker(t *testing.T) {
	reg, err := NewRegistry([]config.ProfileConfig{
		spec("a", config.ProviderOpenAI, 0),
		spec("b", config.ProviderOpenAI, 1),
	}, config.TiersConfig{}, allCreds())
	require.NoError(t, err)

	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	require.NotSame(t, a.Breaker, b.Breaker)
	require.NotSame(t, a.Limiter, b.Limiter)

	for i := 0; i < a.BreakerConfig.FailureThreshold; i++ {
		recordFailure(t, a.Breaker)
	}
	assert.Equal(t, circuit.Open, a.Breaker.State())
	assert.Equal(t, circuit.Closed, b.Breaker.State())
}

func TestNewRegistryFailsFast(t *testing.T) {
	bad := spec("a", config.ProviderOpenAI, 0)
	bad.SuccessThreshold = config.IntPtr(0)
	_, err := NewRegistry([]config.ProfileConfig{bad}, config.TiersConfig{}, allCreds())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "success_threshold")

	_, err = NewRegistry(nil, config.TiersConfig{}, allCreds())
	require.Error(t, err)

	_, err = NewRegistry([]config.ProfileConfig{spec("a", config.ProviderOpenAI, 0), spec("a", config.ProviderOpenAI, 1)},
		config.TiersConfig{}, allCreds())
	require.Error(t, err)
}

func TestReloadPreservesSurvivingState(t *testing.T) {
	reg, err := NewRegistry([]config.ProfileConfig{
		spec("keep", config.ProviderOpenAI, 0),
		spec("drop", config.ProviderOpenAI, 1),
	}, config.TiersConfig{}, allCreds())
	require.NoError(t, err)

	keep, _ := reg.Get("keep")
	keep.Stats.RecordSuccess(llm.Usage{InputTokens: 10, OutputTokens: 5}, time.Now())
	recordFailure(t, keep.Breaker)
	require.NoError(t, keep.Limiter.TryAcquire(ratelimit.GlobalKey, 10))

	updated := spec("keep", config.ProviderOpenAI, 5)
	updated.RateLimitRPM = 120
	updated.MaxBurst = 120
	require.NoError(t, reg.Reload([]config.ProfileConfig{updated, spec("new", config.ProviderAnthropic, 0)}, config.TiersConfig{}))

	assert.Equal(t, []string{"new", "keep"}, ids(reg.Profiles()))
	_, ok := reg.Get("drop")
	assert.False(t, ok)

	kept, _ := reg.Get("keep")
	assert.Same(t, keep.Stats, kept.Stats)
	assert.Same(t, keep.Limiter, kept.Limiter)
	assert.Same(t, keep.Breaker, kept.Breaker)
	assert.Equal(t, 1, kept.Breaker.Failures())
	assert.Equal(t, int64(1), kept.Stats.Snapshot().TotalSuccesses)
	assert.Equal(t, 120.0, kept.Limiter.TierConfig(ratelimit.TierGlobal).Capacity)
}

func TestReloadResetsBreakerWhenConfigChanges(t *testing.T) {
	reg, err := NewRegistry([]config.ProfileConfig{spec("p", config.ProviderOpenAI, 0)}, config.TiersConfig{}, allCreds())
	require.NoError(t, err)
	old, _ := reg.Get("p")
	recordFailure(t, old.Breaker)

	changed := spec("p", config.ProviderOpenAI, 0)
	changed.FailureThreshold = config.IntPtr(2)
	require.NoError(t, reg.Reload([]config.ProfileConfig{changed}, config.TiersConfig{}))

	p, _ := reg.Get("p")
	assert.NotSame(t, old.Breaker, p.Breaker)
	assert.Equal(t, 0, p.Breaker.Failures())
	assert.Same(t, old.Stats, p.Stats)
}

func TestBreakerOpensSurviveBreakerRebuild(t *testing.T) {
	reg, err := NewRegistry([]config.ProfileConfig{spec("p", config.ProviderOpenAI, 0)}, config.TiersConfig{}, allCreds())
	require.NoError(t, err)
	old, _ := reg.Get("p")
	for i := 0; i < old.BreakerConfig.FailureThreshold; i++ {
		recordFailure(t, old.Breaker)
	}
	require.Equal(t, int64(1), old.Snapshot().TotalBreakerOpens)

	changed := spec("p", config.ProviderOpenAI, 0)
	changed.FailureThreshold = config.IntPtr(1)
	require.NoError(t, reg.Reload([]config.ProfileConfig{changed}, config.TiersConfig{}))

	p, _ := reg.Get("p")
	require.NotSame(t, old.Breaker, p.Breaker)
	assert.Equal(t, "closed", p.Snapshot().State)
	assert.Equal(t, int64(1), p.Snapshot().TotalBreakerOpens, "opens carried across the rebuild")

	recordFailure(t, p.Breaker)
	assert.Equal(t, int64(2), p.Snapshot().TotalBreakerOpens)
	assert.Equal(t, int64(1), p.Breaker.Snapshot().Opens, "the new breaker counts only its own opens")
}

func TestReloadErrorKeepsCurrentView(t *testing.T) {
	reg, err := NewRegistry([]config.ProfileConfig{spec("p", config.ProviderOpenAI, 0)}, config.TiersConfig{}, allCreds())
	require.NoError(t, err)
	before := reg.View()

	good := spec("p", config.ProviderOpenAI, 0)
	good.RateLimitRPM = 1
	good.MaxBurst = 1
	bad := spec("q", config.ProviderOpenAI, 1)
	bad.CallTimeoutSecs = config.IntPtr(0)

	require.Error(t, reg.Reload([]config.ProfileConfig{good, bad}, config.TiersConfig{}))
	assert.Same(t, before, reg.View())

	p, _ := reg.Get("p")
	assert.Equal(t, 60.0, p.Limiter.TierConfig(ratelimit.TierGlobal).Capacity, "limiter untouched by failed reload")
}

func TestSetEnabled(t *testing.T) {
	reg, err := NewRegistry([]config.ProfileConfig{
		spec("a", config.ProviderOpenAI, 0),
		spec("b", config.ProviderOpenAI, 1),
	}, config.TiersConfig{}, allCreds())
	require.NoError(t, err)
	before, _ := reg.Get("a")
	oldView := reg.View()

	require.NoError(t, reg.SetEnabled("a", false))
	assert.Equal(t, "b", reg.NextEligible("").ID)

	after, _ := reg.Get("a")
	assert.False(t, after.Enabled)
	assert.True(t, before.Enabled, "previous view is immutable")
	assert.Same(t, before.Breaker, after.Breaker)
	first, _ := oldView.Get("a")
	assert.True(t, first.Enabled)

	err = reg.SetEnabled("missing", true)
	require.Error(t, err)
}

func TestGetByName(t *testing.T) {
	named := spec("p1", config.ProviderAnthropic, 0)
	named.Name = "Claude Primary"
	reg, err := NewRegistry([]config.ProfileConfig{named}, config.TiersConfig{}, allCreds())
	require.NoError(t, err)

	p, ok := reg.GetByName("claude primary")
	require.True(t, ok)
	assert.Equal(t, "p1", p.ID)

	_, ok = reg.GetByName("nope")
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var transitions []string
	reg, err := NewRegistry([]config.ProfileConfig{spec("p", config.ProviderOpenAI, 0)}, config.TiersConfig{}, allCreds(),
		WithClock(func() time.Time { return now }),
		WithBreakerObserver(func(name string, from, to circuit.State) {
			transitions = append(transitions, name+":"+to.String())
		}),
	)
	require.NoError(t, err)

	p, _ := reg.Get("p")
	p.Stats.RecordSuccess(llm.Usage{InputTokens: 100, OutputTokens: 40, CostUSD: 0.25}, now)
	p.Stats.RecordSuccess(llm.Usage{CostUSD: 0.5}, now)
	p.Stats.RecordFailure(errors.New("status code: 500"), false, now)
	p.Stats.RecordFailure(errors.New("429"), true, now)
	p.Stats.RecordRateLimited()
	for i := 0; i < p.BreakerConfig.FailureThreshold; i++ {
		recordFailure(t, p.Breaker)
	}
	require.NoError(t, p.Limiter.TryAcquire(ratelimit.GlobalKey, 6))

	snaps := reg.Snapshot()
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, "open", s.State)
	assert.Equal(t, int64(1), s.TotalBreakerOpens)
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(2), s.TotalFailures)
	assert.Equal(t, int64(2), s.TotalSuccesses)
	assert.InDelta(t, 0.75, s.CostUSD, 1e-9)
	assert.Equal(t, int64(2), s.TotalRateLimits)
	assert.Equal(t, int64(100), s.TokensIn)
	assert.Equal(t, int64(40), s.TokensOut)
	assert.Equal(t, "429", s.LastError)
	assert.Equal(t, now, s.LastUsed)
	assert.InDelta(t, 0.5, s.ErrorRate, 1e-9)
	assert.InDelta(t, 54, s.RemainingTokens, 1e-9)
	assert.Equal(t, []string{"p:open"}, transitions)
}
