// Package harness wires configuration into a ready-to-use failover stack: secret store,
// profile registry, per-profile limiters and breakers, metrics and the orchestrator.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"llmharness/pkg/circuit"
	"llmharness/pkg/config"
	"llmharness/pkg/failover"
	"llmharness/pkg/llm"
	"llmharness/pkg/logx"
	"llmharness/pkg/metrics"
	"llmharness/pkg/profile"
)

// Option configures a Harness.
type Option func(*options)

type options struct {
	recorder metrics.Recorder
	creds    profile.CredentialChecker
	now      func() time.Time
	logger   *logx.Logger
}

// WithRecorder sets the metrics recorder shared by the orchestrator and every breaker.
// A nil recorder keeps the no-op default.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(o *options) {
		if recorder != nil {
			o.recorder = recorder
		}
	}
}

// WithCredentials replaces the secret store loaded from the config file.
func WithCredentials(creds profile.CredentialChecker) Option {
	return func(o *options) { o.creds = creds }
}

// WithClock injects the time source for limiters, breakers and stats.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger replaces the default "harness" logger.
func WithLogger(logger *logx.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Harness is the assembled failover stack.
type Harness struct {
	registry *profile.Registry
	provider failover.Provider
	opts     options

	orchestrator atomic.Pointer[failover.Orchestrator]
	reloadMu     sync.Mutex
}

// New builds the stack from cfg. Defaults are applied and cfg is validated first;
// provider performs the actual backend calls.
func New(cfg *config.Config, provider failover.Provider, opts ...Option) (*Harness, error) {
	if cfg == nil {
		return nil, errors.New("harness: config is required")
	}
	if provider == nil {
		return nil, errors.New("harness: provider is required")
	}

	o := options{
		recorder: metrics.Nop(),
		now:      time.Now,
		logger:   logx.NewLogger("harness"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := prepare(cfg); err != nil {
		return nil, err
	}
	applyLogging(cfg)

	if o.creds == nil {
		store, err := config.LoadSecretStore(cfg.SecretsFile, os.Getenv(config.SecretsPasswordEnv))
		if err != nil {
			return nil, logx.Wrap(err, "harness: load secrets")
		}
		o.creds = store
	}

	recorder := o.recorder
	registry, err := profile.NewRegistry(cfg.Profiles, cfg.Tiers, o.creds,
		profile.WithClock(o.now),
		profile.WithBreakerObserver(func(name string, from, to circuit.State) {
			recorder.ObserveBreakerTransition(name, from.String(), to.String())
		}),
	)
	if err != nil {
		return nil, logx.Wrap(err, "harness: build registry")
	}

	h := &Harness{registry: registry, provider: provider, opts: o}
	if err := h.rebuildOrchestrator(cfg); err != nil {
		return nil, err
	}

	eligible := 0
	for _, p := range registry.Profiles() {
		if p.Eligible() {
			eligible++
		}
	}
	o.logger.Info("harness ready: %d profiles, %d eligible", registry.Len(), eligible)
	return h, nil
}

// Execute runs one logical request through the failover chain.
func (h *Harness) Execute(ctx context.Context, req llm.Request) (llm.Response, error) {
	return h.orchestrator.Load().Execute(ctx, req)
}

// ExecuteWithReport is Execute that also returns how the chain was walked.
func (h *Harness) ExecuteWithReport(ctx context.Context, req llm.Request) (llm.Response, failover.Report, error) {
	return h.orchestrator.Load().ExecuteWithReport(ctx, req)
}

// Snapshot returns the observability view of every profile.
func (h *Harness) Snapshot() []profile.Snapshot {
	return h.registry.Snapshot()
}

// Registry exposes the profile registry for operator actions such as SetEnabled.
func (h *Harness) Registry() *profile.Registry {
	return h.registry
}

// Reload applies a new configuration. Surviving profiles keep their state. On error
// nothing changes.
func (h *Harness) Reload(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("harness: config is required")
	}
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	if err := prepare(cfg); err != nil {
		return err
	}
	if err := h.registry.Reload(cfg.Profiles, cfg.Tiers); err != nil {
		return logx.Wrap(err, "harness: reload")
	}
	applyLogging(cfg)
	return h.rebuildOrchestrator(cfg)
}

func (h *Harness) rebuildOrchestrator(cfg *config.Config) error {
	orch, err := failover.New(h.registry, h.provider,
		failover.WithCost(failover.TokenWeightedCost(cfg.Cost.TokensPerUnit)),
		failover.WithRecorder(h.opts.recorder),
		failover.WithClock(h.opts.now),
	)
	if err != nil {
		return fmt.Errorf("harness: %w", err)
	}
	h.orchestrator.Store(orch)
	return nil
}

func prepare(cfg *config.Config) error {
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return logx.Wrap(err, "harness: invalid config")
	}
	return nil
}

func applyLogging(cfg *config.Config) {
	if cfg.Debug {
		logx.SetDebugConfig(true)
	}
	if len(cfg.DebugDomains) > 0 {
		logx.SetDebugDomains(cfg.DebugDomains)
	}
}
