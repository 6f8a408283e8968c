// Package failover walks provider profiles in priority order, gating each attempt through
// its circuit breaker and rate limiter, until one serves the request.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llmharness/pkg/circuit"
	"llmharness/pkg/llm"
	"llmharness/pkg/llmerrors"
	"llmharness/pkg/logx"
	"llmharness/pkg/metrics"
	"llmharness/pkg/profile"
	"llmharness/pkg/ratelimit"
)

// Provider performs one call against one profile. The call deadline is carried by ctx.
type Provider interface {
	Call(ctx context.Context, p *profile.Profile, req llm.Request) (llm.Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, p *profile.Profile, req llm.Request) (llm.Response, error)

// Call implements Provider.
func (f ProviderFunc) Call(ctx context.Context, p *profile.Profile, req llm.Request) (llm.Response, error) {
	return f(ctx, p, req)
}

// ProfileSource supplies the profile view walked by one Execute.
type ProfileSource interface {
	View() *profile.View
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCost sets the rate-limit cost function.
func WithCost(cost CostFunc) Option {
	return func(o *Orchestrator) {
		if cost != nil {
			o.cost = cost
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if recorder != nil {
			o.recorder = recorder
		}
	}
}

// WithLogger replaces the default "failover" logger.
func WithLogger(logger *logx.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock injects the time source used for stats timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator is the entry point for a logical request.
type Orchestrator struct {
	profiles ProfileSource
	provider Provider
	cost     CostFunc
	recorder metrics.Recorder
	logger   *logx.Logger
	now      func() time.Time
}

// New creates an orchestrator over profiles and provider.
func New(profiles ProfileSource, provider Provider, opts ...Option) (*Orchestrator, error) {
	if profiles == nil {
		return nil, errors.New("failover: profile source is required")
	}
	if provider == nil {
		return nil, errors.New("failover: provider is required")
	}
	o := &Orchestrator{
		profiles: profiles,
		provider: provider,
		cost:     DefaultCost,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("failover"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute serves req from the first profile that admits and completes it.
// It returns *Error when no profile succeeds.
func (o *Orchestrator) Execute(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, _, err := o.ExecuteWithReport(ctx, req)
	return resp, err
}

// ExecuteWithReport is Execute that also returns the attempt report on success.
func (o *Orchestrator) ExecuteWithReport(ctx context.Context, req llm.Request) (llm.Response, Report, error) {
	report := Report{RequestID: uuid.NewString()}
	ctx = logx.WithRequestID(ctx, report.RequestID)
	start := o.now()

	cost := o.cost(&req)
	keys := ratelimit.Keys{Caller: req.CallerID, Endpoint: req.Endpoint}
	view := o.profiles.View()

	for p := view.NextEligible(""); p != nil; p = view.NextEligible(p.ID) {
		if err := ctx.Err(); err != nil {
			return o.fail(report, err, start)
		}

		ticket, err := p.Breaker.Permit()
		if err != nil {
			reason := SkipBreakerOpen
			var cbErr *circuit.Error
			if errors.As(err, &cbErr) && cbErr.Busy {
				reason = SkipBreakerBusy
			}
			report.Skipped = append(report.Skipped, Skip{ProfileID: p.ID, Reason: reason})
			o.recorder.IncBreakerSkip(p.ID, string(reason))
			logx.Debug(ctx, "failover", "%s skipped: %s", p.ID, reason)
			continue
		}

		if err := p.Limiter.TryAcquireTiers(keys, cost); err != nil {
			// Permit may have claimed the half-open trial slot; give it back uncounted.
			p.Breaker.Record(ticket, circuit.Neutral)
			report.Attempts = append(report.Attempts, o.rateLimited(ctx, p, err))
			continue
		}

		resp, err := o.call(ctx, p, req)
		if err == nil {
			p.Breaker.Record(ticket, circuit.Success)
			p.Stats.RecordSuccess(resp.Usage, o.now())
			resp.ProfileID = p.ID
			report.ServedBy = p.ID

			o.recorder.ObserveRequest("success", len(report.Attempts)+1, o.now().Sub(start))
			if len(report.Attempts) > 0 || len(report.Skipped) > 0 {
				o.logger.Info("[%s] served by %s after %d failed attempts and %d skips",
					report.RequestID, p.ID, len(report.Attempts), len(report.Skipped))
			}
			return resp, report, nil
		}

		classified := llmerrors.Classify(err)
		decision := classified.Decision()
		if decision.CountsAgainstBreaker {
			p.Breaker.Record(ticket, circuit.Failure)
		} else {
			p.Breaker.Record(ticket, circuit.Neutral)
		}
		p.Stats.RecordFailure(classified, llmerrors.Is(classified, llmerrors.KindRateLimited), o.now())
		report.Attempts = append(report.Attempts, Attempt{ProfileID: p.ID, Err: classified})

		if ctxErr := ctx.Err(); ctxErr != nil {
			return o.fail(report, ctxErr, start)
		}
		if !decision.FailoverEligible {
			o.logger.Warn("[%s] %s: terminal %v", report.RequestID, p.ID, classified)
			return o.fail(report, nil, start)
		}
		o.logger.Warn("[%s] %s failed, failing over: %v", report.RequestID, p.ID, classified)
	}

	return o.fail(report, nil, start)
}

func (o *Orchestrator) rateLimited(ctx context.Context, p *profile.Profile, err error) Attempt {
	var retryAfter time.Duration
	tier := ratelimit.TierGlobal
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		retryAfter = exceeded.RetryAfter
		tier = exceeded.Tier
	}

	p.Stats.RecordRateLimited()
	o.recorder.IncRateLimited(p.ID, tier.String())
	logx.Debug(ctx, "ratelimit", "%s rate limited at %s tier, retry after %v", p.ID, tier, retryAfter)
	return Attempt{ProfileID: p.ID, Err: llmerrors.NewRateLimited(retryAfter, err)}
}

type callResult struct {
	resp llm.Response
	err  error
}

// call runs the provider under the profile's call timeout. It returns as soon as the
// deadline passes or ctx ends, even if the provider ignores cancellation.
func (o *Orchestrator) call(ctx context.Context, p *profile.Profile, req llm.Request) (llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.BreakerConfig.CallTimeout)
	defer cancel()

	start := o.now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("provider %s panicked: %v", p.ID, r)}
			}
		}()
		resp, err := o.provider.Call(callCtx, p, req)
		done <- callResult{resp: resp, err: err}
	}()

	var result callResult
	select {
	case result = <-done:
	case <-callCtx.Done():
		select {
		case result = <-done:
		default:
			result = callResult{err: llmerrors.NewTimeout(callCtx.Err())}
		}
	}

	label := "success"
	if result.err != nil {
		label = llmerrors.Classify(result.err).Kind.String()
	}
	o.recorder.ObserveAttempt(p.ID, label, o.now().Sub(start))
	return result.resp, result.err
}

func (o *Orchestrator) fail(report Report, cause error, start time.Time) (llm.Response, Report, error) {
	o.recorder.ObserveRequest("failed", len(report.Attempts), o.now().Sub(start))
	err := &Error{Report: report, Cause: cause}
	if cause == nil && len(report.Attempts) == 0 && len(report.Skipped) == 0 {
		o.logger.Warn("[%s] no eligible provider profiles", report.RequestID)
	}
	return llm.Response{}, report, err
}
