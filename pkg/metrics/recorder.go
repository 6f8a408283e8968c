// Package metrics provides metrics recording for harness operations.
package metrics

import "time"

// Recorder defines the interface for recording harness metrics.
// Implementations must be safe for concurrent use.
type Recorder interface {
	// ObserveRequest records one finished Execute call. Status is "success" or "failed".
	ObserveRequest(status string, attempts int, duration time.Duration)

	// ObserveAttempt records one provider call. Result is "success" or an error kind label.
	ObserveAttempt(profileID, result string, duration time.Duration)

	// IncRateLimited counts a local rate-limit rejection at the given tier.
	IncRateLimited(profileID, tier string)

	// IncBreakerSkip counts a profile skipped because its breaker denied the call.
	IncBreakerSkip(profileID, reason string)

	// ObserveBreakerTransition records a breaker state change.
	ObserveBreakerTransition(profileID, from, to string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(_ string, _ int, _ time.Duration) {}

// ObserveAttempt does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveAttempt(_, _ string, _ time.Duration) {}

// IncRateLimited does nothing in the no-op recorder.
func (n *NoopRecorder) IncRateLimited(_, _ string) {}

// IncBreakerSkip does nothing in the no-op recorder.
func (n *NoopRecorder) IncBreakerSkip(_, _ string) {}

// ObserveBreakerTransition does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveBreakerTransition(_, _, _ string) {}
