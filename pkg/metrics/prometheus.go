package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llm_harness"

// stateValues maps breaker state labels to the gauge value exported for them.
//
//nolint:gochecknoglobals // fixed lookup table
var stateValues = map[string]float64{
	"closed":    0,
	"open":      1,
	"half_open": 2,
}

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestAttempts    prometheus.Histogram
	attemptsTotal      *prometheus.CounterVec
	attemptDuration    *prometheus.HistogramVec
	rateLimitedTotal   *prometheus.CounterVec
	breakerSkipsTotal  *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
}

// NewPrometheusRecorder creates a recorder registered on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of logical requests by final status",
			},
			[]string{"status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of logical requests including failover",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		requestAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_attempts",
				Help:      "Provider calls attempted per logical request",
				Buckets:   []float64{0, 1, 2, 3, 5, 8},
			},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of provider calls by profile and result",
			},
			[]string{"profile", "result"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of individual provider calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"profile"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Local rate-limit rejections by profile and tier",
			},
			[]string{"profile", "tier"},
		),
		breakerSkipsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_skips_total",
				Help:      "Profiles skipped because their circuit breaker denied the call",
			},
			[]string{"profile", "reason"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"profile", "from", "to"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Current breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"profile"},
		),
	}
}

// ObserveRequest records one finished Execute call.
func (p *PrometheusRecorder) ObserveRequest(status string, attempts int, duration time.Duration) {
	p.requestsTotal.WithLabelValues(status).Inc()
	p.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
	p.requestAttempts.Observe(float64(attempts))
}

// ObserveAttempt records one provider call.
func (p *PrometheusRecorder) ObserveAttempt(profileID, result string, duration time.Duration) {
	p.attemptsTotal.WithLabelValues(profileID, result).Inc()
	p.attemptDuration.WithLabelValues(profileID).Observe(duration.Seconds())
}

// IncRateLimited counts a local rate-limit rejection.
func (p *PrometheusRecorder) IncRateLimited(profileID, tier string) {
	p.rateLimitedTotal.WithLabelValues(profileID, tier).Inc()
}

// IncBreakerSkip counts a breaker-denied profile.
func (p *PrometheusRecorder) IncBreakerSkip(profileID, reason string) {
	p.breakerSkipsTotal.WithLabelValues(profileID, reason).Inc()
}

// ObserveBreakerTransition counts the transition and updates the state gauge.
func (p *PrometheusRecorder) ObserveBreakerTransition(profileID, from, to string) {
	p.breakerTransitions.WithLabelValues(profileID, from, to).Inc()
	if v, ok := stateValues[to]; ok {
		p.breakerState.WithLabelValues(profileID).Set(v)
	}
}
