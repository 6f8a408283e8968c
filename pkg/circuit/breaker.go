// Package circuit provides a per-profile circuit breaker with a single-flight half-open trial.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"llmharness/pkg/logx"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing provider failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject calls
	HalfOpen              // Probing whether the provider recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome is what a finished call reports to the breaker.
type Outcome int

const (
	// Success resets the failure count or advances recovery.
	Success Outcome = iota
	// Failure counts toward opening, or re-opens from half-open.
	Failure
	// Neutral releases a half-open trial slot without counting either way.
	Neutral
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Neutral:
		return "neutral"
	default:
		return "unknown"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"` // Half-open successes needed to close
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`           // Time spent open before a trial is allowed
	CallTimeout      time.Duration `json:"call_timeout" yaml:"call_timeout"`           // Deadline applied to every permitted call
}

// DefaultConfig provides the defaults applied when a profile leaves breaker settings unset.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	OpenTimeout:      60 * time.Second,
	CallTimeout:      30 * time.Second,
}

// Validate rejects configs that could never open or never close.
func (c Config) Validate() error {
	var errs []error
	if c.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("failure_threshold must be positive, got %d", c.FailureThreshold))
	}
	if c.SuccessThreshold <= 0 {
		errs = append(errs, fmt.Errorf("success_threshold must be positive, got %d", c.SuccessThreshold))
	}
	if c.OpenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("open_timeout must be positive, got %v", c.OpenTimeout))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call_timeout must be positive, got %v", c.CallTimeout))
	}
	return errors.Join(errs...)
}

// Error is returned by Permit when a call must not be attempted.
type Error struct {
	State State
	Busy  bool // Half-open with the single trial already in flight
}

func (e *Error) Error() string {
	if e.Busy {
		return fmt.Sprintf("circuit breaker is %s: trial call already in flight", e.State)
	}
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// StateChangeFunc observes transitions. It runs after the breaker lock is released.
type StateChangeFunc func(name string, from, to State)

// Snapshot is a consistent read of breaker state.
type Snapshot struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	TrialInFlight bool      `json:"trial_in_flight"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	Opens         int64     `json:"opens"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source used for open timeouts.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger replaces the default "circuit" logger.
func WithLogger(logger *logx.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithOnStateChange registers a transition observer. Multiple observers run in order.
func WithOnStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.observers = append(b.observers, fn)
		}
	}
}

type transition struct {
	from, to State
}

// Breaker is a three-state failure detector. Permit and Record are serialized by one mutex.
// Every permitted call carries a Ticket so late results from an earlier state are dropped.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	name      string
	config    Config
	now       func() time.Time
	logger    *logx.Logger
	observers []StateChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	trialInFlight bool
	trials        uint64
	generation    uint64
	openedAt      time.Time
	opens         int64
}

// New creates a closed breaker. An invalid config is rejected.
func New(name string, config Config, opts ...Option) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", name, err)
	}
	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		logger: logx.NewLogger("circuit"),
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the breaker's name, normally the owning profile id.
func (b *Breaker) Name() string { return b.name }

// Config returns the breaker's immutable configuration.
func (b *Breaker) Config() Config { return b.config }

// Ticket identifies one permitted call. It must be handed back to Record.
// Tickets issued before the breaker last changed state are stale and Record ignores them.
type Ticket struct {
	generation uint64
	trial      uint64 // Non-zero for the half-open trial call
}

// Trial reports whether the ticket holds the half-open trial slot.
func (t Ticket) Trial() bool { return t.trial != 0 }

// Permit reports whether a call may be attempted now. It is the only operation that
// moves Open to HalfOpen and the only one that claims the half-open trial slot.
func (b *Breaker) Permit() (Ticket, error) {
	b.mu.Lock()
	var changes []transition
	ticket, err := b.permitLocked(&changes)
	b.mu.Unlock()

	b.notify(changes)
	return ticket, err
}

func (b *Breaker) permitLocked(changes *[]transition) (Ticket, error) {
	switch b.state {
	case Closed:
		return Ticket{generation: b.generation}, nil

	case Open:
		if b.now().Sub(b.openedAt) < b.config.OpenTimeout {
			return Ticket{}, &Error{State: Open}
		}
		b.setState(HalfOpen, changes)
		return b.claimTrial(), nil

	case HalfOpen:
		if b.trialInFlight {
			return Ticket{}, &Error{State: HalfOpen, Busy: true}
		}
		return b.claimTrial(), nil

	default:
		return Ticket{}, &Error{State: b.state}
	}
}

// claimTrial marks the half-open slot taken. Caller must hold b.mu.
func (b *Breaker) claimTrial() Ticket {
	b.trials++
	b.trialInFlight = true
	return Ticket{generation: b.generation, trial: b.trials}
}

// Record applies the outcome of the call permitted by ticket.
func (b *Breaker) Record(ticket Ticket, outcome Outcome) {
	b.mu.Lock()
	var changes []transition
	b.recordLocked(ticket, outcome, &changes)
	b.mu.Unlock()

	b.notify(changes)
}

func (b *Breaker) recordLocked(ticket Ticket, outcome Outcome, changes *[]transition) {
	if ticket.generation != b.generation {
		// Permitted under an earlier state; its result says nothing about this one.
		return
	}

	switch b.state {
	case Closed:
		switch outcome {
		case Success:
			b.failures = 0
		case Failure:
			b.failures++
			if b.failures >= b.config.FailureThreshold {
				b.trip(changes)
			}
		case Neutral:
		}

	case HalfOpen:
		if !b.trialInFlight || ticket.trial != b.trials {
			return
		}
		switch outcome {
		case Success:
			b.trialInFlight = false
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.setState(Closed, changes)
			}
		case Failure:
			b.trip(changes)
		case Neutral:
			b.trialInFlight = false
		}

	case Open:
		// No tickets are issued while open.
	}
}

// trip moves to Open and stamps the open time. Caller must hold b.mu.
func (b *Breaker) trip(changes *[]transition) {
	b.openedAt = b.now()
	b.opens++
	b.setState(Open, changes)
}

// setState switches state, resets the counters of the new state and invalidates every
// outstanding ticket. Caller must hold b.mu.
func (b *Breaker) setState(to State, changes *[]transition) {
	from := b.state
	b.state = to
	b.generation++
	b.failures = 0
	b.successes = 0
	b.trialInFlight = false
	if from != to {
		*changes = append(*changes, transition{from: from, to: to})
	}
}

func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		switch c.to {
		case Open:
			b.logger.Warn("%s: %s -> %s", b.name, c.from, c.to)
		case Closed:
			b.logger.Info("%s: %s -> %s, provider recovered", b.name, c.from, c.to)
		default:
			b.logger.Debug("%s: %s -> %s", b.name, c.from, c.to)
		}
		for _, fn := range b.observers {
			fn(b.name, c.from, c.to)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count while closed.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Successes returns the half-open success count.
func (b *Breaker) Successes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.successes
}

// Snapshot returns all state fields read under one lock.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		TrialInFlight: b.trialInFlight,
		OpenedAt:      b.openedAt,
		Opens:         b.opens,
	}
}

// Reset forces the breaker closed. This is an operator action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changes []transition
	b.setState(Closed, &changes)
	b.openedAt = time.Time{}
	b.mu.Unlock()

	b.notify(changes)
}
