package circuit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, cfg Config, opts ...Option) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b, err := New("test", cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return b, clock
}

func permit(t *testing.T, b *Breaker) Ticket {
	t.Helper()
	ticket, err := b.Permit()
	require.NoError(t, err)
	return ticket
}

// call runs one permitted call that ends with outcome.
func call(t *testing.T, b *Breaker, outcome Outcome) {
	t.Helper()
	b.Record(permit(t, b), outcome)
}

func openBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < b.Config().FailureThreshold; i++ {
		call(t, b, Failure)
	}
	require.Equal(t, Open, b.State())
}

// TestBreakerOpensDeterministically verifies five straight failures open the breaker.
func TestBreakerOpensDeterministically(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig)

	for i := 0; i < 4; i++ {
		call(t, b, Failure)
		assert.Equal(t, Closed, b.State(), "failure %d", i+1)
	}
	call(t, b, Failure)
	assert.Equal(t, Open, b.State())

	_, err := b.Permit()
	var cbErr *Error
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, Open, cbErr.State)
	assert.False(t, cbErr.Busy)
}

// TestSuccessResetsFailureCount verifies a success on the 4th call prevents the 5th
// failure from opening the breaker.
func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig)

	call(t, b, Failure)
	call(t, b, Failure)
	call(t, b, Failure)
	call(t, b, Success)
	assert.Equal(t, 0, b.Failures())

	call(t, b, Failure)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Failures())
}

func TestNeutralDoesNotCount(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig)

	for i := 0; i < 4; i++ {
		call(t, b, Failure)
	}
	for i := 0; i < 10; i++ {
		call(t, b, Neutral)
	}
	assert.Equal(t, 4, b.Failures(), "neutral neither counts nor resets")
	assert.Equal(t, Closed, b.State())
}

// TestBreakerRecovery verifies the open timeout boundary.
func TestBreakerRecovery(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultConfig)
	openBreaker(t, b)

	clock.Advance(59 * time.Second)
	_, err := b.Permit()
	require.Error(t, err)
	assert.Equal(t, Open, b.State())

	clock.Advance(2 * time.Second)
	ticket := permit(t, b)
	assert.True(t, ticket.Trial())
	assert.Equal(t, HalfOpen, b.State())
}

// TestHalfOpenSingleFlight verifies only one trial is granted at a time.
func TestHalfOpenSingleFlight(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultConfig)
	openBreaker(t, b)
	clock.Advance(DefaultConfig.OpenTimeout)

	trial := permit(t, b)

	_, err := b.Permit()
	var cbErr *Error
	require.ErrorAs(t, err, &cbErr)
	assert.True(t, cbErr.Busy)
	assert.Equal(t, HalfOpen, cbErr.State)
	assert.Contains(t, err.Error(), "in flight")

	b.Record(trial, Success)
	assert.Equal(t, HalfOpen, b.State(), "one success is below success_threshold")
	assert.Equal(t, 1, b.Successes())

	call(t, b, Success)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestHalfOpenConcurrentPermitGrantsOneTrial(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultConfig)
	openBreaker(t, b)
	clock.Advance(DefaultConfig.OpenTimeout)

	var granted, busy atomic.Int32
	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			_, err := b.Permit()
			var cbErr *Error
			switch {
			case err == nil:
				granted.Add(1)
			case errors.As(err, &cbErr) && cbErr.Busy:
				busy.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), granted.Load())
	assert.Equal(t, int32(63), busy.Load())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultConfig)
	openBreaker(t, b)
	clock.Advance(DefaultConfig.OpenTimeout)

	call(t, b, Failure)
	assert.Equal(t, Open, b.State())

	snap := b.Snapshot()
	assert.Equal(t, clock.Now(), snap.OpenedAt, "re-open restarts the timeout")
	assert.Equal(t, int64(2), snap.Opens)
	assert.False(t, snap.TrialInFlight)

	clock.Advance(DefaultConfig.OpenTimeout - time.Second)
	_, err := b.Permit()
	require.Error(t, err)
}

func TestHalfOpenNeutralReleasesSlot(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultConfig)
	openBreaker(t, b)
	clock.Advance(DefaultConfig.OpenTimeout)

	call(t, b, Neutral)

	snap := b.Snapshot()
	assert.Equal(t, HalfOpen, snap.State)
	assert.False(t, snap.TrialInFlight)
	assert.Equal(t, 0, snap.Successes)
	permit(t, b)
}

func TestRecordWhileOpenIsIgnored(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultConfig)
	inflight := permit(t, b)
	openBreaker(t, b)
	opened := b.Snapshot().OpenedAt

	clock.Advance(10 * time.Second)
	b.Record(inflight, Success)
	b.Record(inflight, Failure)

	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, opened, snap.OpenedAt)
	assert.Equal(t, int64(1), snap.Opens)
}

// TestLateClosedResultCannotTakeTrialSlot covers a call permitted while closed that
// finishes after the breaker has already moved on to half-open.
func TestLateClosedResultCannotTakeTrialSlot(t *testing.T) {
	for _, successThreshold := range []int{1, 2} {
		cfg := DefaultConfig
		cfg.SuccessThreshold = successThreshold
		b, clock := newTestBreaker(t, cfg)

		stale := permit(t, b)
		openBreaker(t, b)
		clock.Advance(cfg.OpenTimeout)
		trial := permit(t, b)
		require.True(t, trial.Trial())

		b.Record(stale, Success)

		snap := b.Snapshot()
		assert.Equal(t, HalfOpen, snap.State, "threshold %d", successThreshold)
		assert.True(t, snap.TrialInFlight, "threshold %d", successThreshold)
		assert.Equal(t, 0, snap.Successes, "threshold %d", successThreshold)
		_, err := b.Permit()
		var cbErr *Error
		require.ErrorAs(t, err, &cbErr)
		assert.True(t, cbErr.Busy)

		b.Record(trial, Failure)
		assert.Equal(t, Open, b.State(), "the real trial still decides")
	}
}

// TestOldTrialTicketIsStaleAfterReopen covers a trial result arriving after another
// trial cycle has started.
func TestOldTrialTicketIsStaleAfterReopen(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultConfig)
	openBreaker(t, b)
	clock.Advance(DefaultConfig.OpenTimeout)

	first := permit(t, b)
	b.Reset()
	openBreaker(t, b)
	clock.Advance(DefaultConfig.OpenTimeout)
	second := permit(t, b)

	b.Record(first, Neutral)
	assert.True(t, b.Snapshot().TrialInFlight)

	b.Record(second, Neutral)
	assert.False(t, b.Snapshot().TrialInFlight)
}

func TestTicketIsSingleUseInHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultConfig)
	openBreaker(t, b)
	clock.Advance(DefaultConfig.OpenTimeout)

	trial := permit(t, b)
	b.Record(trial, Success)
	next := permit(t, b)

	b.Record(trial, Success)
	snap := b.Snapshot()
	assert.Equal(t, HalfOpen, snap.State, "a spent ticket does not count twice")
	assert.Equal(t, 1, snap.Successes)
	assert.True(t, snap.TrialInFlight)

	b.Record(next, Success)
	assert.Equal(t, Closed, b.State())
}

func TestOnStateChange(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	observer := func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, name+":"+from.String()+"->"+to.String())
	}

	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Second, CallTimeout: time.Second}
	b, clock := newTestBreaker(t, cfg, WithOnStateChange(observer))

	call(t, b, Failure)
	clock.Advance(time.Second)
	call(t, b, Success)

	assert.Equal(t, []string{
		"test:closed->open",
		"test:open->half_open",
		"test:half_open->closed",
	}, seen)
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig)
	openBreaker(t, b)

	b.Reset()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
	permit(t, b)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig.Validate())

	bad := DefaultConfig
	bad.SuccessThreshold = 0
	_, err := New("bad", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "success_threshold")

	bad = DefaultConfig
	bad.CallTimeout = 0
	require.Error(t, bad.Validate())
}
