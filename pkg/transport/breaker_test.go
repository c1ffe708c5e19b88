package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func failingCall() error { return errBackend }
func passingCall() error { return nil }

func TestBreakerTripsAndRecovers(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxRequests: 2,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	require.Equal(t, StateClosed, b.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(failingCall), errBackend)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(passingCall), ErrOpen)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// MaxRequests consecutive probe successes close the breaker.
	require.NoError(t, b.Execute(passingCall))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(passingCall))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Timeout:     30 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, b.Execute(failingCall), errBackend)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(passingCall), ErrOpen)
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		MaxRequests: 1,
		Timeout:     30 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	time.Sleep(50 * time.Millisecond)

	done, err := b.Allow()
	require.NoError(t, err)

	// The single probe slot is taken; everyone else is shed.
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	done(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerDiscardsStaleGenerationResults(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	// A slow call admitted in the closed generation...
	done, err := b.Allow()
	require.NoError(t, err)

	// ...while a faster one trips the breaker and rolls the generation.
	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	require.Equal(t, StateOpen, b.State())

	// The stale result lands after the roll and must not touch the ledger.
	done(false)
	assert.Equal(t, Counts{}, b.Counts())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerDefaultRatioTrip(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig("api"))

	require.NoError(t, b.Execute(passingCall))
	require.NoError(t, b.Execute(passingCall))
	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	require.Equal(t, StateClosed, b.State(), "four requests are below the volume floor")

	// Fifth request, third failure: 3/5 crosses the 0.5 ratio.
	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerClosedIntervalRollsLedger(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Interval:    30 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})

	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	require.Equal(t, uint32(2), b.Counts().ConsecutiveFailures)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts(), "interval roll ages out old failures")

	// One more failure after the roll starts from a clean ledger.
	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestBreakerReportsStateChanges(t *testing.T) {
	type change struct{ from, to State }
	var changes []change

	b := NewBreaker(BreakerConfig{
		MaxRequests: 1,
		Timeout:     30 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, change{from, to})
		},
	})

	require.ErrorIs(t, b.Execute(failingCall), errBackend)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(passingCall))

	assert.Equal(t, []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, changes)
}

func TestBreakerExecutePanicCountsAsFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	assert.Panics(t, func() {
		_ = b.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestCountsFailureRatio(t *testing.T) {
	assert.Equal(t, 0.0, Counts{}.FailureRatio())
	assert.Equal(t, 0.75, Counts{Requests: 4, TotalFailures: 3}.FailureRatio())
}
