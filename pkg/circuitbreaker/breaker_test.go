package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	var transitions []State
	cb := New(Settings{
		Name:     "classifier",
		Cooldown: 20 * time.Millisecond,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})
	require.Equal(t, StateClosed, cb.State())

	fail := errors.New("service unavailable")
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Call(func() error { return fail }), fail)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(Settings{
		Cooldown: 10 * time.Millisecond,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	cb.Call(func() error { return errors.New("down") })
	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.Call(func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	cb := New(Settings{
		Cooldown: 10 * time.Millisecond,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	cb.Call(func() error { return errors.New("down") })
	time.Sleep(15 * time.Millisecond)

	err := cb.Call(func() error {
		// The single allowed trial call is in flight.
		assert.ErrorIs(t, cb.Call(func() error { return nil }), ErrTrialLimit)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestPanicCountsAsFailure(t *testing.T) {
	cb := New(Settings{Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})

	assert.Panics(t, func() {
		cb.Call(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestForClassifierTripsOnFailureRatio(t *testing.T) {
	cb := New(ForClassifier("ratio"))
	fail := errors.New("500")

	cb.Call(func() error { return nil })
	cb.Call(func() error { return fail })
	assert.Equal(t, StateClosed, cb.State())
	assert.InDelta(t, 0.5, cb.Counts().FailureRatio(), 0.001)

	cb.Call(func() error { return fail })
	assert.Equal(t, StateOpen, cb.State())
}

func TestForClassifierIgnoresCancellation(t *testing.T) {
	cb := New(ForClassifier("cancel"))
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Call(func() error { return context.Canceled }), context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().Failures)
}
