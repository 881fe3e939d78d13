package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFail = errors.New("fail")

// fakeClock drives the breaker without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 6, 3, 9, 15, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, 10*time.Second)
	cb.now = clk.now
	return cb, clk
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Execute(func() error { return errFail })
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Equal(t, "closed", cb.CurrentState().String())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errFail }), errFail)
	}
	assert.Equal(t, StateOpen, cb.CurrentState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(2)
	trip(cb, 2)
	require.Equal(t, StateOpen, cb.CurrentState())

	clk.advance(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	clk.advance(5 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb, clk := newTestBreaker(2)
	trip(cb, 2)

	clk.advance(11 * time.Second)
	cb.Execute(func() error { return errFail })
	assert.Equal(t, StateOpen, cb.CurrentState())

	// The reset timeout restarts from the failed probe.
	clk.advance(5 * time.Second)
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, clk := newTestBreaker(1)
	trip(cb, 1)
	clk.advance(11 * time.Second)

	err := cb.Execute(func() error {
		// A second caller while the probe is in flight is rejected.
		assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3)

	trip(cb, 2)
	cb.Execute(func() error { return nil })
	trip(cb, 2)

	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Equal(t, 2, cb.Failures())
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions []State
	cb, clk := newTestBreaker(1)
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	trip(cb, 1)
	assert.Equal(t, []State{StateOpen}, transitions)

	clk.advance(11 * time.Second)
	cb.Execute(func() error { return nil })
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}
