package breaker

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

var errStore = errors.New("store unavailable")

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock, *[]string) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	var transitions []string
	b := New("test", Config{FailureRateThreshold: 50, WindowSize: 10, Cooldown: 30 * time.Second},
		WithClock(clock.Now),
		WithTransitionFunc(func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)
	return b, clock, &transitions
}

func fail() error {
	return errStore
}

func succeed() error {
	return nil
}

func TestBreaker_OpensAfterSixFailures(t *testing.T) {
	b, _, transitions := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(fail), errStore)
		assert.Equal(t, StateClosed, b.State(), "failure %d", i+1)
	}

	assert.ErrorIs(t, b.Execute(fail), errStore)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []string{"closed->open"}, *transitions)
}

func TestBreaker_HalfFailuresStayClosed(t *testing.T) {
	b, _, _ := newTestBreaker(t)

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			_ = b.Execute(fail)
		} else {
			_ = b.Execute(succeed)
		}
	}
	assert.Equal(t, StateClosed, b.State())

	// older failures slide out of the window
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Execute(succeed))
	}
	for i := 0; i < 5; i++ {
		_ = b.Execute(fail)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenShortCircuits(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	for i := 0; i < 6; i++ {
		_ = b.Execute(fail)
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, clock, transitions := newTestBreaker(t)
	for i := 0; i < 6; i++ {
		_ = b.Execute(fail)
	}
	clock.Advance(30 * time.Second)

	var concurrent error
	err := b.Execute(func() error {
		assert.Equal(t, StateHalfOpen, b.State())
		// any other call while the trial is in flight is rejected
		concurrent = b.Execute(succeed)
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, concurrent, ErrOpen)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, *transitions)

	// the window was reset on close
	for i := 0; i < 5; i++ {
		_ = b.Execute(fail)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b, clock, transitions := newTestBreaker(t)
	for i := 0; i < 6; i++ {
		_ = b.Execute(fail)
	}
	clock.Advance(31 * time.Second)

	assert.ErrorIs(t, b.Execute(fail), errStore)
	assert.Equal(t, StateOpen, b.State())

	// cooldown restarts from the failed trial
	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)

	clock.Advance(20 * time.Second)
	assert.NoError(t, b.Execute(succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{
		"closed->open", "open->half_open", "half_open->open", "open->half_open", "half_open->closed",
	}, *transitions)
}

func TestNew_Defaults(t *testing.T) {
	b := New("defaults", Config{})
	assert.Equal(t, DefaultConfig(), b.config)
	assert.Equal(t, "defaults", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "state(9)", State(9).String())
}
