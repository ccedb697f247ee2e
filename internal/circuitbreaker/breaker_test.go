package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/devicetrust/internal/metrics"
)

var errDown = errors.New("redis down")

// fakeClock lets tests move time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(name string, maxFailures int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(Settings{Name: name, MaxFailures: maxFailures, OpenTimeout: time.Second})
	b.now = clk.now
	return b, clk
}

func fail() error    { return errDown }
func succeed() error { return nil }

func TestBreaker_Defaults(t *testing.T) {
	b := New(Settings{})
	assert.Equal(t, 5, b.maxFailures)
	assert.Equal(t, 30*time.Second, b.openTimeout)
	assert.Equal(t, "default", b.name)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker("test_opens", 3)

	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.NoError(t, b.Do(succeed), "a success resets the count")
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Do(fail), errDown)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(metrics.BreakerState.WithLabelValues("test_opens")))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	tests := []struct {
		name  string
		trial func() error
		want  State
	}{
		{"trial succeeds", succeed, StateClosed},
		{"trial fails", fail, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, clk := newTestBreaker("test_trial", 1)
			_ = b.Do(fail)
			is := assert.New(t)
			is.Equal(StateOpen, b.State())

			clk.advance(time.Second)
			_ = b.Do(func() error {
				is.Equal(StateHalfOpen, b.State())
				is.ErrorIs(b.Do(succeed), ErrOpen, "only one trial at a time")
				return tc.trial()
			})
			is.Equal(tc.want, b.State())
		})
	}
}

func TestBreaker_CountsTransitions(t *testing.T) {
	b, clk := newTestBreaker("test_transitions", 1)
	before := testutil.ToFloat64(metrics.BreakerTransitionsTotal.WithLabelValues("test_transitions", "open"))

	_ = b.Do(fail)
	clk.advance(time.Second)
	_ = b.Do(fail)

	assert.Equal(t, before+2, testutil.ToFloat64(metrics.BreakerTransitionsTotal.WithLabelValues("test_transitions", "open")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
