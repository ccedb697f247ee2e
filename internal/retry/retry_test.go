package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errConflict = errors.New("context conflict")
	errBroken   = errors.New("broken")
)

func quick(attempts int) Backoff {
	return Backoff{Attempts: attempts, BaseDelay: time.Millisecond}
}

// failing returns fn that fails the first n calls with err.
func failing(n int, err error, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		backoff   Backoff
		failures  int
		err       error
		wantErr   error
		wantCalls int
	}{
		{"first call succeeds", quick(3), 0, nil, nil, 1},
		{"succeeds on last attempt", quick(3), 2, errConflict, nil, 3},
		{"attempts exhausted", quick(3), 10, errConflict, errConflict, 3},
		{"zero attempts means one", quick(0), 10, errConflict, errConflict, 1},
		{
			"non-retryable stops at once",
			Backoff{Attempts: 5, BaseDelay: time.Millisecond, Retryable: func(err error) bool { return errors.Is(err, errConflict) }},
			10, errBroken, errBroken, 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), tc.backoff, failing(tc.failures, tc.err, &calls))
			if tc.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			assert.Equal(t, tc.wantCalls, calls)
		})
	}
}

func TestDo_OnRetry(t *testing.T) {
	var seen []int
	b := quick(4)
	b.OnRetry = func(attempt int, err error) {
		assert.ErrorIs(t, err, errConflict)
		seen = append(seen, attempt)
	}
	var calls int
	require.NoError(t, Do(context.Background(), b, failing(2, errConflict, &calls)))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_ContextCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	start := time.Now()
	err := Do(ctx, Backoff{Attempts: 5, BaseDelay: time.Minute}, failing(10, errConflict, &calls))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for i := 0; i < 50; i++ {
		d := b.delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)

		d = b.delay(5)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond, "capped by MaxDelay")
	}
	assert.Zero(t, Backoff{}.delay(3))
}
