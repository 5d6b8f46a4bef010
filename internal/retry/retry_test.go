package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func always(error) bool { return true }

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var calls int
	var observed []int
	r := New(fastPolicy(5), nil)
	r.OnRetry = func(attempt int, err error, wait time.Duration) { observed = append(observed, attempt) }

	err := r.Do(context.Background(), always, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, observed)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	var calls int
	err := New(fastPolicy(5), nil).Do(context.Background(), func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int
	err := New(fastPolicy(3), nil).Do(context.Background(), always, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	policy := fastPolicy(2)
	policy.AttemptTimeout = 10 * time.Millisecond
	var calls int32

	err := New(policy, nil).Do(context.Background(), func(error) bool { return false }, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrAttemptTimeout)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDoValueReturnsValue(t *testing.T) {
	var calls int
	got, err := DoValue(context.Background(), New(fastPolicy(3), nil), always, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "inc-42", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "inc-42", got)
}

func TestDoWaitsOnClockBetweenAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), always, func(context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errTransient
			}
			return nil
		})
	}()

	clock.BlockUntil(1)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second attempt must wait for the backoff")

	clock.Advance(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not resume after clock advanced")
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls int
	err := New(fastPolicy(3), nil).Do(ctx, always, func(context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(40))

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	require.Error(t, Policy{MaxAttempts: 0}.Validate())
	require.Error(t, Policy{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Millisecond}.Validate())
	require.Error(t, Policy{MaxAttempts: 1, Jitter: 2}.Validate())
}
