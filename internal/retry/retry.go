// Package retry applies one configuration-driven backoff policy to every
// egress call: AI capability, incident ledger and knowledge base.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrAttemptTimeout marks an attempt that exceeded Policy.AttemptTimeout.
// It is always treated as a transport failure.
var ErrAttemptTimeout = errors.New("attempt timed out")

// Policy is bounded exponential backoff with optional jitter.
type Policy struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	// Jitter is the fraction (0..1) of each delay that is randomised.
	Jitter float64 `yaml:"jitter"`
	// AttemptTimeout bounds a single attempt; zero leaves it to the caller's context.
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
}

// DefaultPolicy is used wherever configuration leaves a policy empty.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Jitter:         0.2,
		AttemptTimeout: 30 * time.Second,
	}
}

// Validate rejects policies that cannot make progress.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("maxAttempts must be positive, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("baseDelay %s exceeds maxDelay %s", p.BaseDelay, p.MaxDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %v", p.Jitter)
	}
	return nil
}

// Backoff returns the wait before the attempt following attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

// Classifier reports whether err may be retried.
type Classifier func(err error) bool

// Retrier runs calls under a Policy.
type Retrier struct {
	policy Policy
	clock  clockwork.Clock
	// OnRetry, when set, observes every failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// New constructs a Retrier. A nil clock uses wall time.
func New(policy Policy, clock clockwork.Clock) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retrier{policy: policy, clock: clock}
}

// Policy returns the policy the retrier applies.
func (r *Retrier) Policy() Policy { return r.policy }

// Do calls fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done.
func (r *Retrier) Do(ctx context.Context, retryable Classifier, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, r, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, r *Retrier, retryable Classifier, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		val, err := runAttempt(ctx, r.policy.AttemptTimeout, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if !errors.Is(err, ErrAttemptTimeout) && (retryable == nil || !retryable(err)) {
			return zero, err
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		wait := r.policy.Backoff(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, err, wait)
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-r.clock.After(wait):
		}
	}
	return zero, fmt.Errorf("gave up after %d attempts: %w", r.policy.MaxAttempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	val, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return val, fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, timeout, err)
	}
	return val, err
}
