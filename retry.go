package catga

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// BackoffFunc returns the wait before the retry that follows attempt.
// attempt is one-based.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff waits base * multiplier^(attempt-1) plus a random
// jitter in [0, jitter).
func ExponentialBackoff(base time.Duration, multiplier float64, jitter time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := time.Duration(float64(base) * math.Pow(multiplier, float64(attempt-1)))
		if jitter > 0 {
			d += time.Duration(rand.Int63n(int64(jitter)))
		}
		return d
	}
}

// ShouldRetryFunc decides whether a failed attempt is retried.
type ShouldRetryFunc func(error) bool

// DefaultShouldRetry retries everything except permanent failures and
// cancellation.
func DefaultShouldRetry(err error) bool {
	return !errors.Is(err, ErrPermanent) && !errors.Is(err, context.Canceled)
}

// RetryOn retries only errors matching one of errs, plus anything marked
// Transient or timed out.
func RetryOn(errs ...error) ShouldRetryFunc {
	return func(err error) bool {
		if errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout) {
			return true
		}
		for _, e := range errs {
			if errors.Is(err, e) {
				return true
			}
		}
		return false
	}
}

// Disabled sets a RetryPolicy duration to zero instead of inheriting the
// executor default: no base delay, no jitter or no attempt timeout.
const Disabled time.Duration = -1

// RetryPolicy bounds how a transaction's forward action is retried. Zero
// fields inherit the executor defaults; use Disabled to zero a duration.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	Jitter         time.Duration
	AttemptTimeout time.Duration
	ShouldRetry    ShouldRetryFunc
	// Backoff overrides the exponential formula when set.
	Backoff BackoffFunc
}

func (p RetryPolicy) inherit(base RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	p.BaseDelay = inheritDuration(p.BaseDelay, base.BaseDelay)
	if p.Multiplier <= 0 {
		p.Multiplier = base.Multiplier
	}
	p.Jitter = inheritDuration(p.Jitter, base.Jitter)
	p.AttemptTimeout = inheritDuration(p.AttemptTimeout, base.AttemptTimeout)
	if p.ShouldRetry == nil {
		p.ShouldRetry = base.ShouldRetry
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = DefaultShouldRetry
	}
	if p.Backoff == nil {
		p.Backoff = base.Backoff
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

func inheritDuration(d, base time.Duration) time.Duration {
	switch {
	case d == 0:
		return base
	case d < 0:
		return 0
	default:
		return d
	}
}

// Delay returns the wait after attempt fails.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff != nil {
		return p.Backoff(attempt)
	}
	return ExponentialBackoff(p.BaseDelay, p.Multiplier, p.Jitter)(attempt)
}

// sleep waits d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
