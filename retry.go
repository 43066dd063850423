package sentry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often and how patiently an operation is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialInterval is the wait after the first failure (1s by default).
	InitialInterval time.Duration
	// Multiplier grows the wait between consecutive attempts (2 by default).
	Multiplier  float64
	MaxInterval time.Duration

	// Timer overrides the wall-clock timer between attempts. Nil uses real time.
	Timer backoff.Timer
}

// DefaultRetryPolicy waits 1s, 2s, 4s... between attempts and allows two attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
	}
}

// WithAttempts returns a copy of p with a different attempt budget.
func (p RetryPolicy) WithAttempts(n int) RetryPolicy {
	p.MaxAttempts = n
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Second
	}
	exp.Multiplier = p.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 2
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Permanent marks err as terminal: WithRetry returns it immediately
// regardless of the remaining attempt budget.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryNotify observes a failed attempt before the wait that precedes the next one.
type RetryNotify func(attempt int, err error, wait time.Duration)

// WithRetry runs op until it succeeds, returns a Permanent error, the attempt
// budget is spent, or ctx is done. op receives the 1-based attempt number.
// The error returned is the one produced by the last attempt.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) (T, error), notify RetryNotify) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		return op(ctx, attempt)
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) { notify(attempt, err, wait) }
	}

	return backoff.RetryNotifyWithTimerAndData(operation, policy.backOff(ctx), onRetry, policy.Timer)
}
