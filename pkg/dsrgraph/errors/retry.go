package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig is the retry policy of one connector call.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below 1 mean one attempt.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay. Zero means uncapped.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the delay after each retry. Values below 1
	// keep it constant.
	BackoffFactor float64

	// Jitter spreads each delay by up to this fraction either way (0.0-1.0).
	Jitter float64

	// RetryableFunc overrides IsRetryable.
	RetryableFunc func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	// attempt is the 1-based number of the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)

	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration) error
}

// attempts returns the effective attempt budget.
func (c RetryConfig) attempts() int {
	return max(c.MaxAttempts, 1)
}

// Backoff returns the delay, before jitter, that follows failed attempt n
// (1-based).
func (c RetryConfig) Backoff(n int) time.Duration {
	d := float64(c.InitialBackoff)
	factor := max(c.BackoffFactor, 1)
	for i := 1; i < n; i++ {
		d *= factor
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	// Value is the result of the successful attempt.
	Value T

	// Err is the last error, categorized, when no attempt succeeded.
	Err error

	// Attempts is how many times fn ran.
	Attempts int

	// Delays holds the backoff slept before each retry, in order.
	Delays []time.Duration

	// Duration is the total time spent, sleeps included.
	Duration time.Duration
}

// WithRetryContext calls fn until it succeeds, returns an error that is
// not retryable, or the attempt budget runs out. Cancellation of ctx stops
// it between attempts and during backoff.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := cfg.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var res RetryResult[T]
	finish := func(err error, category Category) RetryResult[T] {
		if err != nil {
			res.Err = &CategorizedError{Err: err, Category: category, Attempts: res.Attempts}
		}
		res.Duration = time.Since(start)
		return res
	}

	limit := cfg.attempts()
	for {
		if err := ctx.Err(); err != nil {
			return finish(err, CategoryPermanent)
		}

		res.Attempts++
		value, err := fn(ctx)
		if err == nil {
			res.Value = value
			return finish(nil, 0)
		}
		if !retryable(err) || res.Attempts >= limit {
			return finish(err, Categorize(err))
		}

		delay := jitter(cfg.Backoff(res.Attempts), cfg.Jitter)
		if cfg.OnRetry != nil {
			cfg.OnRetry(res.Attempts, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return finish(err, CategoryPermanent)
		}
		res.Delays = append(res.Delays, delay)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitter spreads base by up to fraction either way.
func jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	spread := float64(base) * fraction * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + spread)
}
