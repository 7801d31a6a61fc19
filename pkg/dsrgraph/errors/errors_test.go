package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noSleep skips backoff.
func noSleep(context.Context, time.Duration) error { return nil }

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryConfiguration, "configuration"},
		{CategoryPermanent, "permanent"},
		{Category(99), "unknown"},
		{Category(-1), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.category.String())
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), CategoryTransient},
		{"panic", &PanicError{Operation: "retrieve_data", Value: "boom"}, CategoryPermanent},
		{"configuration", Configuration(errors.New("missing source"), "traverse"), CategoryConfiguration},
		{"wrapped configuration", fmt.Errorf("outer: %w", Configuration(errors.New("x"), "")), CategoryConfiguration},
		{"transient overrides panic", Transient(&PanicError{Operation: "x"}, ""), CategoryTransient},
		{"canceled", context.Canceled, CategoryPermanent},
		{"unsupported", errors.ErrUnsupported, CategoryPermanent},
		{"unknown", errors.New("connection reset"), CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Categorize(tt.err))
		})
	}
}

func TestCategorizedError(t *testing.T) {
	t.Run("with op", func(t *testing.T) {
		err := Transient(errors.New("failed"), "shop:users")
		assert.Equal(t, "shop:users: failed [transient]", err.Error())
	})

	t.Run("with attempts", func(t *testing.T) {
		err := &CategorizedError{Err: errors.New("failed"), Category: CategoryPermanent, Attempts: 3}
		assert.Equal(t, "failed [permanent after 3 attempts]", err.Error())
	})

	t.Run("unwrap", func(t *testing.T) {
		inner := errors.New("inner")
		assert.ErrorIs(t, Permanent(inner, "test"), inner)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("flaky")))
	assert.False(t, IsRetryable(Configuration(errors.New("bad"), "")))
	assert.True(t, IsConfiguration(Configuration(errors.New("bad"), "")))
	assert.False(t, IsConfiguration(errors.New("flaky")))
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 10 * time.Millisecond, BackoffFactor: 3, MaxBackoff: 200 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 30*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 90*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(4))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(40))

	constant := RetryConfig{InitialBackoff: time.Second}
	assert.Equal(t, time.Second, constant.Backoff(5))
}

func TestWithRetryContext_SucceedsAfterFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, BackoffFactor: 2, sleep: noSleep}

	calls := 0
	result := WithRetryContext(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, result.Delays)
}

func TestWithRetryContext_ExhaustsAttempts(t *testing.T) {
	var hooks []int
	cfg := RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 5 * time.Millisecond,
		BackoffFactor:  3,
		MaxBackoff:     time.Second,
		OnRetry:        func(attempt int, _ error, _ time.Duration) { hooks = append(hooks, attempt) },
		sleep:          noSleep,
	}

	calls := 0
	down := errors.New("down")
	result := WithRetryContext(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, down
	})

	require.ErrorIs(t, result.Err, down)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, []int{1, 2, 3}, hooks)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 15 * time.Millisecond, 45 * time.Millisecond}, result.Delays)

	var catErr *CategorizedError
	require.ErrorAs(t, result.Err, &catErr)
	assert.Equal(t, CategoryTransient, catErr.Category)
	assert.Equal(t, 4, catErr.Attempts)
}

func TestWithRetryContext_SingleAttempt(t *testing.T) {
	calls := 0
	result := WithRetryContext(context.Background(), RetryConfig{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})
	assert.Equal(t, 1, calls)
	assert.Empty(t, result.Delays)
}

func TestWithRetryContext_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	result := WithRetryContext(context.Background(), RetryConfig{MaxAttempts: 5, sleep: noSleep}, func(context.Context) (int, error) {
		calls++
		return 0, Configuration(errors.New("no such connection"), "connector")
	})

	assert.Equal(t, 1, calls)
	assert.True(t, IsConfiguration(result.Err))
}

func TestWithRetryContext_CustomRetryable(t *testing.T) {
	sentinel := errors.New("stop")
	cfg := RetryConfig{
		MaxAttempts:   5,
		RetryableFunc: func(err error) bool { return !errors.Is(err, sentinel) },
		sleep:         noSleep,
	}

	calls := 0
	result := WithRetryContext(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, sentinel
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.Err, sentinel)
}

func TestWithRetryContext_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := WithRetryContext(ctx, RetryConfig{MaxAttempts: 3}, func(context.Context) (int, error) {
		t.Fatal("should not be called")
		return 0, nil
	})
	assert.Equal(t, 0, result.Attempts)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestWithRetryContext_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Hour}

	result := WithRetryContext(ctx, cfg, func(context.Context) (int, error) {
		cancel()
		return 0, errors.New("flaky")
	})
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, CategoryPermanent, Categorize(result.Err))
}

func TestJitter(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, jitter(base, 0))
	for i := 0; i < 50; i++ {
		d := jitter(base, 0.5)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
