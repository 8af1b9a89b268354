// Package retry provides bounded retry with exponential backoff for channel
// starts and message sends.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts. Zero means no cap.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Logger receives one warning per failed attempt.
	Logger *slog.Logger
}

// DefaultConfig returns the retry policy used around channel starts and sends:
// three attempts, 5s base delay growing by 1.5x.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		Factor:       1.5,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent retrying.
	Duration time.Duration
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Factor <= 0 {
		c.Factor = defaults.Factor
	}
	if c.Sleep == nil {
		c.Sleep = SleepWithContext
	}
	return c
}

// Do executes op until it succeeds, the attempts run out or ctx is done.
// Attempts never overlap and every error is retried.
func Do(ctx context.Context, config Config, op func(ctx context.Context) error) Result {
	config = config.normalized()
	start := time.Now()
	result := Result{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op(ctx)
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if attempt >= config.MaxAttempts {
			break
		}

		delay := Backoff(attempt, config.InitialDelay, config.MaxDelay, config.Factor)
		if config.Logger != nil {
			config.Logger.Warn("attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", config.MaxAttempts,
				"delay", delay,
				"error", err)
		}
		if err := config.Sleep(ctx, delay); err != nil {
			result.Err = err
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Duration = time.Since(start)
	return result
}

// WithBackoff runs op under Do and wraps the final error in an ExhaustedError
// that carries the attempt count. The original error stays reachable through
// errors.Is/As.
func WithBackoff(ctx context.Context, operation string, config Config, op func(ctx context.Context) error) error {
	result := Do(ctx, config, op)
	if result.Err == nil {
		return nil
	}
	if errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, context.DeadlineExceeded) {
		return result.Err
	}
	return &ExhaustedError{Operation: operation, Attempts: result.Attempts, Err: result.Err}
}

// Backoff returns the delay to wait after the given failed attempt (1-based):
// initial * factor^(attempt-1), capped at max when max > 0.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if factor <= 0 {
		factor = 1.5
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

// SleepWithContext sleeps for d, returning ctx.Err() if ctx ends first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
