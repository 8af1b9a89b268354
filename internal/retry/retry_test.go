package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingSleep captures requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func testConfig(rs *recordingSleep) Config {
	config := DefaultConfig()
	config.Sleep = rs.sleep
	return config
}

func TestDo_Success(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	result := Do(context.Background(), testConfig(rs), func(ctx context.Context) error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if len(rs.delays) != 0 {
		t.Errorf("expected no sleeps, got %v", rs.delays)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	result := Do(context.Background(), testConfig(rs), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected success, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_AlwaysFailsFollowsSchedule(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	boom := errors.New("boom")
	result := Do(context.Background(), testConfig(rs), func(ctx context.Context) error {
		calls++
		return boom
	})

	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
	if !errors.Is(result.Err, boom) {
		t.Errorf("expected boom, got %v", result.Err)
	}

	want := []time.Duration{5 * time.Second, 7500 * time.Millisecond}
	if len(rs.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rs.delays, want)
	}
	for i := range want {
		if rs.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rs.delays[i], want[i])
		}
	}
}

func TestWithBackoff_WrapsAttemptCount(t *testing.T) {
	rs := &recordingSleep{}
	boom := errors.New("driver offline")
	err := WithBackoff(context.Background(), "start telegram", testConfig(rs), func(ctx context.Context) error {
		return boom
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T: %v", err, err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Error("original error should stay reachable")
	}
	if got := err.Error(); got != "start telegram failed after 3 attempts: driver offline" {
		t.Errorf("Error() = %q", got)
	}
}

func TestDo_RetriesEveryError(t *testing.T) {
	rs := &recordingSleep{}
	calls := 0
	unauthorized := errors.New("401 unauthorized")
	result := Do(context.Background(), testConfig(rs), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("start: %w", unauthorized)
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3: errors are not classified", calls)
	}
	if !errors.Is(result.Err, unauthorized) {
		t.Errorf("Err = %v, want the last attempt's error", result.Err)
	}
}

func TestDo_ContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := DefaultConfig()
	config.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	result := Do(ctx, config, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDo_ContextCanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	result := Do(ctx, DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})

	if calls != 0 {
		t.Errorf("expected 0 calls, got %d", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDo_AttemptsNeverOverlap(t *testing.T) {
	rs := &recordingSleep{}
	var inFlight, maxInFlight int
	var mu sync.Mutex

	Do(context.Background(), testConfig(rs), func(ctx context.Context) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return errors.New("again")
	})

	if maxInFlight != 1 {
		t.Errorf("max concurrent attempts = %d, want 1", maxInFlight)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{1, 0, 5 * time.Second},
		{2, 0, 7500 * time.Millisecond},
		{3, 0, 11250 * time.Millisecond},
		{3, 10 * time.Second, 10 * time.Second},
		{0, 0, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempt, 5*time.Second, tt.max, 1.5); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDo_ZeroMaxAttempts(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 0

	calls := 0
	Do(context.Background(), config, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})

	if calls != 1 {
		t.Errorf("expected 1 call with zero max attempts, got %d", calls)
	}
}

func TestSleepWithContext(t *testing.T) {
	if err := SleepWithContext(context.Background(), 0); err != nil {
		t.Errorf("zero sleep returned %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
