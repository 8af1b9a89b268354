package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultReconnectDelay is the pause before a dropped transport is reconnected.
const DefaultReconnectDelay = 5 * time.Second

// Reconnector schedules at most one pending reconnect at a time. A failed
// attempt schedules the next one; a successful attempt clears the schedule.
type Reconnector struct {
	delay   time.Duration
	connect func(context.Context) error
	logger  *slog.Logger

	mu       sync.Mutex
	pending  bool
	stopped  bool
	timer    *time.Timer
	attempts int
}

// NewReconnector creates a Reconnector calling connect after delay.
func NewReconnector(delay time.Duration, connect func(context.Context) error, logger *slog.Logger) *Reconnector {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		delay:   delay,
		connect: connect,
		logger:  logger,
	}
}

// Schedule arranges a reconnect after the configured delay. It returns false
// when a reconnect is already pending or the Reconnector was stopped.
func (r *Reconnector) Schedule(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending || r.stopped {
		return false
	}
	r.pending = true
	r.timer = time.AfterFunc(r.delay, func() { r.fire(ctx) })
	return true
}

func (r *Reconnector) fire(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.pending = false
		r.mu.Unlock()
		return
	}
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	err := r.connect(ctx)

	r.mu.Lock()
	r.pending = false
	r.timer = nil
	if err == nil {
		r.attempts = 0
		r.mu.Unlock()
		r.logger.Info("reconnected", "attempt", attempt)
		return
	}
	r.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	r.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	r.Schedule(ctx)
}

// Pending reports whether a reconnect is scheduled or running.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Attempts returns the number of consecutive failed or in-flight attempts.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Stop cancels any pending reconnect and rejects future schedules.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	if r.timer != nil && r.timer.Stop() {
		r.pending = false
	}
	r.timer = nil
}

// Reset re-enables a stopped Reconnector.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = false
	r.attempts = 0
}
