package channels

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// ErrLimiterShutdown is returned to waiters rejected by ClearQueue.
var ErrLimiterShutdown = errors.New("rate limiter shutting down")

// RateLimiter is a token bucket holding maxOperations tokens that refills to
// capacity once per elapsed window. Callers that find the bucket empty wait in
// a FIFO queue and are released in arrival order as tokens come back.
type RateLimiter struct {
	maxOperations int
	window        time.Duration

	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
	queue      []*waiter
	draining   bool

	wake chan struct{}
}

type waiter struct {
	ready chan error
}

// NewRateLimiter creates a limiter allowing maxOperations per window.
func NewRateLimiter(maxOperations int, window time.Duration) *RateLimiter {
	if maxOperations <= 0 {
		maxOperations = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		maxOperations: maxOperations,
		window:        window,
		tokens:        maxOperations,
		lastRefill:    time.Now(),
		wake:          make(chan struct{}, 1),
	}
}

// Acquire takes a token, waiting behind earlier callers if none is available.
// It returns ctx.Err() if ctx ends first and ErrLimiterShutdown if the queue
// is cleared.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.refill()
	if len(r.queue) == 0 && r.tokens > 0 {
		r.tokens--
		r.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan error, 1)}
	r.queue = append(r.queue, w)
	if !r.draining {
		r.draining = true
		go r.drain()
	}
	r.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		r.mu.Lock()
		removed := r.remove(w)
		r.mu.Unlock()
		if !removed {
			// Dispatched concurrently with cancellation; hand the token back.
			if err := <-w.ready; err == nil {
				r.refund()
			}
		}
		return ctx.Err()
	}
}

// Execute runs op once a token has been acquired.
func (r *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := r.Acquire(ctx); err != nil {
		return err
	}
	return op(ctx)
}

// ClearQueue rejects every pending waiter with ErrLimiterShutdown.
func (r *RateLimiter) ClearQueue() {
	r.mu.Lock()
	for _, w := range r.queue {
		w.ready <- ErrLimiterShutdown
	}
	r.queue = nil
	r.mu.Unlock()
	r.signal()
}

// QueueLength returns the number of waiting callers.
func (r *RateLimiter) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// drain releases waiters as tokens refill and exits once the queue is empty.
func (r *RateLimiter) drain() {
	for {
		r.mu.Lock()
		r.refill()
		for len(r.queue) > 0 && r.tokens > 0 {
			w := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.tokens--
			w.ready <- nil
		}
		if len(r.queue) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		wait := time.Until(r.lastRefill.Add(r.window))
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-r.wake:
			timer.Stop()
		}
	}
}

// refill must be called with mu held.
func (r *RateLimiter) refill() {
	elapsed := time.Since(r.lastRefill)
	if elapsed < r.window {
		return
	}
	windows := int(elapsed / r.window)
	r.tokens += windows * r.maxOperations
	if r.tokens > r.maxOperations {
		r.tokens = r.maxOperations
	}
	r.lastRefill = r.lastRefill.Add(time.Duration(windows) * r.window)
}

func (r *RateLimiter) refund() {
	r.mu.Lock()
	if r.tokens < r.maxOperations {
		r.tokens++
	}
	r.mu.Unlock()
	r.signal()
}

// remove must be called with mu held.
func (r *RateLimiter) remove(w *waiter) bool {
	for i, q := range r.queue {
		if q == w {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (r *RateLimiter) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RateLimit is a per-platform limiter setting.
type RateLimit struct {
	MaxOperations int
	Window        time.Duration
}

// DefaultRateLimits returns the platform API limits the channels stay under.
func DefaultRateLimits() map[models.Platform]RateLimit {
	return map[models.Platform]RateLimit{
		models.PlatformTelegram: {MaxOperations: 30, Window: time.Second},
		models.PlatformDiscord:  {MaxOperations: 5, Window: 5 * time.Second},
		models.PlatformWhatsApp: {MaxOperations: 1, Window: time.Second},
	}
}

// Limiters holds one RateLimiter per platform.
type Limiters struct {
	limiters map[models.Platform]*RateLimiter
}

// NewLimiters builds limiters from limits, falling back to DefaultRateLimits
// for platforms missing from limits.
func NewLimiters(limits map[models.Platform]RateLimit) *Limiters {
	defaults := DefaultRateLimits()
	l := &Limiters{limiters: make(map[models.Platform]*RateLimiter, len(defaults))}
	for _, p := range models.AllPlatforms() {
		limit, ok := limits[p]
		if !ok || limit.MaxOperations <= 0 || limit.Window <= 0 {
			limit = defaults[p]
		}
		l.limiters[p] = NewRateLimiter(limit.MaxOperations, limit.Window)
	}
	return l
}

// For returns the limiter for platform, or nil if the platform is unknown.
func (l *Limiters) For(platform models.Platform) *RateLimiter {
	return l.limiters[platform]
}

// ClearAll rejects every waiter on every platform.
func (l *Limiters) ClearAll() {
	for _, limiter := range l.limiters {
		limiter.ClearQueue()
	}
}
