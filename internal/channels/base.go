package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/lovelines/pkg/models"
)

const eventBuffer = 16

// Base provides the state every platform channel shares: running and linked
// flags, the last recorded error, the inbound allow-list and the event stream.
type Base struct {
	platform models.Platform
	userID   string
	logger   *slog.Logger

	allowFrom map[string]struct{}

	mu       sync.RWMutex
	running  bool
	linkedID string
	lastErr  error

	events chan Event
}

// NewBase creates a Base. linkedID may be empty for channels that still need
// the remote user to complete the link handshake.
func NewBase(platform models.Platform, userID string, allowFrom []string, linkedID string, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	allow := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		id = strings.TrimSpace(id)
		if id != "" {
			allow[id] = struct{}{}
		}
	}
	return &Base{
		platform:  platform,
		userID:    userID,
		logger:    logger.With("platform", string(platform), "user_id", userID),
		allowFrom: allow,
		linkedID:  linkedID,
		events:    make(chan Event, eventBuffer),
	}
}

// Platform returns the channel platform.
func (b *Base) Platform() models.Platform {
	return b.platform
}

// UserID returns the owning user id.
func (b *Base) UserID() string {
	return b.userID
}

// Logger returns the channel logger.
func (b *Base) Logger() *slog.Logger {
	return b.logger
}

// IsAllowed reports whether an inbound sender may interact with the channel.
// An empty allow-list admits everyone. id may be a plain id or a composite
// "id|username" token, in which case either half may match.
func (b *Base) IsAllowed(id string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	if _, ok := b.allowFrom[id]; ok {
		return true
	}
	if !strings.Contains(id, "|") {
		return false
	}
	for _, part := range strings.Split(id, "|") {
		if part == "" {
			continue
		}
		if _, ok := b.allowFrom[part]; ok {
			return true
		}
	}
	return false
}

// IsRunning reports whether the driver is live.
func (b *Base) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// SetRunning updates the running flag.
func (b *Base) SetRunning(running bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = running
}

// IsLinked reports whether the remote identity is known.
func (b *Base) IsLinked() bool {
	return b.LinkedID() != ""
}

// LinkedID returns the learned remote identity.
func (b *Base) LinkedID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.linkedID
}

// SetLinked records the remote identity. It returns false if the same
// identity was already linked, so callers emit EventLinked only once.
func (b *Base) SetLinked(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.linkedID == id {
		return false
	}
	b.linkedID = id
	return true
}

// LastError returns the most recently recorded error.
func (b *Base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// SetError records err without propagating it.
func (b *Base) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
}

// ClearError forgets the last recorded error.
func (b *Base) ClearError() {
	b.SetError(nil)
}

// Events returns the channel's event stream. The stream is never closed;
// consumers stop reading when they stop the channel.
func (b *Base) Events() <-chan Event {
	return b.events
}

// Emit publishes an event without blocking. Events are dropped when nobody
// drains the stream.
func (b *Base) Emit(evt Event) {
	evt.UserID = b.userID
	evt.Platform = b.platform
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	select {
	case b.events <- evt:
	default:
		b.logger.Warn("event stream full, dropping event", "kind", evt.Kind)
	}
}

// errorRecorder is implemented by channels embedding *Base.
type errorRecorder interface {
	SetError(error)
	ClearError()
}

// SafeStart starts ch, recording any error or panic instead of returning it.
func SafeStart(ctx context.Context, ch Channel) bool {
	return safely(ch, "start", func() error { return ch.Start(ctx) })
}

// SafeStop stops ch, recording any error or panic instead of returning it.
func SafeStop(ctx context.Context, ch Channel) bool {
	return safely(ch, "stop", func() error { return ch.Stop(ctx) })
}

// SafeSend sends msg on ch, recording any error or panic instead of returning it.
func SafeSend(ctx context.Context, ch Channel, msg *models.OutboundMessage) bool {
	return safely(ch, "send", func() error { return ch.Send(ctx, msg) })
}

func safely(ch Channel, op string, fn func() error) (ok bool) {
	rec, _ := ch.(errorRecorder)
	defer func() {
		if r := recover(); r != nil {
			if rec != nil {
				rec.SetError(fmt.Errorf("%s panicked: %v", op, r))
			}
			ok = false
		}
	}()

	if err := fn(); err != nil {
		if rec != nil {
			rec.SetError(err)
		}
		return false
	}
	if rec != nil {
		rec.ClearError()
	}
	return true
}
