// Package channels defines the per-user, per-platform channel contract and the
// shared machinery behind it: allow-lists, error state, link events, rate
// limiting, reconnect scheduling and send metrics.
package channels

import (
	"context"
	"time"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// Channel owns one external bot/client connection for one user on one platform.
type Channel interface {
	// Platform returns the platform this channel talks to.
	Platform() models.Platform

	// UserID returns the owning user.
	UserID() string

	// Start creates the driver and connects. Calling Start on a running
	// channel is a no-op.
	Start(ctx context.Context) error

	// Stop disconnects and destroys the driver. It is safe to call on a
	// channel that was never started, and safe to call twice.
	Stop(ctx context.Context) error

	// Send delivers msg to msg.ChatID, or to the linked identity when empty.
	// Failures are *ChannelError values.
	Send(ctx context.Context, msg *models.OutboundMessage) error

	// IsRunning reports whether the driver is live.
	IsRunning() bool

	// IsLinked reports whether the remote identity is known.
	IsLinked() bool

	// LastError returns the most recently recorded error, if any.
	LastError() error

	// Events streams lifecycle notifications such as link confirmations.
	Events() <-chan Event
}

// EventKind identifies a channel event.
type EventKind string

const (
	// EventLinked is emitted once the remote identity is learned.
	EventLinked EventKind = "linked"

	// EventQRCode carries a WhatsApp pairing code to show to the user.
	EventQRCode EventKind = "qr_code"

	// EventDisconnected reports an unexpected transport drop.
	EventDisconnected EventKind = "disconnected"

	// EventLoggedOut reports that the remote side revoked the session.
	EventLoggedOut EventKind = "logged_out"
)

// Event is a typed notification from a channel to its owner.
type Event struct {
	Kind     EventKind
	UserID   string
	Platform models.Platform

	// RemoteID is the learned platform identity (chat id, user id, phone).
	RemoteID string
	// Username is the remote display/user name, when known.
	Username string
	// ChannelID is the platform conversation id (Discord DM channel).
	ChannelID string

	// QRCode is the raw pairing code; QRImage is a PNG data URL of it.
	QRCode  string
	QRImage string

	Err error
	At  time.Time
}

// Status is a point-in-time view of a channel.
type Status struct {
	UserID    string          `json:"user_id"`
	Platform  models.Platform `json:"platform"`
	Running   bool            `json:"running"`
	Linked    bool            `json:"linked"`
	LastError string          `json:"last_error,omitempty"`
}

// StatusOf builds a Status for ch.
func StatusOf(ch Channel) Status {
	s := Status{
		UserID:   ch.UserID(),
		Platform: ch.Platform(),
		Running:  ch.IsRunning(),
		Linked:   ch.IsLinked(),
	}
	if err := ch.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
