package messaging

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/internal/storage"
)

var (
	// ErrTierRestricted is returned when a single-platform tier tries to
	// connect a second platform.
	ErrTierRestricted = errors.New("tier allows one connected platform")

	// ErrNotInitialized is returned by operations that need Initialize first.
	ErrNotInitialized = errors.New("messaging service not initialized")

	// ErrChannelNotRunning is returned when sending through a channel that
	// was never started.
	ErrChannelNotRunning = errors.New("channel not running")

	// ErrEmptyContent is returned for a send with blank content.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrMissingCredentials reports absent admin credentials or encryption key.
	ErrMissingCredentials = errors.New("missing required credentials")
)

// UserMessage turns err into text that can be shown to the end user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTierRestricted) {
		return "Your plan allows one messaging platform at a time. Disconnect the other platform first."
	}
	if errors.Is(err, ErrEmptyContent) {
		return "There is nothing to send."
	}
	if errors.Is(err, storage.ErrNotFound) {
		return "That messaging platform is not set up yet."
	}

	var chErr *channels.ChannelError
	if !errors.As(err, &chErr) {
		return "Something went wrong. Please try again later."
	}
	meta, _ := channels.MetaFor(chErr.Platform)
	label := meta.Label
	if label == "" {
		label = string(chErr.Platform)
	}
	switch chErr.Code {
	case channels.ErrCodeConnectionLimit:
		return fmt.Sprintf("%s is at capacity right now. Please try again in a few minutes.", label)
	case channels.ErrCodeMissingToken:
		return fmt.Sprintf("Add your %s bot token before connecting.", label)
	case channels.ErrCodeNotLinked, channels.ErrCodeUserNotLinked:
		return fmt.Sprintf("Finish linking %s first: %s.", label, meta.LinkHint)
	case channels.ErrCodeNotInitialized:
		return fmt.Sprintf("%s is not connected. Reconnect it and try again.", label)
	case channels.ErrCodeUnsupportedPlatform:
		return fmt.Sprintf("%s is not supported.", label)
	case channels.ErrCodeStartFailed:
		return fmt.Sprintf("Could not connect to %s. Check your settings and try again.", label)
	default:
		return fmt.Sprintf("Could not deliver your message on %s. Please try again later.", label)
	}
}
