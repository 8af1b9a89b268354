package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform represents a messaging platform a user can connect.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformDiscord  Platform = "discord"
)

// AllPlatforms returns every supported platform in a stable order.
func AllPlatforms() []Platform {
	return []Platform{PlatformTelegram, PlatformWhatsApp, PlatformDiscord}
}

// ParsePlatform converts a string into a Platform.
// Unknown values return an error mentioning the unsupported platform.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformTelegram, PlatformWhatsApp, PlatformDiscord:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported platform: %q", s)
	}
}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	_, err := ParsePlatform(string(p))
	return err == nil
}

func (p Platform) String() string {
	return string(p)
}

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// OutboundMessage is a message to deliver to a user's linked identity.
// It is built per send call and never persisted.
type OutboundMessage struct {
	UserID   string         `json:"user_id"`
	Platform Platform       `json:"platform"`
	ChatID   string         `json:"chat_id,omitempty"` // Empty means "use the linked identity"
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NotificationStatus is the final outcome of a send attempt.
type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// Notification is the append-only audit record written once per send.
type Notification struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user"`
	Platform  Platform           `json:"platform"`
	Type      Direction          `json:"type"`
	Content   string             `json:"content"`
	Status    NotificationStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
	ErrorType string             `json:"error_type,omitempty"`
	SentAt    time.Time          `json:"sent_at"`
}
