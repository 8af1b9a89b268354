// Package whatsapp implements the WhatsApp channel on top of whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
)

// SessionBackup copies the local device session to and from durable storage.
type SessionBackup interface {
	// Restore unpacks the stored session for userID into dir. It reports
	// false when nothing is stored.
	Restore(ctx context.Context, userID, dir string) (bool, error)

	// Save archives dir as the stored session for userID.
	Save(ctx context.Context, userID, dir, phone string) error

	// Forget deletes the stored session for userID.
	Forget(ctx context.Context, userID string) error

	// Touch marks the stored session for userID as active.
	Touch(ctx context.Context, userID string) error
}

// Config holds WhatsApp adapter configuration.
type Config struct {
	// UserID is the owning lovelines user (required)
	UserID string

	// PhoneNumber is the linked phone, if a session was paired before
	PhoneNumber string

	// AllowFrom restricts whose inbound messages are logged
	AllowFrom []string

	// SessionsDir is the root directory; each user gets SessionsDir/<UserID>
	SessionsDir string

	// Backup persists sessions across hosts; nil keeps them local only
	Backup SessionBackup

	// NewClient overrides the whatsmeow client constructor (tests)
	NewClient ClientFactory

	// Logger is an optional slog.Logger instance
	Logger *slog.Logger
}

// Validate checks the configuration for errors and applies defaults.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("whatsapp: user id is required")
	}
	if c.SessionsDir == "" {
		c.SessionsDir = "data/whatsapp-sessions"
	}
	if c.NewClient == nil {
		c.NewClient = NewClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// SessionDir returns the per-user session directory.
func (c *Config) SessionDir() string {
	return filepath.Join(c.SessionsDir, c.UserID)
}
