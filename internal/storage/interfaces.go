// Package storage holds the record store behind the messaging service:
// channel configs, notification history, WhatsApp session records, user
// tiers and the administrative login.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/lovelines/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("invalid admin credentials")
)

// Filter selects records. Zero fields match everything.
type Filter struct {
	UserID   string
	Platform models.Platform
	Enabled  *bool
}

// Matches reports whether cfg satisfies the filter.
func (f Filter) Matches(cfg *models.ChannelConfig) bool {
	if f.UserID != "" && cfg.UserID != f.UserID {
		return false
	}
	if f.Platform != "" && cfg.Platform != f.Platform {
		return false
	}
	if f.Enabled != nil && cfg.Enabled != *f.Enabled {
		return false
	}
	return true
}

// Enabled returns a pointer for Filter.Enabled.
func Enabled(v bool) *bool {
	return &v
}

// ChannelStore persists messaging_channels records.
type ChannelStore interface {
	List(ctx context.Context, filter Filter) ([]*models.ChannelConfig, error)
	Get(ctx context.Context, id string) (*models.ChannelConfig, error)
	Create(ctx context.Context, cfg *models.ChannelConfig) error
	Update(ctx context.Context, cfg *models.ChannelConfig) error
	// Modify applies fn to the stored record and writes it back atomically,
	// so fields fn leaves alone keep whatever value a concurrent writer set.
	Modify(ctx context.Context, id string, fn func(*models.ChannelConfig) error) (*models.ChannelConfig, error)
	Delete(ctx context.Context, id string) error
}

// NotificationStore appends messaging_notifications records.
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, filter Filter, limit int) ([]*models.Notification, error)
}

// SessionRecordStore persists whatsapp_sessions records, one per user.
type SessionRecordStore interface {
	Get(ctx context.Context, userID string) (*models.SessionRecord, error)
	Upsert(ctx context.Context, rec *models.SessionRecord) error
	Delete(ctx context.Context, userID string) error
	// Touch sets last_active without rewriting the session data.
	Touch(ctx context.Context, userID string, at time.Time) error
	ListInactiveSince(ctx context.Context, cutoff time.Time) ([]*models.SessionRecord, error)
}

// UserStore exposes the subscription tier of a user.
type UserStore interface {
	Tier(ctx context.Context, userID string) (models.Tier, error)
	SetTier(ctx context.Context, userID string, tier models.Tier) error
}

// AdminStore authenticates the administrative principal.
type AdminStore interface {
	AuthWithPassword(ctx context.Context, email, password string) error
	SetPassword(ctx context.Context, email, password string) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Channels      ChannelStore
	Notifications NotificationStore
	Sessions      SessionRecordStore
	Users         UserStore
	Admins        AdminStore
	closer        func() error
	migrate       func(ctx context.Context) error
}

// Migrate creates missing tables. It is a no-op for in-memory stores.
func (s StoreSet) Migrate(ctx context.Context) error {
	if s.migrate == nil {
		return nil
	}
	return s.migrate(ctx)
}

// AuthWithPassword authenticates against the admin store.
func (s StoreSet) AuthWithPassword(ctx context.Context, email, password string) error {
	if s.Admins == nil {
		return ErrUnauthorized
	}
	return s.Admins.AuthWithPassword(ctx, email, password)
}

// EnabledChannels returns the enabled configs of userID, or of every user
// when userID is empty.
func (s StoreSet) EnabledChannels(ctx context.Context, userID string) ([]*models.ChannelConfig, error) {
	return s.Channels.List(ctx, Filter{UserID: userID, Enabled: Enabled(true)})
}

// ChannelFor returns the config of userID on platform.
func (s StoreSet) ChannelFor(ctx context.Context, userID string, platform models.Platform) (*models.ChannelConfig, error) {
	list, err := s.Channels.List(ctx, Filter{UserID: userID, Platform: platform})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
