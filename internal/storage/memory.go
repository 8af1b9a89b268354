package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// MemoryChannelStore provides an in-memory ChannelStore.
type MemoryChannelStore struct {
	mu       sync.RWMutex
	channels map[string]*models.ChannelConfig
}

// NewMemoryChannelStore creates an in-memory channel store.
func NewMemoryChannelStore() *MemoryChannelStore {
	return &MemoryChannelStore{channels: make(map[string]*models.ChannelConfig)}
}

func (s *MemoryChannelStore) List(ctx context.Context, filter Filter) ([]*models.ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ChannelConfig, 0, len(s.channels))
	for _, cfg := range s.channels {
		if filter.Matches(cfg) {
			out = append(out, cloneChannel(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryChannelStore) Get(ctx context.Context, id string) (*models.ChannelConfig, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChannel(cfg), nil
}

func (s *MemoryChannelStore) Create(ctx context.Context, cfg *models.ChannelConfig) error {
	if err := ValidateChannelConfig(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if _, exists := s.channels[cfg.ID]; exists {
		return ErrAlreadyExists
	}
	for _, existing := range s.channels {
		if existing.UserID == cfg.UserID && existing.Platform == cfg.Platform {
			return ErrAlreadyExists
		}
	}
	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	s.channels[cfg.ID] = cloneChannel(cfg)
	return nil
}

func (s *MemoryChannelStore) Update(ctx context.Context, cfg *models.ChannelConfig) error {
	if cfg == nil || cfg.ID == "" {
		return fmt.Errorf("channel config is required")
	}
	if err := ValidateChannelConfig(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[cfg.ID]; !exists {
		return ErrNotFound
	}
	cfg.UpdatedAt = time.Now()
	s.channels[cfg.ID] = cloneChannel(cfg)
	return nil
}

func (s *MemoryChannelStore) Modify(ctx context.Context, id string, fn func(*models.ChannelConfig) error) (*models.ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.channels[id]
	if !exists {
		return nil, ErrNotFound
	}
	cfg := cloneChannel(stored)
	if err := fn(cfg); err != nil {
		return nil, err
	}
	cfg.ID = id
	if err := ValidateChannelConfig(cfg); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = time.Now()
	s.channels[id] = cloneChannel(cfg)
	return cfg, nil
}

func (s *MemoryChannelStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[id]; !exists {
		return ErrNotFound
	}
	delete(s.channels, id)
	return nil
}

func cloneChannel(cfg *models.ChannelConfig) *models.ChannelConfig {
	cp := *cfg
	cp.AllowFrom = append([]string(nil), cfg.AllowFrom...)
	return &cp
}

// MemoryNotificationStore provides an in-memory NotificationStore.
type MemoryNotificationStore struct {
	mu            sync.RWMutex
	notifications []*models.Notification
}

// NewMemoryNotificationStore creates an in-memory notification store.
func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{}
}

func (s *MemoryNotificationStore) Create(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("notification is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	cp := *n
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, &cp)
	return nil
}

// List returns matching notifications, newest first.
func (s *MemoryNotificationStore) List(ctx context.Context, filter Filter, limit int) ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Notification{}
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if filter.UserID != "" && n.UserID != filter.UserID {
			continue
		}
		if filter.Platform != "" && n.Platform != filter.Platform {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MemorySessionStore provides an in-memory SessionRecordStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.SessionRecord
}

// NewMemorySessionStore creates an in-memory session record store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.SessionRecord)}
}

func (s *MemorySessionStore) Get(ctx context.Context, userID string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemorySessionStore) Upsert(ctx context.Context, rec *models.SessionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("session record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[rec.UserID]; ok && rec.ID == "" {
		rec.ID = existing.ID
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cp := *rec
	s.sessions[rec.UserID] = &cp
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, userID)
	return nil
}

func (s *MemorySessionStore) Touch(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[userID]
	if !ok {
		return ErrNotFound
	}
	rec.LastActive = at
	return nil
}

func (s *MemorySessionStore) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.SessionRecord{}
	for _, rec := range s.sessions {
		if rec.LastActive.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryUserStore provides an in-memory UserStore. Unknown users are free tier.
type MemoryUserStore struct {
	mu    sync.RWMutex
	tiers map[string]models.Tier
}

// NewMemoryUserStore creates an in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{tiers: make(map[string]models.Tier)}
}

func (s *MemoryUserStore) Tier(ctx context.Context, userID string) (models.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tier, ok := s.tiers[userID]; ok {
		return tier, nil
	}
	return models.TierFree, nil
}

func (s *MemoryUserStore) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[userID] = models.ParseTier(string(tier))
	return nil
}

// MemoryAdminStore keeps bcrypt hashes of admin passwords in memory.
type MemoryAdminStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewMemoryAdminStore creates an in-memory admin store.
func NewMemoryAdminStore() *MemoryAdminStore {
	return &MemoryAdminStore{hashes: make(map[string][]byte)}
}

func (s *MemoryAdminStore) AuthWithPassword(ctx context.Context, email, password string) error {
	s.mu.RLock()
	hash := s.hashes[normalizeEmail(email)]
	s.mu.RUnlock()
	return checkPassword(hash, password)
}

func (s *MemoryAdminStore) SetPassword(ctx context.Context, email, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[normalizeEmail(email)] = hash
	return nil
}

// NewMemoryStores returns a StoreSet backed by in-memory stores.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Channels:      NewMemoryChannelStore(),
		Notifications: NewMemoryNotificationStore(),
		Sessions:      NewMemorySessionStore(),
		Users:         NewMemoryUserStore(),
		Admins:        NewMemoryAdminStore(),
	}
}
