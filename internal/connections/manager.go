// Package connections tracks live platform connections and bounds how many
// may exist at once.
package connections

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/pkg/models"
)

const (
	// DefaultMaxPerPlatform is the per-platform cap when none is configured.
	DefaultMaxPerPlatform = 100

	// DefaultReapInterval is how often stale connections are swept.
	DefaultReapInterval = 10 * time.Minute

	// DefaultStaleAfter is the inactivity after which a connection is stale.
	DefaultStaleAfter = 30 * time.Minute
)

// Config configures a Manager.
type Config struct {
	// MaxPerPlatform caps live connections per platform. Missing platforms use
	// DefaultMaxPerPlatform.
	MaxPerPlatform map[models.Platform]int
	// MaxTotal caps live connections across platforms; 0 means unlimited.
	MaxTotal int

	ReapInterval time.Duration
	StaleAfter   time.Duration

	// OnReap is called, outside the lock, for every reaped connection.
	OnReap func(info models.ConnectionInfo)

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager is the process-wide connection tracker. It is safe for concurrent use.
type Manager struct {
	config Config
	logger *slog.Logger

	mu          sync.Mutex
	connections map[string]*models.ConnectionInfo
	created     map[models.Platform]int
	failed      map[models.Platform]int

	closeOnce sync.Once
	done      chan struct{}
}

// NewManager creates a Manager.
func NewManager(config Config) *Manager {
	if config.MaxPerPlatform == nil {
		config.MaxPerPlatform = map[models.Platform]int{}
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultReapInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Manager{
		config:      config,
		logger:      config.Logger.With("component", "connections"),
		connections: make(map[string]*models.ConnectionInfo),
		created:     make(map[models.Platform]int),
		failed:      make(map[models.Platform]int),
		done:        make(chan struct{}),
	}
}

func (m *Manager) maxFor(platform models.Platform) int {
	if n, ok := m.config.MaxPerPlatform[platform]; ok && n > 0 {
		return n
	}
	return DefaultMaxPerPlatform
}

// CanCreateConnection reports whether userID may open a connection on
// platform. An existing key is always admitted.
func (m *Manager) CanCreateConnection(userID string, platform models.Platform) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked(models.ConnectionKey(userID, platform), platform)
}

func (m *Manager) admitLocked(key string, platform models.Platform) bool {
	if _, ok := m.connections[key]; ok {
		return true
	}
	if m.countLocked(platform) >= m.maxFor(platform) {
		return false
	}
	if m.config.MaxTotal > 0 && len(m.connections) >= m.config.MaxTotal {
		return false
	}
	return true
}

func (m *Manager) countLocked(platform models.Platform) int {
	n := 0
	for _, info := range m.connections {
		if info.Platform == platform {
			n++
		}
	}
	return n
}

// RegisterConnection records a live connection. It fails with
// CONNECTION_LIMIT_REACHED when the platform or global pool is full.
func (m *Manager) RegisterConnection(userID string, platform models.Platform) error {
	key := models.ConnectionKey(userID, platform)
	now := m.config.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.admitLocked(key, platform) {
		m.failed[platform]++
		return LimitError(platform)
	}
	if info, ok := m.connections[key]; ok {
		info.LastActivity = now
		info.Healthy = true
		return nil
	}
	m.connections[key] = &models.ConnectionInfo{
		UserID:       userID,
		Platform:     platform,
		ConnectedAt:  now,
		LastActivity: now,
		Healthy:      true,
	}
	m.created[platform]++
	m.logger.Debug("connection registered", "user_id", userID, "platform", platform, "active", len(m.connections))
	return nil
}

// RecordFailure counts a failed connection attempt.
func (m *Manager) RecordFailure(platform models.Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[platform]++
}

// UnregisterConnection forgets a connection. Unknown keys are ignored.
func (m *Manager) UnregisterConnection(userID string, platform models.Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, models.ConnectionKey(userID, platform))
}

// UpdateActivity bumps the last-activity time of a connection.
func (m *Manager) UpdateActivity(userID string, platform models.Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.connections[models.ConnectionKey(userID, platform)]; ok {
		info.LastActivity = m.config.Now()
		info.Healthy = true
	}
}

// MarkUnhealthy flags a connection as unhealthy without removing it.
func (m *Manager) MarkUnhealthy(userID string, platform models.Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.connections[models.ConnectionKey(userID, platform)]; ok {
		info.Healthy = false
	}
}

// Get returns a copy of the connection info.
func (m *Manager) Get(userID string, platform models.Platform) (models.ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.connections[models.ConnectionKey(userID, platform)]
	if !ok {
		return models.ConnectionInfo{}, false
	}
	return *info, true
}

// List returns every connection, ordered by key.
func (m *Manager) List() []models.ConnectionInfo {
	m.mu.Lock()
	out := make([]models.ConnectionInfo, 0, len(m.connections))
	for _, info := range m.connections {
		out = append(out, *info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return models.ConnectionKey(out[i].UserID, out[i].Platform) < models.ConnectionKey(out[j].UserID, out[j].Platform)
	})
	return out
}

// ActiveCount returns the live connections on platform, or across all
// platforms when platform is empty.
func (m *Manager) ActiveCount(platform models.Platform) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if platform == "" {
		return len(m.connections)
	}
	return m.countLocked(platform)
}

// PlatformStats is the per-platform slice of Stats.
type PlatformStats struct {
	Active            int `json:"active"`
	Max               int `json:"max"`
	Created           int `json:"created"`
	Failed            int `json:"failed"`
	Unhealthy         int `json:"unhealthy"`
	EstimatedMemoryMB int `json:"estimated_memory_mb"`
}

// Stats is a snapshot of the manager.
type Stats struct {
	Active            int                               `json:"active"`
	MaxTotal          int                               `json:"max_total,omitempty"`
	EstimatedMemoryMB int                               `json:"estimated_memory_mb"`
	Platforms         map[models.Platform]PlatformStats `json:"platforms"`
}

// Stats returns counts and an estimate of resident memory using the
// per-platform weights from channels.MetaFor.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Active:    len(m.connections),
		MaxTotal:  m.config.MaxTotal,
		Platforms: make(map[models.Platform]PlatformStats),
	}
	for _, p := range models.AllPlatforms() {
		st.Platforms[p] = PlatformStats{
			Max:     m.maxFor(p),
			Created: m.created[p],
			Failed:  m.failed[p],
		}
	}
	for _, info := range m.connections {
		ps := st.Platforms[info.Platform]
		ps.Active++
		if !info.Healthy {
			ps.Unhealthy++
		}
		if meta, ok := channels.MetaFor(info.Platform); ok {
			ps.EstimatedMemoryMB += meta.MemoryMB
			st.EstimatedMemoryMB += meta.MemoryMB
		}
		st.Platforms[info.Platform] = ps
	}
	return st
}

// ReapStale removes connections idle for longer than StaleAfter and returns them.
func (m *Manager) ReapStale() []models.ConnectionInfo {
	cutoff := m.config.Now().Add(-m.config.StaleAfter)

	m.mu.Lock()
	var reaped []models.ConnectionInfo
	for key, info := range m.connections {
		if info.LastActivity.Before(cutoff) {
			reaped = append(reaped, *info)
			delete(m.connections, key)
		}
	}
	m.mu.Unlock()

	for _, info := range reaped {
		m.logger.Info("reaped stale connection",
			"user_id", info.UserID,
			"platform", info.Platform,
			"idle", m.config.Now().Sub(info.LastActivity).Round(time.Second))
		if m.config.OnReap != nil {
			m.config.OnReap(info)
		}
	}
	return reaped
}

// Run reaps stale connections every ReapInterval until ctx is done or Close
// is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.ReapStale()
		}
	}
}

// Close stops Run and forgets every connection.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = make(map[string]*models.ConnectionInfo)
}

// LimitError is the CONNECTION_LIMIT_REACHED error for platform.
func LimitError(platform models.Platform) *channels.ChannelError {
	return channels.NewError(platform, channels.ErrCodeConnectionLimit,
		fmt.Sprintf("connection limit reached for %s, please try again later", platform), nil)
}
