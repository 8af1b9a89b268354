// Package messaging orchestrates per-user platform channels: it starts and
// stops them under admission control, routes outbound messages through the
// platform rate limiters with retry, and records every delivery outcome.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/internal/connections"
	"github.com/haasonsaas/lovelines/internal/observability"
	"github.com/haasonsaas/lovelines/internal/retry"
	"github.com/haasonsaas/lovelines/internal/secrets"
	"github.com/haasonsaas/lovelines/internal/sessions"
	"github.com/haasonsaas/lovelines/internal/storage"
	"github.com/haasonsaas/lovelines/pkg/models"
)

const (
	// DefaultCleanupSchedule reconciles running channels with the store.
	DefaultCleanupSchedule = "@hourly"
	// DefaultSessionCleanupSchedule purges inactive WhatsApp sessions.
	DefaultSessionCleanupSchedule = "@daily"
)

// Config wires the service to its collaborators.
type Config struct {
	Stores  storage.StoreSet
	Factory *channels.Factory

	// Encrypter decrypts bot tokens. When nil, one is derived from
	// EncryptionKey during Initialize.
	Encrypter     secrets.Encrypter
	EncryptionKey string

	AdminEmail    string
	AdminPassword string

	Connections *connections.Manager
	Limiters    *channels.Limiters
	Retry       retry.Config

	// Sessions enables the daily session cleanup job when set.
	Sessions           *sessions.Store
	SessionCleanupDays int

	// SingleChannelTier is the lowest tier limited to one connected
	// platform. Empty disables the restriction.
	SingleChannelTier models.Tier

	CleanupSchedule        string
	SessionCleanupSchedule string

	// OnEvent, when set, sees every channel event after it was persisted.
	OnEvent func(channels.Event)

	Metrics        *observability.Metrics
	ChannelMetrics *channels.MetricsSet
	Tracer         *observability.Tracer
	Logger         *slog.Logger
	Now            func() time.Time
}

// instance is one running channel and the goroutine draining its events.
type instance struct {
	ch     channels.Channel
	cancel context.CancelFunc
	done   chan struct{}
}

// Service is the messaging orchestrator. It is safe for concurrent use.
type Service struct {
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	// locks serialises lifecycle per (user, platform). userLocks spans a
	// whole start when the single-channel tier rule is on, so two platforms
	// of one user never pass the tier check together.
	locks     *keyedMutex
	userLocks *keyedMutex

	mu        sync.RWMutex
	channels  map[string]map[models.Platform]*instance
	encrypter secrets.Encrypter

	// initMu serialises Initialize calls; stateMu guards the fields below
	// and is never held while channels start.
	initMu      sync.Mutex
	stateMu     sync.Mutex
	initialized bool
	generation  uint64
	scheduler   *cron.Cron
	jobsCancel  context.CancelFunc
}

// New creates an uninitialized service.
func New(config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Factory == nil {
		config.Factory = channels.NewFactory()
	}
	if config.Connections == nil {
		config.Connections = connections.NewManager(connections.Config{Logger: config.Logger})
	}
	if config.Limiters == nil {
		config.Limiters = channels.NewLimiters(nil)
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultConfig()
	}
	if config.ChannelMetrics == nil {
		config.ChannelMetrics = channels.NewMetricsSet()
	}
	if config.SessionCleanupDays <= 0 {
		config.SessionCleanupDays = sessions.DefaultCleanupDays
	}
	if config.CleanupSchedule == "" {
		config.CleanupSchedule = DefaultCleanupSchedule
	}
	if config.SessionCleanupSchedule == "" {
		config.SessionCleanupSchedule = DefaultSessionCleanupSchedule
	}

	logger := config.Logger.With("component", "messaging")
	config.Retry.Logger = logger

	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = observability.NewTracerFromProvider(noop.NewTracerProvider(), "lovelines")
	}

	return &Service{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		locks:     newKeyedMutex(),
		userLocks: newKeyedMutex(),
		channels:  make(map[string]map[models.Platform]*instance),
		encrypter: config.Encrypter,
	}
}

// Initialize checks credentials, authenticates against the record store,
// starts every enabled channel and schedules the periodic jobs. Individual
// channel failures are logged and do not fail Initialize. A second call
// after success is a no-op. Status queries and Shutdown do not wait for the
// channel starts; a Shutdown during them stops what was started and fails
// Initialize.
func (s *Service) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.stateMu.Lock()
	if s.initialized {
		s.stateMu.Unlock()
		return nil
	}
	gen := s.generation
	s.stateMu.Unlock()

	if err := s.checkCredentials(); err != nil {
		return err
	}
	enc := s.currentEncrypter()
	if enc == nil {
		box, err := secrets.NewBox(s.config.EncryptionKey)
		if err != nil {
			return err
		}
		enc = box
	}
	if err := secrets.SelfTest(enc); err != nil {
		return fmt.Errorf("encryption self-test: %w", err)
	}
	if err := s.config.Stores.AuthWithPassword(ctx, s.config.AdminEmail, s.config.AdminPassword); err != nil {
		return fmt.Errorf("record store authentication: %w", err)
	}
	s.setEncrypter(enc)

	configs, err := s.config.Stores.EnabledChannels(ctx, "")
	if err != nil {
		return fmt.Errorf("load enabled channels: %w", err)
	}
	started := s.startAll(ctx, configs)

	s.stateMu.Lock()
	if s.generation != gen {
		s.stateMu.Unlock()
		s.stopAll(context.WithoutCancel(ctx))
		return fmt.Errorf("%w: shut down while starting channels", ErrNotInitialized)
	}
	if err := s.startJobs(); err != nil {
		s.stateMu.Unlock()
		return err
	}
	s.initialized = true
	s.stateMu.Unlock()

	s.logger.Info("messaging service initialized", "channels", len(configs), "started", started)
	return nil
}

// InitializeSafe runs Initialize and logs instead of returning its error. It
// reports whether the service ended up initialized.
func (s *Service) InitializeSafe(ctx context.Context) bool {
	if err := s.Initialize(ctx); err != nil {
		s.logger.Error("messaging service failed to initialize", "error", err)
		return false
	}
	return true
}

// IsInitialized reports whether Initialize has succeeded since the last Shutdown.
func (s *Service) IsInitialized() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.initialized
}

func (s *Service) checkCredentials() error {
	var missing []string
	if strings.TrimSpace(s.config.AdminEmail) == "" {
		missing = append(missing, "admin email")
	}
	if s.config.AdminPassword == "" {
		missing = append(missing, "admin password")
	}
	if s.currentEncrypter() == nil && len(s.config.EncryptionKey) < secrets.MinKeyLength {
		missing = append(missing, fmt.Sprintf("encryption key (at least %d characters)", secrets.MinKeyLength))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// startAll starts configs concurrently. One failure never blocks another.
func (s *Service) startAll(ctx context.Context, configs []*models.ChannelConfig) int {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for _, cfg := range configs {
		wg.Add(1)
		go func(cfg *models.ChannelConfig) {
			defer wg.Done()
			if err := s.StartChannel(ctx, cfg.UserID, cfg.Platform, cfg); err != nil {
				s.logger.Warn("channel failed to start",
					"user_id", cfg.UserID,
					"platform", cfg.Platform,
					"error", err)
				return
			}
			mu.Lock()
			started++
			mu.Unlock()
		}(cfg)
	}
	wg.Wait()
	return started
}

// Shutdown stops the jobs, rejects queued sends, stops every channel and
// marks the service uninitialized. It is idempotent and safe before
// Initialize.
func (s *Service) Shutdown(ctx context.Context) {
	s.stateMu.Lock()
	s.stopJobs(ctx)
	s.initialized = false
	s.generation++
	s.stateMu.Unlock()

	s.config.Limiters.ClearAll()
	stopped := s.stopAll(ctx)
	s.logger.Info("messaging service shut down", "stopped", stopped)
}

// stopAll stops every tracked channel concurrently and returns how many
// there were.
func (s *Service) stopAll(ctx context.Context) int {
	s.mu.RLock()
	var keys []channelKey
	for userID, byPlatform := range s.channels {
		for platform := range byPlatform {
			keys = append(keys, channelKey{userID, platform})
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(userID string, platform models.Platform) {
			defer wg.Done()
			if err := s.StopChannel(ctx, userID, platform); err != nil {
				s.logger.Warn("channel stop failed during shutdown", "user_id", userID, "platform", platform, "error", err)
			}
		}(k.userID, k.platform)
	}
	wg.Wait()
	return len(keys)
}

func (s *Service) setEncrypter(enc secrets.Encrypter) {
	s.mu.Lock()
	s.encrypter = enc
	s.mu.Unlock()
}

func (s *Service) currentEncrypter() secrets.Encrypter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encrypter
}

// IsChannelRunning reports whether userID has a live channel on platform.
func (s *Service) IsChannelRunning(userID string, platform models.Platform) bool {
	ch := s.GetChannel(userID, platform)
	return ch != nil && ch.IsRunning()
}

// GetChannel returns the running channel of userID on platform, or nil.
func (s *Service) GetChannel(userID string, platform models.Platform) channels.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.channels[userID][platform]; ok {
		return inst.ch
	}
	return nil
}

// ListUserChannels returns the status of every channel userID has running.
func (s *Service) ListUserChannels(userID string) []channels.Status {
	s.mu.RLock()
	out := make([]channels.Status, 0, len(s.channels[userID]))
	for _, inst := range s.channels[userID] {
		out = append(out, channels.StatusOf(inst.ch))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (s *Service) users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for userID := range s.channels {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func (s *Service) platformsOf(userID string) []models.Platform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Platform, 0, len(s.channels[userID]))
	for p := range s.channels[userID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Status is an operator snapshot of the service.
type Status struct {
	Initialized bool                                         `json:"initialized"`
	Users       int                                          `json:"users"`
	Channels    []channels.Status                            `json:"channels"`
	Connections connections.Stats                            `json:"connections"`
	Metrics     map[models.Platform]channels.MetricsSnapshot `json:"metrics"`
	Queued      map[models.Platform]int                      `json:"queued"`
	Sessions    *sessions.Stats                              `json:"sessions,omitempty"`
}

// Status returns a snapshot of channels, connections and send metrics.
func (s *Service) Status() Status {
	st := Status{
		Initialized: s.IsInitialized(),
		Connections: s.config.Connections.Stats(),
		Metrics:     s.config.ChannelMetrics.Snapshot(),
		Queued:      make(map[models.Platform]int),
	}
	users := s.users()
	st.Users = len(users)
	for _, userID := range users {
		st.Channels = append(st.Channels, s.ListUserChannels(userID)...)
	}
	for _, p := range models.AllPlatforms() {
		if l := s.config.Limiters.For(p); l != nil {
			st.Queued[p] = l.QueueLength()
		}
	}
	if s.config.Sessions != nil {
		ss := s.config.Sessions.Stats()
		st.Sessions = &ss
	}
	return st
}
