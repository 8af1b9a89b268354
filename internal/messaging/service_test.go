package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/internal/connections"
	"github.com/haasonsaas/lovelines/internal/retry"
	"github.com/haasonsaas/lovelines/internal/secrets"
	"github.com/haasonsaas/lovelines/internal/storage"
	"github.com/haasonsaas/lovelines/pkg/models"
)

const (
	testAdminEmail    = "admin@example.com"
	testAdminPassword = "correct-horse-battery"
	testKey           = "0123456789abcdef0123456789abcdef"
)

// stubChannel is a scripted channel. startErrs and sendErrs are consumed one
// per call; once exhausted, calls succeed.
type stubChannel struct {
	*channels.Base

	mu        sync.Mutex
	token     string
	gate      <-chan struct{}
	entered   chan<- models.Platform
	startErrs []error
	sendErrs  []error
	sendErr   error
	starts    int
	stops     int
	sent      []*models.OutboundMessage
}

func (c *stubChannel) Start(ctx context.Context) error {
	if c.entered != nil {
		c.entered <- c.Platform()
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.starts++
	var err error
	if len(c.startErrs) > 0 {
		err, c.startErrs = c.startErrs[0], c.startErrs[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.SetRunning(true)
	return nil
}

func (c *stubChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
	c.SetRunning(false)
	return nil
}

func (c *stubChannel) Send(ctx context.Context, msg *models.OutboundMessage) error {
	if !c.IsRunning() {
		return channels.ErrNotInitialized(c.Platform())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubChannel) counts() (starts, stops, sent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, len(c.sent)
}

type harness struct {
	t      *testing.T
	svc    *Service
	stores storage.StoreSet
	box    *secrets.Box

	mu        sync.Mutex
	created   []*stubChannel
	startErrs map[string][]error
	sendErr   map[string]error

	// startGate, when set, holds every Start until closed; startEntered
	// reports each Start as it begins.
	startGate    chan struct{}
	startEntered chan models.Platform
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	if err := stores.Admins.(*storage.MemoryAdminStore).SetPassword(ctx, testAdminEmail, testAdminPassword); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	box, err := secrets.NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	h := &harness{
		t:         t,
		stores:    stores,
		box:       box,
		startErrs: make(map[string][]error),
		sendErr:   make(map[string]error),
	}

	factory := channels.NewFactory()
	for _, p := range models.AllPlatforms() {
		factory.Register(p, h.construct)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		Stores:        stores,
		Factory:       factory,
		EncryptionKey: testKey,
		AdminEmail:    testAdminEmail,
		AdminPassword: testAdminPassword,
		Connections:   connections.NewManager(connections.Config{Logger: logger}),
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Factor:       1.5,
			Sleep:        func(context.Context, time.Duration) error { return nil },
		},
		SingleChannelTier: models.TierHero,
		Logger:            logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.svc = New(cfg)
	t.Cleanup(func() { h.svc.Shutdown(context.Background()) })
	return h
}

func (h *harness) construct(opts channels.Options) (channels.Channel, error) {
	key := models.ConnectionKey(opts.UserID, opts.Config.Platform)
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := &stubChannel{
		Base:      channels.NewBase(opts.Config.Platform, opts.UserID, opts.Config.AllowFrom, opts.Config.LinkedIdentity(), opts.Logger),
		token:     opts.Token,
		startErrs: h.startErrs[key],
		sendErr:   h.sendErr[key],
		gate:      h.startGate,
		entered:   h.startEntered,
	}
	h.created = append(h.created, ch)
	return ch, nil
}

// failStart scripts the next channel built for userID/platform.
func (h *harness) failStart(userID string, platform models.Platform, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startErrs[models.ConnectionKey(userID, platform)] = errs
}

func (h *harness) failSend(userID string, platform models.Platform, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr[models.ConnectionKey(userID, platform)] = err
}

func (h *harness) createdFor(userID string, platform models.Platform) []*stubChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*stubChannel
	for _, ch := range h.created {
		if ch.UserID() == userID && ch.Platform() == platform {
			out = append(out, ch)
		}
	}
	return out
}

func (h *harness) addConfig(userID string, platform models.Platform, enabled bool) *models.ChannelConfig {
	h.t.Helper()
	cfg := &models.ChannelConfig{UserID: userID, Platform: platform, Enabled: enabled}
	if platform != models.PlatformWhatsApp {
		token, err := h.box.Encrypt("token-" + userID)
		if err != nil {
			h.t.Fatalf("Encrypt() error = %v", err)
		}
		cfg.BotToken = token
	}
	if err := h.stores.Channels.Create(context.Background(), cfg); err != nil {
		h.t.Fatalf("Create() error = %v", err)
	}
	return cfg
}

func (h *harness) initialize() {
	h.t.Helper()
	if err := h.svc.Initialize(context.Background()); err != nil {
		h.t.Fatalf("Initialize() error = %v", err)
	}
}

func TestInitializeStartsEnabledChannels(t *testing.T) {
	h := newHarness(t)
	h.addConfig("u1", models.PlatformTelegram, true)
	h.addConfig("u2", models.PlatformDiscord, true)
	h.addConfig("u3", models.PlatformTelegram, false)
	h.addConfig("u4", models.PlatformWhatsApp, true)
	boom := errors.New("boom")
	h.failStart("u4", models.PlatformWhatsApp, boom, boom, boom)

	h.initialize()

	if !h.svc.IsInitialized() {
		t.Fatal("IsInitialized() = false after Initialize")
	}
	if !h.svc.IsChannelRunning("u1", models.PlatformTelegram) {
		t.Error("u1 telegram should be running")
	}
	if !h.svc.IsChannelRunning("u2", models.PlatformDiscord) {
		t.Error("u2 discord should be running")
	}
	if h.svc.IsChannelRunning("u3", models.PlatformTelegram) {
		t.Error("disabled u3 telegram should not be running")
	}
	if h.svc.GetChannel("u4", models.PlatformWhatsApp) != nil {
		t.Error("failing u4 whatsapp should not be tracked")
	}
	if got := h.createdFor("u1", models.PlatformTelegram)[0].token; got != "token-u1" {
		t.Errorf("constructor token = %q, want decrypted token", got)
	}

	h.initialize()
	if n := len(h.createdFor("u1", models.PlatformTelegram)); n != 1 {
		t.Errorf("second Initialize built %d channels for u1, want 1", n)
	}
}

func TestInitializeCredentialFailures(t *testing.T) {
	tests := []struct {
		name    string
		opt     harnessOption
		wantErr error
	}{
		{
			name:    "missing admin email",
			opt:     func(c *Config) { c.AdminEmail = "" },
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "short encryption key",
			opt:     func(c *Config) { c.EncryptionKey = "short" },
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "wrong admin password",
			opt:     func(c *Config) { c.AdminPassword = "wrong-password" },
			wantErr: storage.ErrUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opt)
			err := h.svc.Initialize(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Initialize() error = %v, want %v", err, tt.wantErr)
			}
			if h.svc.IsInitialized() {
				t.Error("IsInitialized() = true after failure")
			}
			if h.svc.InitializeSafe(context.Background()) {
				t.Error("InitializeSafe() = true after failure")
			}
		})
	}
}

func TestStartChannelRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.initialize()
	cfg := h.addConfig("u1", models.PlatformTelegram, true)
	boom := errors.New("flaky network")
	h.failStart("u1", models.PlatformTelegram, boom, boom)

	if err := h.svc.StartChannel(context.Background(), "u1", models.PlatformTelegram, cfg); err != nil {
		t.Fatalf("StartChannel() error = %v", err)
	}
	starts, _, _ := h.createdFor("u1", models.PlatformTelegram)[0].counts()
	if starts != 3 {
		t.Errorf("starts = %d, want 3", starts)
	}
	if _, ok := h.svc.config.Connections.Get("u1", models.PlatformTelegram); !ok {
		t.Error("connection not registered")
	}
}

func TestStartChannelExhaustedStopsChannel(t *testing.T) {
	h := newHarness(t)
	h.initialize()
	cfg := h.addConfig("u1", models.PlatformTelegram, true)
	boom := errors.New("bad token")
	h.failStart("u1", models.PlatformTelegram, boom, boom, boom)

	err := h.svc.StartChannel(context.Background(), "u1", models.PlatformTelegram, cfg)
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("StartChannel() error = %v, want ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	_, stops, _ := h.createdFor("u1", models.PlatformTelegram)[0].counts()
	if stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
	if h.svc.GetChannel("u1", models.PlatformTelegram) != nil {
		t.Error("failed channel is tracked")
	}
	if _, ok := h.svc.config.Connections.Get("u1", models.PlatformTelegram); ok {
		t.Error("failed channel is registered")
	}
	if got := h.svc.config.Connections.Stats().Platforms[models.PlatformTelegram].Failed; got != 1 {
		t.Errorf("Failed = %d, want 1", got)
	}
}

func TestStartChannelReplacesRunningChannel(t *testing.T) {
	h := newHarness(t)
	h.initialize()
	cfg := h.addConfig("u1", models.PlatformTelegram, true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.svc.StartChannel(ctx, "u1", models.PlatformTelegram, cfg); err != nil {
			t.Fatalf("StartChannel() #%d error = %v", i, err)
		}
	}
	built := h.createdFor("u1", models.PlatformTelegram)
	if len(built) != 2 {
		t.Fatalf("built %d channels, want 2", len(built))
	}
	if _, stops, _ := built[0].counts(); stops != 1 {
		t.Errorf("first channel stops = %d, want 1", stops)
	}
	if built[0].IsRunning() {
		t.Error("first channel still running")
	}
	if h.svc.GetChannel("u1", models.PlatformTelegram) != channels.Channel(built[1]) {
		t.Error("tracked channel is not the replacement")
	}
	if got := h.svc.config.Connections.ActiveCount(models.PlatformTelegram); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
}

func TestStartChannelConnectionLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Connections = connections.NewManager(connections.Config{
			MaxPerPlatform: map[models.Platform]int{models.PlatformTelegram: 1},
			Logger:         c.Logger,
		})
	})
	h.initialize()
	ctx := context.Background()
	first := h.addConfig("u1", models.PlatformTelegram, true)
	second := h.addConfig("u2", models.PlatformTelegram, true)

	if err := h.svc.StartChannel(ctx, "u1", models.PlatformTelegram, first); err != nil {
		t.Fatalf("StartChannel(u1) error = %v", err)
	}
	err := h.svc.StartChannel(ctx, "u2", models.PlatformTelegram, second)
	if !channels.IsCode(err, channels.ErrCodeConnectionLimit) {
		t.Fatalf("StartChannel(u2) error = %v, want connection limit", err)
	}
	if len(h.createdFor("u2", models.PlatformTelegram)) != 0 {
		t.Error("channel built past the connection limit")
	}
	// Restarting an existing connection is always admitted.
	if err := h.svc.StartChannel(ctx, "u1", models.PlatformTelegram, first); err != nil {
		t.Errorf("restart StartChannel(u1) error = %v", err)
	}
}

func TestStartChannelTierRestriction(t *testing.T) {
	tests := []struct {
		name    string
		tier    models.Tier
		wantErr bool
	}{
		{name: "free users may connect several platforms", tier: models.TierFree},
		{name: "lover users may connect several platforms", tier: models.TierLover},
		{name: "hero users are limited to one", tier: models.TierHero, wantErr: true},
		{name: "legend users are limited to one", tier: models.TierLegend, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.initialize()
			ctx := context.Background()
			if err := h.stores.Users.SetTier(ctx, "u1", tt.tier); err != nil {
				t.Fatalf("SetTier() error = %v", err)
			}
			tg := h.addConfig("u1", models.PlatformTelegram, true)
			dc := h.addConfig("u1", models.PlatformDiscord, true)
			if err := h.svc.StartChannel(ctx, "u1", models.PlatformTelegram, tg); err != nil {
				t.Fatalf("StartChannel(telegram) error = %v", err)
			}

			err := h.svc.StartChannel(ctx, "u1", models.PlatformDiscord, dc)
			if tt.wantErr {
				if !errors.Is(err, ErrTierRestricted) {
					t.Fatalf("StartChannel(discord) error = %v, want ErrTierRestricted", err)
				}
				if !h.svc.IsChannelRunning("u1", models.PlatformTelegram) {
					t.Error("restriction stopped the running channel")
				}
				// The same platform can still be restarted.
				if err := h.svc.StartChannel(ctx, "u1", models.PlatformTelegram, tg); err != nil {
					t.Errorf("restart telegram error = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("StartChannel(discord) error = %v", err)
			}
			if got := len(h.svc.ListUserChannels("u1")); got != 2 {
				t.Errorf("ListUserChannels() = %d channels, want 2", got)
			}
		})
	}
}

func TestStartChannelTierRestrictionConcurrent(t *testing.T) {
	h := newHarness(t)
	h.initialize()
	ctx := context.Background()
	if err := h.stores.Users.SetTier(ctx, "u1", models.TierHero); err != nil {
		t.Fatalf("SetTier() error = %v", err)
	}
	cfgs := []*models.ChannelConfig{
		h.addConfig("u1", models.PlatformTelegram, true),
		h.addConfig("u1", models.PlatformDiscord, true),
	}
	gate := make(chan struct{})
	entered := make(chan models.Platform, len(cfgs))
	h.mu.Lock()
	h.startGate = gate
	h.startEntered = entered
	h.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(cfgs))
	for i, cfg := range cfgs {
		wg.Add(1)
		go func(i int, cfg *models.ChannelConfig) {
			defer wg.Done()
			errs[i] = h.svc.StartChannel(ctx, "u1", cfg.Platform, cfg)
		}(i, cfg)
	}

	first := <-entered
	select {
	case second := <-entered:
		t.Errorf("%s and %s were starting at the same time", first, second)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	wg.Wait()

	var restricted int
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, ErrTierRestricted):
			restricted++
		default:
			t.Errorf("StartChannel() error = %v", err)
		}
	}
	if restricted != 1 {
		t.Errorf("restricted starts = %d, want 1 (errs = %v)", restricted, errs)
	}
	if got := h.svc.ListUserChannels("u1"); len(got) != 1 || got[0].Platform != first {
		t.Errorf("running channels = %+v, want only %s", got, first)
	}
}

func TestStartChannelTierRestrictionDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SingleChannelTier = "" })
	h.initialize()
	ctx := context.Background()
	if err := h.stores.Users.SetTier(ctx, "u1", models.TierLegend); err != nil {
		t.Fatalf("SetTier() error = %v", err)
	}
	for _, p := range []models.Platform{models.PlatformTelegram, models.PlatformDiscord} {
		cfg := h.addConfig("u1", p, true)
		if err := h.svc.StartChannel(ctx, "u1", p, cfg); err != nil {
			t.Fatalf("StartChannel(%s) error = %v", p, err)
		}
	}
}

func TestStartChannelRejectsUndecryptableToken(t *testing.T) {
	h := newHarness(t)
	h.initialize()
	cfg := &models.ChannelConfig{UserID: "u1", Platform: models.PlatformTelegram, Enabled: true, BotToken: "not-ciphertext"}

	err := h.svc.StartChannel(context.Background(), "u1", models.PlatformTelegram, cfg)
	if err == nil || !strings.Contains(err.Error(), "decrypt") {
		t.Fatalf("StartChannel() error = %v, want decrypt failure", err)
	}
	if len(h.createdFor("u1", models.PlatformTelegram)) != 0 {
		t.Error("channel built with an undecryptable token")
	}
}

func TestStartChannelLoadsStoredConfig(t *testing.T) {
	h := newHarness(t)
	h.initialize()
	h.addConfig("u1", models.PlatformDiscord, true)

	if err := h.svc.StartChannel(context.Background(), "u1", models.PlatformDiscord, nil); err != nil {
		t.Fatalf("StartChannel() error = %v", err)
	}
	if got := h.createdFor("u1", models.PlatformDiscord)[0].token; got != "token-u1" {
		t.Errorf("token = %q, want token-u1", got)
	}

	err := h.svc.StartChannel(context.Background(), "u9", models.PlatformDiscord, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("StartChannel(unknown user) error = %v, want ErrNotFound", err)
	}
}

func TestStartChannelUnsupportedPlatform(t *testing.T) {
	h := newHarness(t)
	err := h.svc.StartChannel(context.Background(), "u1", models.Platform("sms"), nil)
	if !channels.IsCode(err, channels.ErrCodeUnsupportedPlatform) {
		t.Fatalf("StartChannel() error = %v, want unsupported platform", err)
	}
}

func TestStopChannel(t *testing.T) {
	h := newHarness(t)
	h.addConfig("u1", models.PlatformTelegram, true)
	h.initialize()
	ctx := context.Background()

	if err := h.svc.StopChannel(ctx, "u1", models.PlatformTelegram); err != nil {
		t.Fatalf("StopChannel() error = %v", err)
	}
	if h.svc.GetChannel("u1", models.PlatformTelegram) != nil {
		t.Error("channel still tracked")
	}
	if got := h.svc.users(); len(got) != 0 {
		t.Errorf("users() = %v, want none", got)
	}
	if _, ok := h.svc.config.Connections.Get("u1", models.PlatformTelegram); ok {
		t.Error("connection still registered")
	}
	// Stopping again is a no-op.
	if err := h.svc.StopChannel(ctx, "u1", models.PlatformTelegram); err != nil {
		t.Errorf("second StopChannel() error = %v", err)
	}
}

func TestReloadUserChannels(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SingleChannelTier = "" })
	tg := h.addConfig("u1", models.PlatformTelegram, true)
	h.initialize()
	ctx := context.Background()

	tg.Enabled = false
	if err := h.stores.Channels.Update(ctx, tg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	h.addConfig("u1", models.PlatformDiscord, true)

	if err := h.svc.ReloadUserChannels(ctx, "u1"); err != nil {
		t.Fatalf("ReloadUserChannels() error = %v", err)
	}
	if h.svc.IsChannelRunning("u1", models.PlatformTelegram) {
		t.Error("disabled telegram still running after reload")
	}
	if !h.svc.IsChannelRunning("u1", models.PlatformDiscord) {
		t.Error("discord not running after reload")
	}
}

func TestDisconnectChannel(t *testing.T) {
	h := newHarness(t)
	h.addConfig("u1", models.PlatformTelegram, true)
	h.initialize()
	ctx := context.Background()

	if err := h.svc.DisconnectChannel(ctx, "u1", models.PlatformTelegram); err != nil {
		t.Fatalf("DisconnectChannel() error = %v", err)
	}
	if h.svc.GetChannel("u1", models.PlatformTelegram) != nil {
		t.Error("channel still tracked")
	}
	if _, err := h.stores.ChannelFor(ctx, "u1", models.PlatformTelegram); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ChannelFor() error = %v, want ErrNotFound", err)
	}
	// Nothing left to disconnect.
	if err := h.svc.DisconnectChannel(ctx, "u1", models.PlatformTelegram); err != nil {
		t.Errorf("second DisconnectChannel() error = %v", err)
	}
}

func TestCleanupDisabledChannels(t *testing.T) {
	h := newHarness(t)
	first := h.addConfig("u1", models.PlatformTelegram, true)
	h.addConfig("u2", models.PlatformTelegram, true)
	h.initialize()
	ctx := context.Background()

	first.Enabled = false
	if err := h.stores.Channels.Update(ctx, first); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stopped, err := h.svc.CleanupDisabledChannels(ctx)
	if err != nil {
		t.Fatalf("CleanupDisabledChannels() error = %v", err)
	}
	if stopped != 1 {
		t.Errorf("stopped = %d, want 1", stopped)
	}
	if h.svc.IsChannelRunning("u1", models.PlatformTelegram) {
		t.Error("disabled channel still running")
	}
	if !h.svc.IsChannelRunning("u2", models.PlatformTelegram) {
		t.Error("enabled channel was stopped")
	}
}

func TestLinkEventsArePersisted(t *testing.T) {
	tests := []struct {
		name     string
		platform models.Platform
		event    channels.Event
		check    func(*models.ChannelConfig) bool
	}{
		{
			name:     "telegram chat id",
			platform: models.PlatformTelegram,
			event:    channels.Event{Kind: channels.EventLinked, RemoteID: "4242"},
			check:    func(c *models.ChannelConfig) bool { return c.ChatID == "4242" },
		},
		{
			name:     "discord user and channel",
			platform: models.PlatformDiscord,
			event:    channels.Event{Kind: channels.EventLinked, RemoteID: "998877", ChannelID: "554433"},
			check: func(c *models.ChannelConfig) bool {
				return c.DiscordUserID == "998877" && c.DiscordChannelID == "554433"
			},
		},
		{
			name:     "whatsapp qr code",
			platform: models.PlatformWhatsApp,
			event:    channels.Event{Kind: channels.EventQRCode, QRCode: "2@abc", QRImage: "data:image/png;base64,AAAA"},
			check:    func(c *models.ChannelConfig) bool { return c.QRCode == "data:image/png;base64,AAAA" },
		},
		{
			name:     "whatsapp phone number clears qr",
			platform: models.PlatformWhatsApp,
			event:    channels.Event{Kind: channels.EventLinked, RemoteID: "4915112345678"},
			check:    func(c *models.ChannelConfig) bool { return c.PhoneNumber == "4915112345678" && c.QRCode == "" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.addConfig("u1", tt.platform, true)
			h.initialize()

			h.createdFor("u1", tt.platform)[0].Emit(tt.event)

			ctx := context.Background()
			deadline := time.Now().Add(2 * time.Second)
			for {
				cfg, err := h.stores.ChannelFor(ctx, "u1", tt.platform)
				if err != nil {
					t.Fatalf("ChannelFor() error = %v", err)
				}
				if tt.check(cfg) {
					return
				}
				if time.Now().After(deadline) {
					t.Fatalf("event not persisted, config = %+v", cfg)
				}
				time.Sleep(10 * time.Millisecond)
			}
		})
	}
}

func TestOnEventSeesPersistedEvents(t *testing.T) {
	seen := make(chan channels.Event, 1)
	h := newHarness(t, func(c *Config) {
		c.OnEvent = func(evt channels.Event) { seen <- evt }
	})
	h.addConfig("u1", models.PlatformTelegram, true)
	h.initialize()

	h.createdFor("u1", models.PlatformTelegram)[0].Emit(channels.Event{Kind: channels.EventLinked, RemoteID: "4242"})

	select {
	case evt := <-seen:
		if evt.UserID != "u1" || evt.Platform != models.PlatformTelegram {
			t.Errorf("event = %+v", evt)
		}
		cfg, err := h.stores.ChannelFor(context.Background(), "u1", models.PlatformTelegram)
		if err != nil {
			t.Fatalf("ChannelFor() error = %v", err)
		}
		if cfg.ChatID != "4242" {
			t.Errorf("ChatID = %q, want 4242 before OnEvent runs", cfg.ChatID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnEvent was not called")
	}
}

func TestLinkEventKeepsOperatorFields(t *testing.T) {
	h := newHarness(t)
	cfg := h.addConfig("u1", models.PlatformWhatsApp, true)
	ctx := context.Background()

	_, err := h.stores.Channels.Modify(ctx, cfg.ID, func(c *models.ChannelConfig) error {
		c.Enabled = false
		c.AllowFrom = []string{"15550001111"}
		c.QRCode = "data:image/png;base64,AAAA"
		return nil
	})
	if err != nil {
		t.Fatalf("Modify() error = %v", err)
	}

	h.svc.handleEvent(ctx, channels.Event{
		UserID:   "u1",
		Platform: models.PlatformWhatsApp,
		Kind:     channels.EventLinked,
		RemoteID: "15552223333",
	})

	got, err := h.stores.Channels.Get(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PhoneNumber != "15552223333" || got.QRCode != "" {
		t.Errorf("identity = %q/%q, want linked phone and cleared QR", got.PhoneNumber, got.QRCode)
	}
	if got.Enabled {
		t.Error("Enabled was overwritten by the link event")
	}
	if len(got.AllowFrom) != 1 || got.AllowFrom[0] != "15550001111" {
		t.Errorf("AllowFrom = %v, want preserved", got.AllowFrom)
	}
}

func TestDisconnectEventMarksUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.addConfig("u1", models.PlatformTelegram, true)
	h.initialize()

	h.createdFor("u1", models.PlatformTelegram)[0].Emit(channels.Event{Kind: channels.EventDisconnected})

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, ok := h.svc.config.Connections.Get("u1", models.PlatformTelegram)
		if !ok {
			t.Fatal("connection missing")
		}
		if !info.Healthy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("connection still healthy after disconnect event")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInitializeDoesNotBlockStatusOrShutdown(t *testing.T) {
	h := newHarness(t)
	h.addConfig("u1", models.PlatformTelegram, true)
	gate := make(chan struct{})
	entered := make(chan models.Platform, 1)
	h.mu.Lock()
	h.startGate = gate
	h.startEntered = entered
	h.mu.Unlock()
	defer func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	}()

	ctx := context.Background()
	initErr := make(chan error, 1)
	go func() { initErr <- h.svc.Initialize(ctx) }()
	<-entered

	queried := make(chan struct{})
	go func() {
		defer close(queried)
		if h.svc.IsInitialized() {
			t.Error("IsInitialized() = true while channels are starting")
		}
		_ = h.svc.Status()
		h.svc.Shutdown(ctx)
	}()
	select {
	case <-queried:
	case <-time.After(2 * time.Second):
		t.Fatal("status and shutdown blocked behind channel starts")
	}

	close(gate)
	if err := <-initErr; !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Initialize() error = %v, want ErrNotInitialized after a concurrent Shutdown", err)
	}
	if h.svc.IsInitialized() || h.svc.IsChannelRunning("u1", models.PlatformTelegram) {
		t.Error("service left running after Shutdown during Initialize")
	}

	h.mu.Lock()
	h.startGate, h.startEntered = nil, nil
	h.mu.Unlock()
	h.initialize()
	if !h.svc.IsChannelRunning("u1", models.PlatformTelegram) {
		t.Error("u1 telegram not running after a fresh Initialize")
	}
}

func TestShutdown(t *testing.T) {
	t.Run("before initialize", func(t *testing.T) {
		h := newHarness(t)
		h.svc.Shutdown(context.Background())
		h.svc.Shutdown(context.Background())
		if h.svc.IsInitialized() {
			t.Error("IsInitialized() = true")
		}
	})

	t.Run("stops every channel", func(t *testing.T) {
		h := newHarness(t)
		h.addConfig("u1", models.PlatformTelegram, true)
		h.addConfig("u2", models.PlatformDiscord, true)
		h.initialize()

		h.svc.Shutdown(context.Background())

		if h.svc.IsInitialized() {
			t.Error("IsInitialized() = true after Shutdown")
		}
		for _, ch := range h.created {
			if ch.IsRunning() {
				t.Errorf("%s channel of %s still running", ch.Platform(), ch.UserID())
			}
		}
		if got := h.svc.config.Connections.ActiveCount(""); got != 0 {
			t.Errorf("ActiveCount() = %d, want 0", got)
		}
		if st := h.svc.Status(); len(st.Channels) != 0 || st.Users != 0 {
			t.Errorf("Status() after Shutdown = %+v", st)
		}

		// The service can be brought back up.
		h.initialize()
		if !h.svc.IsChannelRunning("u1", models.PlatformTelegram) {
			t.Error("u1 telegram not running after re-initialize")
		}
	})
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.addConfig("u1", models.PlatformTelegram, true)
	h.addConfig("u2", models.PlatformWhatsApp, true)
	h.initialize()

	st := h.svc.Status()
	if !st.Initialized {
		t.Error("Initialized = false")
	}
	if st.Users != 2 || len(st.Channels) != 2 {
		t.Errorf("Users = %d, Channels = %d, want 2 and 2", st.Users, len(st.Channels))
	}
	if st.Connections.Active != 2 {
		t.Errorf("Connections.Active = %d, want 2", st.Connections.Active)
	}
	if _, ok := st.Queued[models.PlatformWhatsApp]; !ok {
		t.Error("Queued missing whatsapp")
	}
	if st.Sessions != nil {
		t.Error("Sessions set without a session store")
	}
}
