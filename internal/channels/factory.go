package channels

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// Options carries everything a platform constructor needs.
type Options struct {
	UserID string
	Config *models.ChannelConfig

	// Token is the decrypted platform credential. WhatsApp does not use one.
	Token string

	Logger *slog.Logger
}

// Constructor builds an unstarted channel.
type Constructor func(Options) (Channel, error)

// Factory maps platforms to constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[models.Platform]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[models.Platform]Constructor)}
}

// Register installs the constructor for platform, replacing any previous one.
func (f *Factory) Register(platform models.Platform, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[platform] = ctor
}

// Create builds a channel for opts.Config.Platform.
func (f *Factory) Create(platform models.Platform, opts Options) (Channel, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[platform]
	f.mu.RUnlock()
	if !ok {
		return nil, NewError(platform, ErrCodeUnsupportedPlatform, fmt.Sprintf("unsupported platform: %s", platform), nil)
	}
	if opts.Config == nil {
		opts.Config = &models.ChannelConfig{UserID: opts.UserID, Platform: platform, Enabled: true}
	}
	return ctor(opts)
}

// Platforms returns the registered platforms in sorted order.
func (f *Factory) Platforms() []models.Platform {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.Platform, 0, len(f.constructors))
	for p := range f.constructors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate reports an error if a supported platform has no constructor.
func (f *Factory) Validate() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range models.AllPlatforms() {
		if _, ok := f.constructors[p]; !ok {
			return fmt.Errorf("no channel registered for platform %s", p)
		}
	}
	return nil
}

// PlatformMeta contains display information for a platform.
type PlatformMeta struct {
	Platform  models.Platform
	Label     string
	LinkHint  string
	NeedToken bool
	// MaxMessageLength is the platform's per-message text limit in runes.
	MaxMessageLength int
	// MemoryMB is the rough resident cost of one live connection.
	MemoryMB int
}

var platformMeta = map[models.Platform]PlatformMeta{
	models.PlatformTelegram: {
		Platform:         models.PlatformTelegram,
		Label:            "Telegram",
		LinkHint:         "send /start to your bot",
		NeedToken:        true,
		MaxMessageLength: 4096,
		MemoryMB:         5,
	},
	models.PlatformWhatsApp: {
		Platform:         models.PlatformWhatsApp,
		Label:            "WhatsApp",
		LinkHint:         "scan the QR code from WhatsApp > Linked devices",
		MaxMessageLength: 65536,
		MemoryMB:         150,
	},
	models.PlatformDiscord: {
		Platform:         models.PlatformDiscord,
		Label:            "Discord",
		LinkHint:         "send !start to your bot in a direct message",
		NeedToken:        true,
		MaxMessageLength: 2000,
		MemoryMB:         10,
	},
}

// MetaFor returns the display metadata for platform.
func MetaFor(platform models.Platform) (PlatformMeta, bool) {
	meta, ok := platformMeta[platform]
	return meta, ok
}
