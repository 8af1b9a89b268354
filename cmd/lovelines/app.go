package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/internal/channels/discord"
	"github.com/haasonsaas/lovelines/internal/channels/telegram"
	"github.com/haasonsaas/lovelines/internal/channels/whatsapp"
	"github.com/haasonsaas/lovelines/internal/config"
	"github.com/haasonsaas/lovelines/internal/connections"
	"github.com/haasonsaas/lovelines/internal/messaging"
	"github.com/haasonsaas/lovelines/internal/observability"
	"github.com/haasonsaas/lovelines/internal/retry"
	"github.com/haasonsaas/lovelines/internal/secrets"
	"github.com/haasonsaas/lovelines/internal/sessions"
	"github.com/haasonsaas/lovelines/internal/storage"
	"github.com/haasonsaas/lovelines/pkg/models"
)

// app holds the collaborators every command builds from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	stores   storage.StoreSet
	sessions *sessions.Store
	backup   *sessions.Backup
	registry *prometheus.Registry
	metrics  *observability.Metrics
}

// openApp opens the record store and the session store described by cfg.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	stores, err := openStores(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Migrate {
		if err := stores.Migrate(ctx); err != nil {
			stores.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	backend, err := sessionBackend(ctx, cfg.Sessions, stores)
	if err != nil {
		stores.Close()
		return nil, err
	}
	sessionStore, err := sessions.NewStore(sessions.StoreConfig{
		CacheDir: cfg.Sessions.CacheDir,
		Backend:  backend,
		Logger:   logger,
	})
	if err != nil {
		stores.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		stores:   stores,
		sessions: sessionStore,
		backup:   sessions.NewBackup(sessions.NewArchiver(logger), sessionStore, metrics, logger),
		registry: registry,
		metrics:  metrics,
	}, nil
}

func (a *app) Close() error {
	return a.stores.Close()
}

func openStores(ctx context.Context, cfg config.StoreConfig) (storage.StoreSet, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		stores := storage.NewMemoryStores()
		// Nothing persists, so the configured admin is seeded on every start.
		if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
			if err := stores.Admins.SetPassword(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
				return storage.StoreSet{}, fmt.Errorf("seed admin: %w", err)
			}
		}
		return stores, nil
	case "postgres":
		pg := storage.DefaultPostgresConfig()
		if cfg.MaxOpenConns > 0 {
			pg.MaxOpenConns = cfg.MaxOpenConns
		}
		if cfg.ConnMaxLifetime > 0 {
			pg.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		if cfg.ConnectTimeout > 0 {
			pg.ConnectTimeout = cfg.ConnectTimeout
		}
		return storage.NewPostgresStoresFromDSN(cfg.DSN, pg)
	case "sqlite":
		return storage.NewSQLiteStores(cfg.DSN)
	default:
		return storage.StoreSet{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func sessionBackend(ctx context.Context, cfg config.SessionsConfig, stores storage.StoreSet) (sessions.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "record":
		return stores.Sessions, nil
	case "s3":
		backend, err := sessions.NewS3Backend(ctx, sessions.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 session backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// encrypter derives the token cipher from the configured key.
func (a *app) encrypter() (*secrets.Box, error) {
	return secrets.NewBox(a.cfg.Encryption.Key)
}

// factory registers the channel constructor of every platform.
func (a *app) factory() (*channels.Factory, error) {
	f := channels.NewFactory()
	f.Register(models.PlatformTelegram, telegram.New)
	f.Register(models.PlatformDiscord, discord.New)
	f.Register(models.PlatformWhatsApp, whatsapp.NewConstructor(a.cfg.Sessions.Dir, a.backup))
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (a *app) limiters() *channels.Limiters {
	limits := make(map[models.Platform]channels.RateLimit)
	for _, p := range models.AllPlatforms() {
		rl := a.cfg.RateLimits.ForPlatform(p)
		limits[p] = channels.RateLimit{MaxOperations: rl.MaxOperations, Window: rl.Window}
	}
	return channels.NewLimiters(limits)
}

// serviceOptions are the per-command parts of the messaging service.
type serviceOptions struct {
	Tracer *observability.Tracer
	// Encrypter lets one-shot commands start channels without Initialize.
	Encrypter secrets.Encrypter
	OnEvent   func(channels.Event)
}

// service builds the messaging service.
func (a *app) service(opts serviceOptions) (*messaging.Service, error) {
	factory, err := a.factory()
	if err != nil {
		return nil, err
	}
	return messaging.New(messaging.Config{
		Stores:        a.stores,
		Factory:       factory,
		Encrypter:     opts.Encrypter,
		EncryptionKey: a.cfg.Encryption.Key,
		AdminEmail:    a.cfg.Store.AdminEmail,
		AdminPassword: a.cfg.Store.AdminPassword,
		Connections: connections.NewManager(connections.Config{
			MaxPerPlatform: a.cfg.Limits.MaxConnections.PerPlatform(),
			MaxTotal:       a.cfg.Limits.MaxConnections.Global,
			Logger:         a.logger,
		}),
		Limiters: a.limiters(),
		Retry: retry.Config{
			MaxAttempts:  a.cfg.Retry.MaxAttempts,
			InitialDelay: a.cfg.Retry.InitialDelay,
			Factor:       a.cfg.Retry.Factor,
		},
		Sessions:           a.sessions,
		SessionCleanupDays: a.cfg.Sessions.CleanupDays,
		SingleChannelTier:  a.cfg.SingleChannelTier(),
		Metrics:            a.metrics,
		OnEvent:            opts.OnEvent,
		Tracer:             opts.Tracer,
		Logger:             a.logger,
	}), nil
}
