package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/internal/connections"
	"github.com/haasonsaas/lovelines/internal/retry"
	"github.com/haasonsaas/lovelines/internal/storage"
	"github.com/haasonsaas/lovelines/pkg/models"
)

type channelKey struct {
	userID   string
	platform models.Platform
}

// StartChannel brings up userID's channel on platform. cfg may be nil, in
// which case the stored config is used. Any channel already running for the
// same user and platform is stopped first. Start is retried with backoff;
// on final failure the channel is stopped and never registered.
func (s *Service) StartChannel(ctx context.Context, userID string, platform models.Platform, cfg *models.ChannelConfig) (err error) {
	if !platform.Valid() {
		return channels.NewError(platform, channels.ErrCodeUnsupportedPlatform, fmt.Sprintf("unsupported platform: %s", platform), nil)
	}
	unlock := s.locks.Lock(models.ConnectionKey(userID, platform))
	defer unlock()
	if s.config.SingleChannelTier != "" {
		unlockUser := s.userLocks.Lock(userID)
		defer unlockUser()
	}

	ctx, span := s.tracer.TraceChannelStart(ctx, userID, string(platform))
	defer func() {
		s.tracer.RecordError(span, err)
		span.End()
	}()
	logger := s.logger.With("user_id", userID, "platform", platform)

	if !s.config.Connections.CanCreateConnection(userID, platform) {
		s.config.Connections.RecordFailure(platform)
		s.metrics.RecordStart(string(platform), "limited")
		logger.Warn("connection limit reached")
		return connections.LimitError(platform)
	}

	if err := s.checkTier(ctx, userID, platform); err != nil {
		s.metrics.RecordStart(string(platform), "restricted")
		return err
	}

	if err := s.stopLocked(ctx, userID, platform); err != nil {
		logger.Warn("stopping previous channel failed", "error", err)
	}

	if cfg == nil {
		stored, err := s.config.Stores.ChannelFor(ctx, userID, platform)
		if err != nil {
			return fmt.Errorf("load %s config: %w", platform, err)
		}
		cfg = stored
	}

	token, err := s.decryptToken(cfg)
	if err != nil {
		s.metrics.RecordStart(string(platform), "error")
		return err
	}

	ch, err := s.config.Factory.Create(platform, channels.Options{
		UserID: userID,
		Config: cfg,
		Token:  token,
		Logger: s.config.Logger,
	})
	if err != nil {
		s.metrics.RecordStart(string(platform), "error")
		s.metrics.RecordError(string(platform), string(channels.GetErrorCode(err)))
		return err
	}

	err = retry.WithBackoff(ctx, fmt.Sprintf("start %s channel", platform), s.config.Retry, ch.Start)
	if err != nil {
		channels.SafeStop(context.WithoutCancel(ctx), ch)
		s.config.Connections.RecordFailure(platform)
		s.config.ChannelMetrics.For(platform).RecordError(channels.GetErrorCode(err))
		s.metrics.RecordStart(string(platform), "error")
		s.metrics.RecordError(string(platform), string(channels.GetErrorCode(err)))
		logger.Error("channel failed to start", "error", err)
		return err
	}

	if err := s.config.Connections.RegisterConnection(userID, platform); err != nil {
		channels.SafeStop(context.WithoutCancel(ctx), ch)
		s.metrics.RecordStart(string(platform), "limited")
		return err
	}

	s.track(userID, platform, ch)
	s.config.ChannelMetrics.For(platform).RecordChannelStarted()
	s.metrics.RecordStart(string(platform), "success")
	s.metrics.SetActiveConnections(string(platform), s.config.Connections.ActiveCount(platform))
	logger.Info("channel started", "linked", ch.IsLinked())
	return nil
}

func (s *Service) checkTier(ctx context.Context, userID string, platform models.Platform) error {
	minTier := s.config.SingleChannelTier
	if minTier == "" || s.config.Stores.Users == nil {
		return nil
	}
	var other models.Platform
	for _, p := range s.platformsOf(userID) {
		if p != platform {
			other = p
			break
		}
	}
	if other == "" {
		return nil
	}
	tier, err := s.config.Stores.Users.Tier(ctx, userID)
	if err != nil {
		return fmt.Errorf("look up tier: %w", err)
	}
	if !tier.AtLeast(minTier) {
		return nil
	}
	return fmt.Errorf("%w: %s users can connect one platform at a time, disconnect %s before connecting %s",
		ErrTierRestricted, tier, other, platform)
}

func (s *Service) decryptToken(cfg *models.ChannelConfig) (string, error) {
	if cfg.BotToken == "" {
		return "", nil
	}
	enc := s.currentEncrypter()
	if enc == nil {
		return "", fmt.Errorf("decrypt %s credentials: %w", cfg.Platform, ErrNotInitialized)
	}
	token, err := enc.Decrypt(cfg.BotToken)
	if err != nil {
		return "", fmt.Errorf("decrypt %s credentials: %w", cfg.Platform, err)
	}
	return token, nil
}

// track stores ch and starts the goroutine that persists its link events.
func (s *Service) track(userID string, platform models.Platform, ch channels.Channel) {
	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{ch: ch, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	byPlatform, ok := s.channels[userID]
	if !ok {
		byPlatform = make(map[models.Platform]*instance)
		s.channels[userID] = byPlatform
	}
	byPlatform[platform] = inst
	s.mu.Unlock()

	go func() {
		defer close(inst.done)
		s.consumeEvents(ctx, ch)
	}()
}

// StopChannel stops and forgets userID's channel on platform. It is a no-op
// when nothing is running.
func (s *Service) StopChannel(ctx context.Context, userID string, platform models.Platform) error {
	unlock := s.locks.Lock(models.ConnectionKey(userID, platform))
	defer unlock()
	return s.stopLocked(ctx, userID, platform)
}

func (s *Service) stopLocked(ctx context.Context, userID string, platform models.Platform) error {
	s.mu.Lock()
	inst, ok := s.channels[userID][platform]
	if ok {
		delete(s.channels[userID], platform)
		if len(s.channels[userID]) == 0 {
			delete(s.channels, userID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	inst.cancel()
	<-inst.done
	err := inst.ch.Stop(ctx)
	s.config.Connections.UnregisterConnection(userID, platform)
	s.config.ChannelMetrics.For(platform).RecordChannelStopped()
	s.metrics.SetActiveConnections(string(platform), s.config.Connections.ActiveCount(platform))
	s.logger.Info("channel stopped", "user_id", userID, "platform", platform)
	return err
}

// StopAllForUser stops every channel userID has running.
func (s *Service) StopAllForUser(ctx context.Context, userID string) error {
	var errs []error
	for _, p := range s.platformsOf(userID) {
		if err := s.StopChannel(ctx, userID, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// ReloadUserChannels restarts userID's channels from the stored enabled
// configs.
func (s *Service) ReloadUserChannels(ctx context.Context, userID string) error {
	if err := s.StopAllForUser(ctx, userID); err != nil {
		s.logger.Warn("stopping channels before reload failed", "user_id", userID, "error", err)
	}
	configs, err := s.config.Stores.EnabledChannels(ctx, userID)
	if err != nil {
		return fmt.Errorf("load enabled channels: %w", err)
	}
	var errs []error
	for _, cfg := range configs {
		if err := s.StartChannel(ctx, userID, cfg.Platform, cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cfg.Platform, err))
		}
	}
	return errors.Join(errs...)
}

// DisconnectChannel stops the channel, deletes its stored config and, for
// WhatsApp, the stored session.
func (s *Service) DisconnectChannel(ctx context.Context, userID string, platform models.Platform) error {
	if err := s.StopChannel(ctx, userID, platform); err != nil {
		s.logger.Warn("stop before disconnect failed", "user_id", userID, "platform", platform, "error", err)
	}
	cfg, err := s.config.Stores.ChannelFor(ctx, userID, platform)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := s.config.Stores.Channels.Delete(ctx, cfg.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete %s config: %w", platform, err)
		}
	}
	if platform == models.PlatformWhatsApp && s.config.Sessions != nil {
		if err := s.config.Sessions.DeleteSession(ctx, userID); err != nil {
			return fmt.Errorf("delete whatsapp session: %w", err)
		}
	}
	return nil
}

// CleanupDisabledChannels stops running channels whose stored config is no
// longer enabled and returns how many were stopped.
func (s *Service) CleanupDisabledChannels(ctx context.Context) (int, error) {
	stopped := 0
	var errs []error
	for _, userID := range s.users() {
		configs, err := s.config.Stores.EnabledChannels(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		enabled := make(map[models.Platform]bool, len(configs))
		for _, cfg := range configs {
			enabled[cfg.Platform] = true
		}
		for _, p := range s.platformsOf(userID) {
			if enabled[p] {
				continue
			}
			if err := s.StopChannel(ctx, userID, p); err != nil {
				s.logger.Warn("stopping disabled channel failed", "user_id", userID, "platform", p, "error", err)
			}
			stopped++
		}
	}
	if stopped > 0 {
		s.logger.Info("stopped disabled channels", "count", stopped)
	}
	return stopped, errors.Join(errs...)
}

// consumeEvents persists link state reported by ch until ctx is cancelled.
func (s *Service) consumeEvents(ctx context.Context, ch channels.Channel) {
	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.handleEvent(ctx, evt)
			if s.config.OnEvent != nil {
				s.config.OnEvent(evt)
			}
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, evt channels.Event) {
	logger := s.logger.With("user_id", evt.UserID, "platform", evt.Platform, "event", evt.Kind)
	switch evt.Kind {
	case channels.EventDisconnected:
		s.config.Connections.MarkUnhealthy(evt.UserID, evt.Platform)
		logger.Warn("channel disconnected", "error", evt.Err)
		return
	case channels.EventLinked, channels.EventQRCode, channels.EventLoggedOut:
	default:
		return
	}

	cfg, err := s.config.Stores.ChannelFor(ctx, evt.UserID, evt.Platform)
	if err != nil {
		logger.Warn("cannot persist channel event", "error", err)
		return
	}
	_, err = s.config.Stores.Channels.Modify(ctx, cfg.ID, func(stored *models.ChannelConfig) error {
		applyEvent(stored, evt)
		return nil
	})
	if err != nil {
		logger.Error("failed to persist channel event", "error", err)
		return
	}
	if evt.Kind == channels.EventLoggedOut {
		s.config.Connections.MarkUnhealthy(evt.UserID, evt.Platform)
	}
	logger.Info("channel record updated", "remote_id", evt.RemoteID)
}

// applyEvent copies the identity carried by evt onto cfg.
func applyEvent(cfg *models.ChannelConfig, evt channels.Event) {
	switch evt.Kind {
	case channels.EventQRCode:
		cfg.QRCode = evt.QRImage
	case channels.EventLoggedOut:
		cfg.PhoneNumber = ""
		cfg.QRCode = ""
	case channels.EventLinked:
		cfg.QRCode = ""
		switch evt.Platform {
		case models.PlatformTelegram:
			cfg.ChatID = evt.RemoteID
		case models.PlatformDiscord:
			cfg.DiscordUserID = evt.RemoteID
			if evt.ChannelID != "" {
				cfg.DiscordChannelID = evt.ChannelID
			}
		case models.PlatformWhatsApp:
			cfg.PhoneNumber = evt.RemoteID
		}
	}
}
