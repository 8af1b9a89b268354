// Package discord implements the Discord channel on top of discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/pkg/models"
)

const welcomeText = "You're linked! Your daily love notes will arrive in this DM. 💌"

// discordSession interface allows for mocking the Discord session in tests.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// SessionFactory creates an unopened session for a bot token.
type SessionFactory func(token string) (discordSession, error)

func newSession(token string) (discordSession, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentDirectMessages | discordgo.IntentGuildMessages | discordgo.IntentMessageContent
	// Reconnects are scheduled by the adapter so a drop is visible to the owner.
	dg.ShouldReconnectOnError = false
	return dg, nil
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// UserID is the owning lovelines user (required)
	UserID string

	// Token is the decrypted bot token from the Discord Developer Portal
	Token string

	// DiscordUserID and ChannelID are the linked identity, if known
	DiscordUserID string
	ChannelID     string

	// AllowFrom restricts who may talk to the bot; empty allows everyone
	AllowFrom []string

	// ReconnectDelay is the pause before a dropped gateway is reopened
	ReconnectDelay time.Duration

	newSession SessionFactory

	// Logger is an optional slog.Logger instance
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("discord: user id is required")
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = channels.DefaultReconnectDelay
	}
	if c.newSession == nil {
		c.newSession = newSession
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Discord channel for one user.
type Adapter struct {
	*channels.Base

	config    Config
	reconnect *channels.Reconnector

	// lifecycle serializes Start, Stop and reconnects.
	lifecycle sync.Mutex

	mu            sync.RWMutex
	session       discordSession
	removers      []func()
	discordUserID string
	dmChannelID   string
}

// NewAdapter creates an unstarted Discord adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	linked := config.ChannelID
	if linked == "" {
		linked = config.DiscordUserID
	}
	a := &Adapter{
		Base:          channels.NewBase(models.PlatformDiscord, config.UserID, config.AllowFrom, linked, config.Logger.With("adapter", "discord")),
		config:        config,
		discordUserID: config.DiscordUserID,
		dmChannelID:   config.ChannelID,
	}
	a.reconnect = channels.NewReconnector(config.ReconnectDelay, a.reopen, a.Logger())
	return a, nil
}

// New is the channels.Constructor for Discord.
func New(opts channels.Options) (channels.Channel, error) {
	return NewAdapter(Config{
		UserID:        opts.UserID,
		Token:         opts.Token,
		DiscordUserID: opts.Config.DiscordUserID,
		ChannelID:     opts.Config.DiscordChannelID,
		AllowFrom:     opts.Config.AllowFrom,
		Logger:        opts.Logger,
	})
}

// Start creates the session and opens the gateway connection.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if a.IsRunning() {
		return nil
	}
	if a.config.Token == "" {
		err := channels.NewError(models.PlatformDiscord, channels.ErrCodeMissingToken, "bot token is required", nil)
		a.SetError(err)
		return err
	}

	session, err := a.config.newSession(a.config.Token)
	if err != nil {
		err = channels.ErrStartFailed(models.PlatformDiscord, err)
		a.SetError(err)
		return err
	}
	removers := []func(){
		session.AddHandler(a.handleMessageCreate),
		session.AddHandler(a.handleReady),
		session.AddHandler(a.handleDisconnect),
	}
	if err := session.Open(); err != nil {
		for _, remove := range removers {
			remove()
		}
		err = channels.ErrStartFailed(models.PlatformDiscord, err)
		a.SetError(err)
		return err
	}

	a.mu.Lock()
	a.session = session
	a.removers = removers
	a.mu.Unlock()

	a.reconnect.Reset()
	a.ClearError()
	a.SetRunning(true)
	a.Logger().Info("discord channel started", "linked", a.IsLinked())
	return nil
}

// Stop closes the gateway connection and releases the session.
func (a *Adapter) Stop(ctx context.Context) error {
	a.reconnect.Stop()
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	wasRunning := a.IsRunning()
	a.SetRunning(false)

	a.mu.Lock()
	session := a.session
	removers := a.removers
	a.session = nil
	a.removers = nil
	a.mu.Unlock()

	if session == nil {
		return nil
	}
	for _, remove := range removers {
		remove()
	}
	if err := session.Close(); err != nil {
		a.Logger().Warn("failed to close discord session", "error", err)
	}
	if wasRunning {
		a.Logger().Info("discord channel stopped")
	}
	return nil
}

// reopen is the reconnect callback.
func (a *Adapter) reopen(context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil || !a.IsRunning() {
		return nil
	}
	if err := session.Open(); err != nil {
		a.SetError(err)
		return err
	}
	a.ClearError()
	return nil
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	name := ""
	if r != nil && r.User != nil {
		name = r.User.Username
	}
	a.Logger().Info("discord connection ready", "bot", name)
}

func (a *Adapter) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if !a.IsRunning() {
		return
	}
	a.SetError(errors.New("disconnected from discord gateway"))
	a.Emit(channels.Event{Kind: channels.EventDisconnected})
	if a.reconnect.Schedule(context.Background()) {
		a.Logger().Warn("disconnected from discord, reconnect scheduled", "delay", a.config.ReconnectDelay)
	}
}

// handleMessageCreate links the DM on !start or /start.
func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	// Linking only happens in direct messages.
	if m.GuildID != "" {
		return
	}
	if !a.IsAllowed(m.Author.ID + "|" + m.Author.Username) {
		a.Logger().Debug("ignoring message from sender not in allow list", "author_id", m.Author.ID)
		return
	}
	if !isStartCommand(m.Content) {
		return
	}

	a.mu.Lock()
	a.discordUserID = m.Author.ID
	a.dmChannelID = m.ChannelID
	session := a.session
	a.mu.Unlock()

	if a.SetLinked(m.ChannelID) {
		a.Logger().Info("discord user linked", "discord_user_id", m.Author.ID, "channel_id", m.ChannelID)
		a.Emit(channels.Event{
			Kind:      channels.EventLinked,
			RemoteID:  m.Author.ID,
			Username:  m.Author.Username,
			ChannelID: m.ChannelID,
		})
	}

	if session != nil {
		if _, err := session.ChannelMessageSend(m.ChannelID, welcomeText); err != nil {
			a.Logger().Warn("failed to send welcome message", "error", err)
		}
	}
}

// Send delivers msg to msg.ChatID or the linked DM channel, opening the DM
// channel first when only the user id is known.
func (a *Adapter) Send(ctx context.Context, msg *models.OutboundMessage) error {
	a.mu.RLock()
	session := a.session
	target := a.dmChannelID
	recipient := a.discordUserID
	a.mu.RUnlock()

	if session == nil {
		return channels.ErrNotInitialized(models.PlatformDiscord)
	}
	if msg.ChatID != "" {
		target = msg.ChatID
	}
	if target == "" && recipient != "" {
		ch, err := session.UserChannelCreate(recipient, discordgo.WithContext(ctx))
		if err != nil {
			return channels.ErrSendFailed(models.PlatformDiscord, fmt.Errorf("open dm with %s: %w", recipient, err))
		}
		target = ch.ID
		a.mu.Lock()
		a.dmChannelID = ch.ID
		a.mu.Unlock()
	}
	if target == "" {
		return channels.NewError(models.PlatformDiscord, channels.ErrCodeUserNotLinked,
			"user has not linked Discord yet, send !start to the bot in a DM", nil)
	}

	for _, part := range channels.SplitForPlatform(models.PlatformDiscord, msg.Content) {
		if _, err := session.ChannelMessageSend(target, part, discordgo.WithContext(ctx)); err != nil {
			a.Logger().Error("failed to send message", "error", err, "channel_id", target)
			return channels.ErrSendFailed(models.PlatformDiscord, fmt.Errorf("channel %s: %w", target, err))
		}
	}
	return nil
}

func isStartCommand(content string) bool {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) == 0 {
		return false
	}
	return fields[0] == "!start" || fields[0] == "/start"
}
