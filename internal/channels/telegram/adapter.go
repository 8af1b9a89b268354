// Package telegram implements the Telegram channel on top of go-telegram/bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/pkg/models"
)

const welcomeText = "You're linked! Your daily love notes will arrive in this chat. 💌"

// Config holds configuration for the Telegram adapter.
type Config struct {
	// UserID is the owning lovelines user (required)
	UserID string

	// Token is the decrypted bot token from @BotFather (required)
	Token string

	// ChatID is the linked chat, if the user already sent /start
	ChatID string

	// AllowFrom restricts who may talk to the bot; empty allows everyone
	AllowFrom []string

	// ReconnectDelay is the pause before polling is restarted after an error
	ReconnectDelay time.Duration

	// NewClient overrides the bot constructor (tests)
	NewClient ClientFactory

	// Logger is an optional slog.Logger instance
	Logger *slog.Logger
}

// Validate applies defaults. A missing token is reported by Start so the
// failure is recorded on the channel.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("telegram: user id is required")
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = channels.DefaultReconnectDelay
	}
	if c.NewClient == nil {
		c.NewClient = NewBotClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Telegram channel for one user.
type Adapter struct {
	*channels.Base

	config    Config
	reconnect *channels.Reconnector

	// lifecycle serializes Start, Stop and reconnects.
	lifecycle sync.Mutex

	mu     sync.Mutex
	client BotClient
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates an unstarted Telegram adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger.With("adapter", "telegram")
	a := &Adapter{
		Base:   channels.NewBase(models.PlatformTelegram, config.UserID, config.AllowFrom, config.ChatID, logger),
		config: config,
	}
	a.reconnect = channels.NewReconnector(config.ReconnectDelay, a.restart, a.Logger())
	return a, nil
}

// New is the channels.Constructor for Telegram.
func New(opts channels.Options) (channels.Channel, error) {
	return NewAdapter(Config{
		UserID:    opts.UserID,
		Token:     opts.Token,
		ChatID:    opts.Config.ChatID,
		AllowFrom: opts.Config.AllowFrom,
		Logger:    opts.Logger,
	})
}

// Start creates the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if a.IsRunning() {
		return nil
	}
	if a.config.Token == "" {
		err := channels.NewError(models.PlatformTelegram, channels.ErrCodeMissingToken, "bot token is required", nil)
		a.SetError(err)
		return err
	}

	a.reconnect.Reset()
	if err := a.connect(ctx); err != nil {
		a.SetError(err)
		return err
	}
	a.ClearError()
	a.SetRunning(true)
	a.Logger().Info("telegram channel started", "linked", a.IsLinked())
	return nil
}

// connect creates a client and starts polling in the background.
func (a *Adapter) connect(ctx context.Context) error {
	client, err := a.config.NewClient(a.config.Token, a.handleUpdate, a.handlePollingError)
	if err != nil {
		return channels.ErrStartFailed(models.PlatformTelegram, err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	a.mu.Lock()
	a.client = client
	a.cancel = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		client.Start(pollCtx)
	}()
	return nil
}

// disconnect cancels polling and waits for it to wind down.
func (a *Adapter) disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.client = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restart replaces the bot after a polling failure.
func (a *Adapter) restart(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if !a.IsRunning() {
		return nil
	}
	if err := a.disconnect(ctx); err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		a.SetError(err)
		return err
	}
	a.ClearError()
	return nil
}

// Stop cancels polling and releases the bot.
func (a *Adapter) Stop(ctx context.Context) error {
	a.reconnect.Stop()
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	err := a.disconnect(ctx)
	if a.IsRunning() {
		a.Logger().Info("telegram channel stopped")
	}
	a.SetRunning(false)
	return err
}

func (a *Adapter) handlePollingError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	a.SetError(err)
	if !a.IsRunning() {
		return
	}
	if a.reconnect.Schedule(context.Background()) {
		a.Logger().Warn("telegram polling error, reconnect scheduled", "error", err, "delay", a.config.ReconnectDelay)
	}
}

// handleUpdate links the chat on /start and ignores everything else.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update == nil || update.Message == nil {
		return
	}
	msg := update.Message

	senderID := strconv.FormatInt(msg.Chat.ID, 10)
	username := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		username = msg.From.Username
	}
	if !a.IsAllowed(senderID + "|" + username) {
		a.Logger().Debug("ignoring message from sender not in allow list", "sender_id", senderID)
		return
	}

	if !isStartCommand(msg.Text) {
		a.Logger().Debug("ignoring non-command message", "chat_id", msg.Chat.ID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if a.SetLinked(chatID) {
		a.Logger().Info("telegram chat linked", "chat_id", chatID, "username", username)
		a.Emit(channels.Event{Kind: channels.EventLinked, RemoteID: chatID, Username: username})
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	if _, err := client.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: welcomeText}); err != nil {
		a.Logger().Warn("failed to send welcome message", "error", err, "chat_id", chatID)
	}
}

// Send delivers msg to msg.ChatID or the linked chat, split to Telegram's
// message length limit.
func (a *Adapter) Send(ctx context.Context, msg *models.OutboundMessage) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return channels.ErrNotInitialized(models.PlatformTelegram)
	}

	target := msg.ChatID
	if target == "" {
		target = a.LinkedID()
	}
	if target == "" {
		return channels.NewError(models.PlatformTelegram, channels.ErrCodeUserNotLinked,
			"user has not linked Telegram yet, send /start to the bot", nil)
	}

	params := &bot.SendMessageParams{ChatID: chatIDParam(target)}
	if mode, ok := msg.Metadata["parse_mode"].(string); ok {
		params.ParseMode = tgmodels.ParseMode(mode)
	}

	for _, part := range channels.SplitForPlatform(models.PlatformTelegram, msg.Content) {
		params.Text = part
		if _, err := client.SendMessage(ctx, params); err != nil {
			a.Logger().Error("failed to send message", "error", err, "chat_id", target)
			return channels.ErrSendFailed(models.PlatformTelegram, fmt.Errorf("chat %s: %w", target, err))
		}
	}
	return nil
}

// chatIDParam passes numeric ids as int64 and @channel names verbatim.
func chatIDParam(target string) any {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return id
	}
	return target
}

func isStartCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd := fields[0]
	// Group chats address commands as /start@BotName.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd == "/start"
}
