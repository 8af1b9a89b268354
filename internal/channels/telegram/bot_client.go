package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient defines the Telegram bot operations the adapter uses.
// This interface allows for mock injection in tests while wrapping
// the actual bot.Bot methods.
type BotClient interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)

	// GetMe returns information about the bot.
	GetMe(ctx context.Context) (*models.User, error)

	// Start runs long polling until ctx is cancelled.
	Start(ctx context.Context)
}

// ClientFactory creates a BotClient that delivers every update to handler and
// reports polling failures to onError.
type ClientFactory func(token string, handler bot.HandlerFunc, onError func(error)) (BotClient, error)

// NewBotClient creates a long-polling client backed by *bot.Bot.
func NewBotClient(token string, handler bot.HandlerFunc, onError func(error)) (BotClient, error) {
	b, err := bot.New(token,
		bot.WithDefaultHandler(handler),
		bot.WithErrorsHandler(onError),
	)
	if err != nil {
		return nil, err
	}
	return &realBotClient{bot: b}, nil
}

// realBotClient wraps a *bot.Bot to implement BotClient.
type realBotClient struct {
	bot *bot.Bot
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) GetMe(ctx context.Context) (*models.User, error) {
	return r.bot.GetMe(ctx)
}

func (r *realBotClient) Start(ctx context.Context) {
	r.bot.Start(ctx)
}
