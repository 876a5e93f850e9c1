// Package telegram adapts the Telegram Bot API to the bot's commands and outbound messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type Bot struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

var _ domain.Messenger = (*Bot)(nil)

// New connects to the Bot API and verifies the token.
func New(token string, logger *slog.Logger) (*Bot, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint, nil, logger)
}

// NewWithEndpoint is New against a custom API endpoint, in the "…/bot%s/%s" form.
// A nil client uses http.DefaultClient.
func NewWithEndpoint(token, endpoint string, client tgbotapi.HTTPClient, logger *slog.Logger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		api *tgbotapi.BotAPI
		err error
	)
	if client == nil {
		api, err = tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	} else {
		api, err = tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}

	logger.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Bot{api: api, logger: logger}, nil
}

func (b *Bot) Username() string {
	return b.api.Self.UserName
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, msg domain.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	if msg.Markdown {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := b.api.Send(cfg); err != nil {
		return fmt.Errorf("telegram sendMessage to %d: %w", chatID, err)
	}
	return nil
}

// RegisterWebhook points the bot's updates at url.
func (b *Bot) RegisterWebhook(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("webhook url: %w", err)
	}
	resp, err := b.api.Request(wh)
	if err != nil {
		return fmt.Errorf("telegram setWebhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("telegram setWebhook: %s", resp.Description)
	}

	b.logger.Info("telegram webhook registered", "description", resp.Description)
	return nil
}

// DeleteWebhook detaches the bot from its webhook, used on shutdown.
func (b *Bot) DeleteWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram deleteWebhook: %w", err)
	}
	return nil
}
