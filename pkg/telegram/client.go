package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/angelmondragon/storebot/pkg/config"
	"github.com/angelmondragon/storebot/pkg/logger"
)

// SecretTokenHeader carries the webhook secret configured via setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

var errTokenRequired = errors.New("telegram bot token is required")

// Client sends chat messages through the Bot API.
type Client struct {
	bot           *tgbotapi.BotAPI
	webhookSecret string
}

// NewClient authenticates the bot token against the Bot API.
func NewClient(ctx context.Context, cfg config.TelegramConfig, logg *logger.Logger) (*Client, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errTokenRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "bot_username", bot.Self.UserName), "telegram client initialized")
	}
	return &Client{bot: bot, webhookSecret: strings.TrimSpace(cfg.WebhookSecret)}, nil
}

// SendText delivers a plain text message to the chat.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	if c == nil || c.bot == nil {
		return errors.New("telegram client not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// WebhookSecret returns the secret expected in SecretTokenHeader.
func (c *Client) WebhookSecret() string {
	if c == nil {
		return ""
	}
	return c.webhookSecret
}

// IsPermanent reports whether a send failure will not succeed on retry,
// such as a chat that blocked the bot or a malformed request.
func IsPermanent(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden
}
