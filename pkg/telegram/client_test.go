package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/angelmondragon/storebot/pkg/config"
)

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(context.Background(), config.TelegramConfig{BotToken: "  "}, nil); !errors.Is(err, errTokenRequired) {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"blocked", fmt.Errorf("telegram send: %w", &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}), true},
		{"bad request", &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, true},
		{"flood", &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, false},
		{"network", errors.New("dial tcp: timeout"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPermanent(tc.err); got != tc.want {
				t.Fatalf("IsPermanent() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNilClientSendFails(t *testing.T) {
	var c *Client
	if err := c.SendText(context.Background(), 1, "hi"); err == nil {
		t.Fatal("expected error from nil client")
	}
	if c.WebhookSecret() != "" {
		t.Fatal("expected empty secret")
	}
}
