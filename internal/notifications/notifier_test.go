package notifications

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeSender struct {
	chatID int64
	text   string
	err    error
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	f.chatID, f.text = chatID, text
	return f.err
}

func TestTelegramNotifierSendsToUserChat(t *testing.T) {
	sender := &fakeSender{}
	n, err := NewTelegramNotifier(sender)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Notify(context.Background(), 99, "hello"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.chatID != 99 || sender.text != "hello" {
		t.Fatalf("unexpected send %d %q", sender.chatID, sender.text)
	}
}

func TestTelegramNotifierClassifiesBlockedChat(t *testing.T) {
	sender := &fakeSender{err: &tgbotapi.Error{Code: 403, Message: "Forbidden"}}
	n, _ := NewTelegramNotifier(sender)
	if err := n.Notify(context.Background(), 1, "x"); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	sender.err = errors.New("connection reset")
	if err := n.Notify(context.Background(), 1, "x"); err == nil || errors.Is(err, ErrPermanent) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
