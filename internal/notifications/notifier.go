package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/storebot/pkg/telegram"
)

// ErrPermanent marks delivery failures that must not be retried.
var ErrPermanent = errors.New("permanent delivery failure")

// Notifier delivers a rendered message to a user.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

type textSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// TelegramNotifier sends notifications as private chat messages. Telegram
// private chat ids equal user ids.
type TelegramNotifier struct {
	sender textSender
}

func NewTelegramNotifier(sender textSender) (*TelegramNotifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("telegram sender required")
	}
	return &TelegramNotifier{sender: sender}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, userID int64, text string) error {
	if err := n.sender.SendText(ctx, userID, text); err != nil {
		if telegram.IsPermanent(err) {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return err
	}
	return nil
}
