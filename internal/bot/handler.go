package bot

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/angelmondragon/storebot/internal/conversation"
	"github.com/angelmondragon/storebot/pkg/logger"
)

type actionHandler interface {
	Handle(ctx context.Context, userID int64, action conversation.Action) error
}

// Handler feeds Telegram updates into the conversation machine.
type Handler struct {
	machine   actionHandler
	presenter conversation.Presenter
	logg      *logger.Logger
}

func NewHandler(machine actionHandler, presenter conversation.Presenter, logg *logger.Logger) (*Handler, error) {
	if machine == nil {
		return nil, errors.New("conversation machine required")
	}
	if presenter == nil {
		return nil, errors.New("presenter required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Handler{machine: machine, presenter: presenter, logg: logg}, nil
}

// HandleUpdate processes one update. Updates without a text message from a
// user, such as edits or channel posts, are ignored.
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}
	userID := msg.From.ID
	ctx = h.logg.WithFields(ctx, map[string]any{"update_id": update.UpdateID, "user_id": userID})

	action, err := ParseCommand(msg.Text)
	if err != nil {
		return h.presenter.Present(ctx, userID, conversation.Prompt{Kind: conversation.PromptError, Err: err})
	}
	if err := h.machine.Handle(ctx, userID, action); err != nil {
		// Busy users were already told to wait.
		if errors.Is(err, conversation.ErrBusy) {
			return nil
		}
		return err
	}
	return nil
}
