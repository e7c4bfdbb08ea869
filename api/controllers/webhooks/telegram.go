package webhooks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/angelmondragon/storebot/api/responses"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/telegram"
)

// UpdateHandler consumes decoded bot updates.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update) error
}

// TelegramWebhook accepts bot updates. Telegram retries any non-2xx answer,
// so processing failures are logged and acknowledged.
func TelegramWebhook(handler UpdateHandler, secret string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if handler == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "bot handler unavailable"))
			return
		}

		if secret != "" {
			got := r.Header.Get(telegram.SecretTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				if logg != nil {
					logg.Security(ctx, "telegram webhook secret mismatch", nil)
				}
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook secret"))
				return
			}
		}

		var update tgbotapi.Update
		if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&update); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid update payload"))
			return
		}

		if err := handler.HandleUpdate(ctx, update); err != nil && logg != nil {
			logg.Error(logg.WithField(ctx, "update_id", update.UpdateID), "telegram update failed", err)
		}
		responses.WriteSuccess(w, nil)
	}
}
