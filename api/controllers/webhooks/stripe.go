package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/storebot/api/responses"
	"github.com/angelmondragon/storebot/internal/reconcile"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/logger"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBody        = 1 << 20
)

// PaymentEventHandler verifies and applies provider deliveries.
type PaymentEventHandler interface {
	HandleProviderEvent(ctx context.Context, payload []byte, signature string) (reconcile.Outcome, error)
}

// StripeWebhook hands signed payment provider deliveries to the reconciliation
// engine. Any 2xx tells the provider to stop redelivering.
func StripeWebhook(engine PaymentEventHandler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if engine == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation engine unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		signature := r.Header.Get(stripeSignatureHeader)
		if signature == "" {
			if logg != nil {
				logg.Security(ctx, "payment webhook without signature", nil)
			}
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUntrusted, "stripe signature missing"))
			return
		}

		outcome, err := engine.HandleProviderEvent(ctx, payload, signature)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"outcome": string(outcome)})
	}
}
