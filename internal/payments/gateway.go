package payments

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/storebot/pkg/enums"
)

var (
	// ErrGatewayUnavailable marks transient provider failures (timeouts, 5xx, throttling, open breaker).
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrVerification marks an inbound event whose signature or payload could not be trusted.
	ErrVerification = errors.New("payment event verification failed")
)

// CorrelationKey is the intent metadata key carrying the order id.
const CorrelationKey = "order_id"

// ProviderStatus is the provider's own status string for an intent.
type ProviderStatus string

const (
	ProviderStatusRequiresPaymentMethod ProviderStatus = "requires_payment_method"
	ProviderStatusRequiresConfirmation  ProviderStatus = "requires_confirmation"
	ProviderStatusRequiresAction        ProviderStatus = "requires_action"
	ProviderStatusProcessing            ProviderStatus = "processing"
	ProviderStatusSucceeded             ProviderStatus = "succeeded"
	ProviderStatusCanceled              ProviderStatus = "canceled"
)

// EventKind classifies a decoded provider event by its effect on an order.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventPaymentCanceled  EventKind = "payment_canceled"
	EventRefunded         EventKind = "refunded"
	// EventStatusUpdate refreshes the provider status without a transition.
	EventStatusUpdate EventKind = "status_update"
	// EventIgnored is any event this system does not act on.
	EventIgnored EventKind = "ignored"
)

// Intent is the result of creating a payment intent.
type Intent struct {
	ID string
	// ClientHandle is what the presentation layer needs to render a payment UI.
	ClientHandle string
	Status       ProviderStatus
}

// Event is a verified, decoded provider notification.
type Event struct {
	ID             string
	Type           string
	Kind           EventKind
	IntentID       string
	CorrelationID  string
	ProviderStatus ProviderStatus
	AmountCents    int64
	RefundedCents  int64
	FullRefund     bool
	Created        time.Time
}

// Gateway is the payment provider capability the core depends on.
type Gateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency enums.Currency, correlationID string) (*Intent, error)
	VerifyEvent(payload []byte, signature string) (*Event, error)
	QueryStatus(ctx context.Context, intentID string) (ProviderStatus, error)
	CancelIntent(ctx context.Context, intentID string) error
}

// IdempotencyKey is the provider idempotency key used for an order's intent.
func IdempotencyKey(orderID string) string {
	return "order:" + orderID
}
