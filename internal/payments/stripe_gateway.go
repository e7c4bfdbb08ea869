package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/storebot/pkg/enums"
	"github.com/angelmondragon/storebot/pkg/logger"
)

const (
	defaultCallTimeout     = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerOpen     = 30 * time.Second
)

// GatewayError wraps a provider failure with its retry classification.
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("stripe %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is matches ErrGatewayUnavailable for retryable failures.
func (e *GatewayError) Is(target error) bool {
	return e.Retryable && target == ErrGatewayUnavailable
}

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Retryable
}

// StripeGatewayParams configure the Stripe-backed gateway.
type StripeGatewayParams struct {
	Client          StripeIntentClient
	SigningSecret   string
	Logger          *logger.Logger
	CallTimeout     time.Duration
	BreakerFailures uint32
	BreakerOpen     time.Duration
}

// StripeGateway implements Gateway on Stripe PaymentIntents. Calls go through a
// circuit breaker that opens after consecutive transient failures.
type StripeGateway struct {
	client  StripeIntentClient
	secret  string
	logg    *logger.Logger
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[*stripe.PaymentIntent]
}

// NewStripeGateway validates params and builds the gateway.
func NewStripeGateway(params StripeGatewayParams) (*StripeGateway, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("stripe intent client required")
	}
	secret := strings.TrimSpace(params.SigningSecret)
	if secret == "" {
		return nil, fmt.Errorf("stripe signing secret required")
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	failures := params.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	open := params.BreakerOpen
	if open <= 0 {
		open = defaultBreakerOpen
	}

	g := &StripeGateway{
		client:  params.Client,
		secret:  secret,
		logg:    params.Logger,
		timeout: timeout,
	}
	g.breaker = gobreaker.NewCircuitBreaker[*stripe.PaymentIntent](gobreaker.Settings{
		Name:    "stripe",
		Timeout: open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if g.logg == nil {
				return
			}
			ctx := g.logg.WithFields(context.Background(), map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			g.logg.Warn(ctx, "payment gateway breaker state changed")
		},
	})
	return g, nil
}

// CreateIntent creates a PaymentIntent tagged with the order id. The provider
// idempotency key is derived from the order id so retries reuse the same intent.
func (g *StripeGateway) CreateIntent(ctx context.Context, amountCents int64, currency enums.Currency, correlationID string) (*Intent, error) {
	if amountCents <= 0 {
		return nil, &GatewayError{Op: "create intent", Err: errors.New("amount must be positive")}
	}
	if strings.TrimSpace(correlationID) == "" {
		return nil, &GatewayError{Op: "create intent", Err: errors.New("correlation id required")}
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency.Lower()),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata(CorrelationKey, correlationID)
	params.SetIdempotencyKey(IdempotencyKey(correlationID))

	pi, err := g.call(ctx, "create intent", func(callCtx context.Context) (*stripe.PaymentIntent, error) {
		return g.client.Create(callCtx, params)
	})
	if err != nil {
		return nil, err
	}
	return &Intent{ID: pi.ID, ClientHandle: pi.ClientSecret, Status: ProviderStatus(pi.Status)}, nil
}

// QueryStatus fetches the current provider status of an intent.
func (g *StripeGateway) QueryStatus(ctx context.Context, intentID string) (ProviderStatus, error) {
	pi, err := g.call(ctx, "query status", func(callCtx context.Context) (*stripe.PaymentIntent, error) {
		return g.client.Get(callCtx, intentID)
	})
	if err != nil {
		return "", err
	}
	return ProviderStatus(pi.Status), nil
}

// CancelIntent cancels an intent that has not succeeded.
func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) error {
	_, err := g.call(ctx, "cancel intent", func(callCtx context.Context) (*stripe.PaymentIntent, error) {
		return g.client.Cancel(callCtx, intentID)
	})
	return err
}

// VerifyEvent checks the Stripe-Signature header and decodes the event.
func (g *StripeGateway) VerifyEvent(payload []byte, signature string) (*Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("%w: signature missing", ErrVerification)
	}
	event, err := webhook.ConstructEvent(payload, signature, g.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return decodeStripeEvent(&event)
}

func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) (*stripe.PaymentIntent, error)) (*stripe.PaymentIntent, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	pi, err := g.breaker.Execute(func() (*stripe.PaymentIntent, error) {
		return fn(callCtx)
	})
	if err != nil {
		return nil, &GatewayError{Op: op, Retryable: isTransient(err), Err: err}
	}
	if pi == nil {
		return nil, &GatewayError{Op: op, Err: errors.New("empty provider response")}
	}
	return pi, nil
}

func isTransient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		return status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	}
	// transport-level failures never reached Stripe
	return true
}

func decodeStripeEvent(event *stripe.Event) (*Event, error) {
	if event == nil || event.ID == "" {
		return nil, fmt.Errorf("%w: event id missing", ErrVerification)
	}
	out := &Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Kind:    EventIgnored,
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}

	switch {
	case event.Type == stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: decode charge: %v", ErrVerification, err)
		}
		out.Kind = EventRefunded
		if charge.PaymentIntent != nil {
			out.IntentID = charge.PaymentIntent.ID
		}
		out.CorrelationID = charge.Metadata[CorrelationKey]
		out.AmountCents = charge.Amount
		out.RefundedCents = charge.AmountRefunded
		out.FullRefund = charge.Refunded
	case strings.HasPrefix(string(event.Type), "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: decode payment intent: %v", ErrVerification, err)
		}
		out.IntentID = pi.ID
		out.CorrelationID = pi.Metadata[CorrelationKey]
		out.ProviderStatus = ProviderStatus(pi.Status)
		out.AmountCents = pi.Amount
		switch event.Type {
		case stripe.EventTypePaymentIntentSucceeded:
			out.Kind = EventPaymentSucceeded
		case stripe.EventTypePaymentIntentPaymentFailed:
			out.Kind = EventPaymentFailed
		case stripe.EventTypePaymentIntentCanceled:
			out.Kind = EventPaymentCanceled
		default:
			out.Kind = EventStatusUpdate
		}
	}
	return out, nil
}
