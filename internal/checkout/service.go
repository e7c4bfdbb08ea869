package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/storebot/internal/orders"
	"github.com/angelmondragon/storebot/internal/payments"
	"github.com/angelmondragon/storebot/pkg/config"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/keylock"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/metrics"
)

// ErrCheckoutInProgress is returned when the user already has a checkout running
// or an unresolved order.
var ErrCheckoutInProgress = errors.New("checkout already in progress")

const (
	lockPrefix            = "checkout:"
	defaultGatewayTimeout = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 250 * time.Millisecond
)

type cartStore interface {
	Snapshot(ctx context.Context, userID int64) (*models.Cart, error)
	RemoveCheckedOut(ctx context.Context, userID int64, orderID string, items []models.CartItem) error
}

type orderLedger interface {
	ActiveForUser(ctx context.Context, userID int64) (*models.Order, error)
	Create(ctx context.Context, in orders.CreateInput) (*models.Order, error)
	BindIntent(ctx context.Context, orderID uuid.UUID, intentID, providerStatus string) (*models.Order, error)
	Transition(ctx context.Context, in orders.TransitionInput) (*orders.TransitionResult, error)
	MarkCartCleared(ctx context.Context, orderID uuid.UUID) error
}

type intentGateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency enums.Currency, correlationID string) (*payments.Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
}

// ServiceParams wires the checkout orchestrator.
type ServiceParams struct {
	Config  config.CheckoutConfig
	Carts   cartStore
	Orders  orderLedger
	Gateway intentGateway
	Locks   keylock.Mutex
	Metrics *metrics.CheckoutMetrics
	Logger  *logger.Logger
}

// Service turns a cart into an order with a bound payment intent.
type Service struct {
	carts          cartStore
	orders         orderLedger
	gateway        intentGateway
	locks          keylock.Mutex
	metrics        *metrics.CheckoutMetrics
	logg           *logger.Logger
	gatewayTimeout time.Duration
	maxAttempts    int
	backoffBase    time.Duration
}

// Result is what the conversation needs to show a payment prompt.
type Result struct {
	OrderID      uuid.UUID
	IntentID     string
	ClientHandle string
	TotalCents   int64
	Currency     enums.Currency
	Items        []models.OrderLineItem
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Carts == nil {
		return nil, fmt.Errorf("cart store required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order ledger required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	locks := params.Locks
	if locks == nil {
		locks = keylock.New()
	}
	timeout := params.Config.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	attempts := params.Config.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	base := params.Config.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	return &Service{
		carts:          params.Carts,
		orders:         params.Orders,
		gateway:        params.Gateway,
		locks:          locks,
		metrics:        params.Metrics,
		logg:           params.Logger,
		gatewayTimeout: timeout,
		maxAttempts:    attempts,
		backoffBase:    base,
	}, nil
}

// BeginCheckout snapshots the user's cart into a pending order, creates a
// payment intent for it and binds the two. At most one checkout per user runs
// at a time; a concurrent request fails fast with ErrCheckoutInProgress.
func (s *Service) BeginCheckout(ctx context.Context, userID int64) (*Result, error) {
	ctx = s.logg.WithUserID(ctx, userID)

	unlock, ok := s.locks.TryLock(lockPrefix + strconv.FormatInt(userID, 10))
	if !ok {
		s.metrics.IncResult("in_progress")
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, ErrCheckoutInProgress, "checkout already in progress")
	}
	defer unlock()

	active, err := s.orders.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		s.metrics.IncResult("in_progress")
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, ErrCheckoutInProgress, "an order is already awaiting payment").
			WithDetails(map[string]any{"order_id": active.ID.String(), "status": active.Status})
	}

	cart, err := s.carts.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		s.metrics.IncResult("empty_cart")
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}

	order, err := s.orders.Create(ctx, orders.CreateInput{UserID: userID, Currency: cart.Currency, Items: cart.Items})
	if err != nil {
		if errors.Is(err, orders.ErrActiveOrder) {
			s.metrics.IncResult("in_progress")
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, ErrCheckoutInProgress, "an order is already awaiting payment")
		}
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	intent, err := s.createIntent(ctx, order)
	if err != nil {
		s.metrics.IncResult("gateway_failed")
		s.failOrder(ctx, order.ID)
		if payments.IsRetryable(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("%w: %v", payments.ErrGatewayUnavailable, err), "payment provider unavailable, please try again")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment provider rejected the checkout")
	}

	bound, err := s.orders.BindIntent(ctx, order.ID, intent.ID, string(intent.Status))
	if err != nil {
		s.metrics.IncResult("bind_failed")
		s.logg.Error(s.logg.WithField(ctx, "intent_id", intent.ID), "binding intent to order failed", err)
		if cancelErr := s.gateway.CancelIntent(ctx, intent.ID); cancelErr != nil {
			s.logg.Error(ctx, "cancel orphaned intent failed", cancelErr)
		}
		s.failOrder(ctx, order.ID)
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "bind payment intent")
	}

	// The order is recorded; a failed clear is repaired when payment settles.
	// Only the snapshot leaves the cart so edits made meanwhile survive.
	if err := s.carts.RemoveCheckedOut(ctx, userID, order.ID.String(), cart.Items); err != nil {
		s.logg.Error(ctx, "clear cart after checkout failed", err)
	} else if err := s.orders.MarkCartCleared(ctx, order.ID); err != nil {
		s.logg.Error(ctx, "mark cart cleared failed", err)
	}

	s.metrics.IncResult("created")
	s.logg.Info(s.logg.WithField(ctx, "intent_id", intent.ID), "checkout started")
	return &Result{
		OrderID:      bound.ID,
		IntentID:     intent.ID,
		ClientHandle: intent.ClientHandle,
		TotalCents:   bound.TotalCents,
		Currency:     bound.Currency,
		Items:        bound.Items,
	}, nil
}

// createIntent retries transient gateway failures with exponential backoff.
// Every attempt carries the same idempotency key so at most one intent exists.
func (s *Service) createIntent(ctx context.Context, order *models.Order) (*payments.Intent, error) {
	backoff := retry.WithMaxRetries(uint64(s.maxAttempts-1), retry.NewExponential(s.backoffBase))

	var intent *payments.Intent
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
		defer cancel()

		created, err := s.gateway.CreateIntent(callCtx, order.TotalCents, order.Currency, order.ID.String())
		if err != nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"attempt": attempt, "error": err.Error()}), "create payment intent failed")
			if payments.IsRetryable(err) {
				s.metrics.IncGatewayAttempt("retryable")
				return retry.RetryableError(err)
			}
			s.metrics.IncGatewayAttempt("rejected")
			return err
		}
		s.metrics.IncGatewayAttempt("ok")
		intent = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// failOrder moves an order that never got a usable intent to payment_failed.
// Context cancellation must not strand the order, so it runs detached.
func (s *Service) failOrder(ctx context.Context, orderID uuid.UUID) {
	_, err := s.orders.Transition(context.WithoutCancel(ctx), orders.TransitionInput{
		OrderID: orderID,
		To:      enums.OrderStatusPaymentFailed,
		Cause:   enums.CauseIntentCreationFailed,
	})
	if err != nil {
		s.logg.Error(ctx, "mark order payment_failed after checkout failure failed", err)
	}
}
