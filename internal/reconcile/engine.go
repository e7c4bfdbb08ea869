// Package reconcile applies verified payment provider events to orders and
// repairs orders whose provider notifications never arrived.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/internal/alerts"
	"github.com/angelmondragon/storebot/internal/orders"
	"github.com/angelmondragon/storebot/internal/payments"
	"github.com/angelmondragon/storebot/pkg/db"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/metrics"
)

// Outcome is how one provider event or poll was resolved.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeNoop          Outcome = "noop"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeOrphan        Outcome = "orphan"
	OutcomeRejected      Outcome = "rejected"
	OutcomePartialRefund Outcome = "partial_refund"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeUntrusted     Outcome = "untrusted"
	OutcomeFailed        Outcome = "failed"
	OutcomeDeferred      Outcome = "deferred"
)

const (
	defaultBatch         = 100
	defaultCancelTimeout = 10 * time.Second
)

type gateway interface {
	VerifyEvent(payload []byte, signature string) (*payments.Event, error)
	QueryStatus(ctx context.Context, intentID string) (payments.ProviderStatus, error)
	CancelIntent(ctx context.Context, intentID string) error
}

type orderLedger interface {
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	GetByIntent(ctx context.Context, intentID string) (*models.Order, error)
	Transition(ctx context.Context, in orders.TransitionInput) (*orders.TransitionResult, error)
	MarkCartCleared(ctx context.Context, orderID uuid.UUID) error
	FindAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	FindStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type cartClearer interface {
	RemoveCheckedOut(ctx context.Context, userID int64, orderID string, items []models.CartItem) error
}

type alertRaiser interface {
	Raise(ctx context.Context, alert alerts.Alert)
}

// EngineParams wires the reconciliation engine.
type EngineParams struct {
	Gateway gateway
	Orders  orderLedger
	Carts   cartClearer
	Events  *EventRepository
	Guard   *IdempotencyGuard
	Alerts  alertRaiser
	Metrics *metrics.ReconcileMetrics
	Logger  *logger.Logger
	Clock   func() time.Time
}

// Engine is the single writer of payment outcomes. Provider events and status
// polls both end in orders.Transition, so duplicates and late arrivals fold
// into no-ops.
type Engine struct {
	gateway gateway
	orders  orderLedger
	carts   cartClearer
	events  *EventRepository
	guard   *IdempotencyGuard
	alerts  alertRaiser
	metrics *metrics.ReconcileMetrics
	logg    *logger.Logger
	now     func() time.Time
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order ledger required")
	}
	if params.Carts == nil {
		return nil, fmt.Errorf("cart store required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("processed event repository required")
	}
	if params.Alerts == nil {
		return nil, fmt.Errorf("alerter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		gateway: params.Gateway,
		orders:  params.Orders,
		carts:   params.Carts,
		events:  params.Events,
		guard:   params.Guard,
		alerts:  params.Alerts,
		metrics: params.Metrics,
		logg:    params.Logger,
		now:     clock,
	}, nil
}

// HandleProviderEvent verifies and applies one webhook delivery. A nil error
// means the provider may stop redelivering; a retryable error asks it to retry.
func (e *Engine) HandleProviderEvent(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	started := e.now()
	outcome, err := e.handle(ctx, payload, signature)
	if err != nil && outcome == "" {
		outcome = OutcomeFailed
	}
	e.metrics.Observe(string(outcome), e.now().Sub(started))
	return outcome, err
}

func (e *Engine) handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := e.gateway.VerifyEvent(payload, signature)
	if err != nil {
		e.logg.Security(ctx, "payment event rejected", err)
		return OutcomeUntrusted, pkgerrors.Wrap(pkgerrors.CodeUntrusted, err, "invalid payment event signature")
	}
	ctx = e.logg.WithEventID(ctx, event.ID)
	ctx = e.logg.WithFields(ctx, map[string]any{"event_type": event.Type, "intent_id": event.IntentID})

	if e.guard != nil {
		claimed, err := e.guard.Claim(ctx, event.ID)
		switch {
		case err != nil:
			// the durable ledger below still deduplicates
			e.logg.Warn(e.logg.WithField(ctx, "error", err.Error()), "idempotency guard unavailable")
		case !claimed:
			seen, err := e.events.Exists(ctx, event.ID)
			if err != nil {
				return "", pkgerrors.Wrap(pkgerrors.CodePersistence, err, "check processed event")
			}
			if seen {
				e.logg.Info(ctx, "duplicate payment event acknowledged")
				return OutcomeDuplicate, nil
			}
			return OutcomeDeferred, pkgerrors.New(pkgerrors.CodeConflict, "payment event is already being processed")
		}
	}

	outcome, err := e.apply(ctx, event)
	if err != nil && e.guard != nil {
		if relErr := e.guard.Release(context.WithoutCancel(ctx), event.ID); relErr != nil {
			e.logg.Error(ctx, "release idempotency claim failed", relErr)
		}
	}
	if err == nil {
		e.logg.Info(e.logg.WithField(ctx, "outcome", outcome), "payment event handled")
	}
	return outcome, err
}

func (e *Engine) apply(ctx context.Context, event *payments.Event) (Outcome, error) {
	seen, err := e.events.Exists(ctx, event.ID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodePersistence, err, "check processed event")
	}
	if seen {
		return OutcomeDuplicate, nil
	}

	if event.Kind == payments.EventIgnored {
		return e.record(ctx, event, nil, OutcomeIgnored)
	}

	order, err := e.locateOrder(ctx, event)
	if err != nil {
		return "", err
	}
	if order == nil {
		e.alerts.Raise(ctx, alerts.Alert{
			Kind:     enums.AlertOrphanEvent,
			Message:  "payment event does not match any order",
			EventID:  event.ID,
			IntentID: event.IntentID,
			Details:  map[string]any{"event_type": event.Type, "correlation_id": event.CorrelationID},
		})
		return e.record(ctx, event, nil, OutcomeOrphan)
	}
	ctx = e.logg.WithOrderID(ctx, order.ID.String())

	var target enums.OrderStatus
	var cause enums.TransitionCause
	switch event.Kind {
	case payments.EventPaymentSucceeded:
		target, cause = enums.OrderStatusPaid, enums.CauseGatewaySucceeded
		if event.AmountCents > 0 && event.AmountCents != order.TotalCents {
			e.alerts.Raise(ctx, alerts.Alert{
				Kind:     enums.AlertAmountMismatch,
				Message:  "captured amount differs from order total",
				OrderID:  order.ID.String(),
				EventID:  event.ID,
				IntentID: event.IntentID,
				Details:  map[string]any{"order_total_cents": order.TotalCents, "event_amount_cents": event.AmountCents},
			})
		}
	case payments.EventPaymentFailed:
		target, cause = enums.OrderStatusPaymentFailed, enums.CauseGatewayFailed
	case payments.EventPaymentCanceled:
		target, cause = enums.OrderStatusPaymentFailed, enums.CauseGatewayCanceled
	case payments.EventRefunded:
		if !event.FullRefund {
			e.alerts.Raise(ctx, alerts.Alert{
				Kind:     enums.AlertPartialRefund,
				Message:  "partial refund needs manual review",
				OrderID:  order.ID.String(),
				EventID:  event.ID,
				IntentID: event.IntentID,
				Details:  map[string]any{"refunded_cents": event.RefundedCents, "amount_cents": event.AmountCents},
			})
			return e.record(ctx, event, &order.ID, OutcomePartialRefund)
		}
		target, cause = enums.OrderStatusCancelled, enums.CauseRefunded
	case payments.EventStatusUpdate:
		return e.refreshStatus(ctx, event, order)
	default:
		return e.record(ctx, event, &order.ID, OutcomeIgnored)
	}

	return e.transition(ctx, event, order, target, cause)
}

// locateOrder resolves the order by bound intent id, falling back to the
// correlation metadata. An order that exists but is still pending without an
// intent has not committed its binding yet; the event is deferred.
func (e *Engine) locateOrder(ctx context.Context, event *payments.Event) (*models.Order, error) {
	if event.IntentID != "" {
		order, err := e.orders.GetByIntent(ctx, event.IntentID)
		if err == nil {
			return order, nil
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, err
		}
	}

	orderID, err := uuid.Parse(event.CorrelationID)
	if err != nil {
		return nil, nil
	}
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if order.PaymentIntentID == nil {
		if order.Status == enums.OrderStatusPending {
			return nil, pkgerrors.New(pkgerrors.CodeDependency, "order intent binding not committed yet")
		}
		// intent creation was abandoned for this order
		return nil, nil
	}
	if event.IntentID != "" && order.IntentID() != event.IntentID {
		e.alerts.Raise(ctx, alerts.Alert{
			Kind:     enums.AlertCorrelationMismatch,
			Message:  "event intent differs from the intent bound to its order",
			OrderID:  order.ID.String(),
			EventID:  event.ID,
			IntentID: event.IntentID,
			Details:  map[string]any{"bound_intent_id": order.IntentID()},
		})
		return nil, nil
	}
	return order, nil
}

func (e *Engine) transition(ctx context.Context, event *payments.Event, order *models.Order, target enums.OrderStatus, cause enums.TransitionCause) (Outcome, error) {
	eventID := event.ID
	in := orders.TransitionInput{
		OrderID: order.ID,
		To:      target,
		Cause:   cause,
		EventID: &eventID,
	}
	if event.ProviderStatus != "" {
		status := string(event.ProviderStatus)
		in.ProviderStatus = &status
	}

	in.Within = func(tx *gorm.DB, applied bool) error {
		outcome := OutcomeNoop
		if applied {
			outcome = OutcomeApplied
		}
		return e.events.WithTx(tx).Insert(ctx, e.processed(event, &order.ID, outcome))
	}

	res, err := e.orders.Transition(ctx, in)
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrInvalidTransition):
		e.alerts.Raise(ctx, alerts.Alert{
			Kind:     enums.AlertInvalidTransition,
			Message:  "payment event does not apply to the order's current status",
			OrderID:  order.ID.String(),
			EventID:  event.ID,
			IntentID: event.IntentID,
			Details:  map[string]any{"to": target, "event_type": event.Type},
		})
		return e.record(ctx, event, &order.ID, OutcomeRejected)
	case db.IsUniqueViolation(err, "processed_events"):
		return OutcomeDuplicate, nil
	default:
		return "", err
	}

	if !res.Applied {
		return OutcomeNoop, nil
	}
	if target == enums.OrderStatusPaid && !res.Order.CartCleared {
		e.catchUpCartClear(ctx, res.Order)
	}
	if event.Kind == payments.EventPaymentFailed {
		e.cancelFailedIntent(ctx, res.Order, event.ID)
	}
	return OutcomeApplied, nil
}

// cancelFailedIntent closes the intent of an order that moved to
// payment_failed. A declined intent stays payable at the provider, so a retry
// on the old client secret would otherwise charge a failed order.
func (e *Engine) cancelFailedIntent(ctx context.Context, order *models.Order, eventID string) {
	intentID := order.IntentID()
	if intentID == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCancelTimeout)
	defer cancel()
	if err := e.gateway.CancelIntent(callCtx, intentID); err != nil {
		e.logg.Error(ctx, "cancel intent of failed order failed", err)
		e.alerts.Raise(ctx, alerts.Alert{
			Kind:     enums.AlertIntentCancelFailed,
			Message:  "intent of a failed order is still payable at the provider",
			OrderID:  order.ID.String(),
			EventID:  eventID,
			IntentID: intentID,
			Details:  map[string]any{"error": err.Error()},
		})
	}
}

// refreshStatus records the provider status without changing the order.
func (e *Engine) refreshStatus(ctx context.Context, event *payments.Event, order *models.Order) (Outcome, error) {
	eventID := event.ID
	status := string(event.ProviderStatus)
	_, err := e.orders.Transition(ctx, orders.TransitionInput{
		OrderID:        order.ID,
		To:             order.Status,
		EventID:        &eventID,
		ProviderStatus: &status,
		Within: func(tx *gorm.DB, _ bool) error {
			return e.events.WithTx(tx).Insert(ctx, e.processed(event, &order.ID, OutcomeNoop))
		},
	})
	switch {
	case err == nil:
		return OutcomeNoop, nil
	case errors.Is(err, orders.ErrInvalidTransition):
		// the order moved on since it was loaded
		return e.record(ctx, event, &order.ID, OutcomeNoop)
	case db.IsUniqueViolation(err, "processed_events"):
		return OutcomeDuplicate, nil
	default:
		return "", err
	}
}

func (e *Engine) catchUpCartClear(ctx context.Context, order *models.Order) {
	if err := e.carts.RemoveCheckedOut(ctx, order.UserID, order.ID.String(), order.CartItems()); err != nil {
		e.logg.Error(ctx, "cart clear catch-up failed", err)
		return
	}
	if err := e.orders.MarkCartCleared(ctx, order.ID); err != nil {
		e.logg.Error(ctx, "mark cart cleared failed", err)
	}
}

func (e *Engine) record(ctx context.Context, event *payments.Event, orderID *uuid.UUID, outcome Outcome) (Outcome, error) {
	if err := e.events.Record(ctx, e.processed(event, orderID, outcome)); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodePersistence, err, "record processed event")
	}
	return outcome, nil
}

func (e *Engine) processed(event *payments.Event, orderID *uuid.UUID, outcome Outcome) *models.ProcessedEvent {
	row := &models.ProcessedEvent{
		EventID:     event.ID,
		EventType:   event.Type,
		OrderID:     orderID,
		Outcome:     string(outcome),
		ProcessedAt: e.now().UTC(),
	}
	if event.IntentID != "" {
		intentID := event.IntentID
		row.IntentID = &intentID
	}
	return row
}

// ReconcileOrder polls the provider for an awaiting_payment order and applies
// a terminal status if one is reported.
func (e *Engine) ReconcileOrder(ctx context.Context, orderID uuid.UUID) (Outcome, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	ctx = e.logg.WithOrderID(ctx, order.ID.String())
	if order.Status != enums.OrderStatusAwaitingPayment || order.PaymentIntentID == nil {
		return OutcomeNoop, nil
	}

	status, err := e.gateway.QueryStatus(ctx, order.IntentID())
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "query payment status")
	}
	providerStatus := string(status)
	in := orders.TransitionInput{OrderID: order.ID, Cause: enums.CauseStatusPoll, ProviderStatus: &providerStatus}
	switch status {
	case payments.ProviderStatusSucceeded:
		in.To = enums.OrderStatusPaid
	case payments.ProviderStatusCanceled:
		in.To = enums.OrderStatusPaymentFailed
	default:
		in.To = order.Status
	}

	res, err := e.orders.Transition(ctx, in)
	if err != nil {
		if errors.Is(err, orders.ErrInvalidTransition) {
			return OutcomeNoop, nil
		}
		return "", err
	}
	if !res.Applied {
		return OutcomeNoop, nil
	}
	e.logg.Info(e.logg.WithFields(ctx, map[string]any{"provider_status": providerStatus, "to": in.To}), "order reconciled by polling")
	if in.To == enums.OrderStatusPaid && !res.Order.CartCleared {
		e.catchUpCartClear(ctx, res.Order)
	}
	return OutcomeApplied, nil
}

// RecoverStale reconciles awaiting_payment orders untouched for staleAfter.
// It keeps going past individual failures and returns them combined.
func (e *Engine) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	stale, err := e.orders.FindAwaitingBefore(ctx, e.now().Add(-staleAfter), defaultBatch)
	if err != nil {
		return 0, err
	}
	applied := 0
	var errs error
	for _, order := range stale {
		outcome, err := e.ReconcileOrder(ctx, order.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile order %s: %w", order.ID, err))
			continue
		}
		if outcome == OutcomeApplied {
			applied++
		}
	}
	return applied, errs
}

// FailStalePending moves pending orders that never got an intent to
// payment_failed once timeout has passed.
func (e *Engine) FailStalePending(ctx context.Context, timeout time.Duration) (int, error) {
	stale, err := e.orders.FindStalePending(ctx, e.now().Add(-timeout), defaultBatch)
	if err != nil {
		return 0, err
	}
	failed := 0
	var errs error
	for _, order := range stale {
		res, err := e.orders.Transition(ctx, orders.TransitionInput{
			OrderID: order.ID,
			To:      enums.OrderStatusPaymentFailed,
			Cause:   enums.CauseStalePending,
		})
		if err != nil {
			if errors.Is(err, orders.ErrInvalidTransition) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("fail stale order %s: %w", order.ID, err))
			continue
		}
		if res.Applied {
			failed++
		}
	}
	return failed, errs
}

// PurgeProcessedEvents drops ledger entries older than retention.
func (e *Engine) PurgeProcessedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := e.events.PurgeBefore(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "purge processed events")
	}
	return removed, nil
}
