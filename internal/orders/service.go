package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/pkg/db"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/keylock"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/money"
	"github.com/angelmondragon/storebot/pkg/pagination"
)

// ErrActiveOrder is returned when the user already has a pending or awaiting_payment order.
var ErrActiveOrder = errors.New("user already has an active order")

const lockPrefix = "order:"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxWriter interface {
	Enqueue(ctx context.Context, tx *gorm.DB, notification *models.Notification) error
}

type intentCanceller interface {
	CancelIntent(ctx context.Context, intentID string) error
}

// Transition describes an applied status change, delivered to listeners after commit.
type Transition struct {
	Order *models.Order
	From  enums.OrderStatus
	To    enums.OrderStatus
	Cause enums.TransitionCause
}

// Listener observes committed transitions.
type Listener interface {
	OrderTransitioned(ctx context.Context, t Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, t Transition)

func (f ListenerFunc) OrderTransitioned(ctx context.Context, t Transition) { f(ctx, t) }

// ServiceParams wires the order ledger.
type ServiceParams struct {
	Repo    *Repository
	Tx      txRunner
	Outbox  outboxWriter
	Gateway intentCanceller
	Locks   *keylock.Locker
	Logger  *logger.Logger
	Clock   func() time.Time
}

// Service is the order ledger. Every status change for one order runs under a
// per-order lock and a compare-and-swap on the prior status.
type Service struct {
	repo    *Repository
	tx      txRunner
	outbox  outboxWriter
	gateway intentCanceller
	locks   *keylock.Locker
	logg    *logger.Logger
	now     func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewService validates params and builds the order service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("notification outbox required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	locks := params.Locks
	if locks == nil {
		locks = keylock.New()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:    params.Repo,
		tx:      params.Tx,
		outbox:  params.Outbox,
		gateway: params.Gateway,
		locks:   locks,
		logg:    params.Logger,
		now:     clock,
	}, nil
}

// Subscribe registers a listener for committed transitions.
func (s *Service) Subscribe(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// CreateInput is the cart snapshot an order is built from.
type CreateInput struct {
	UserID   int64
	Currency enums.Currency
	Items    []models.CartItem
}

// Create persists a pending order priced exactly from the snapshot.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Order, error) {
	if in.UserID == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if len(in.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}
	now := s.now()
	order := &models.Order{
		ID:        uuid.New(),
		UserID:    in.UserID,
		Status:    enums.OrderStatusPending,
		Currency:  in.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, item := range in.Items {
		if item.Quantity < 1 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "line quantity must be at least 1")
		}
		line := models.OrderLineItem{
			OrderID:        order.ID,
			Position:       i,
			ProductID:      item.ProductID,
			Variant:        item.Variant,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			LineTotalCents: item.LineTotalCents(),
			CreatedAt:      now,
		}
		order.TotalCents += line.LineTotalCents
		order.Items = append(order.Items, line)
	}
	order.History = []models.OrderStatusEvent{{
		OrderID:    order.ID,
		ToStatus:   enums.OrderStatusPending,
		Cause:      enums.CauseCheckoutStarted,
		OccurredAt: now,
	}}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).Create(ctx, order)
	})
	if err != nil {
		if db.IsUniqueViolation(err, db.IndexOrdersActiveUser, "orders.user_id") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, ErrActiveOrder, "checkout already in progress")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "create order")
	}
	return order, nil
}

// TransitionInput requests a status change.
type TransitionInput struct {
	OrderID uuid.UUID
	// From, when set, must match the persisted status for the edge to apply.
	From           *enums.OrderStatus
	To             enums.OrderStatus
	Cause          enums.TransitionCause
	EventID        *string
	IntentID       *string
	ProviderStatus *string
	// Within runs inside the transition's transaction, for no-ops too.
	// applied reports whether the status changed.
	Within func(tx *gorm.DB, applied bool) error
}

// TransitionResult reports the order after the request was evaluated.
type TransitionResult struct {
	Order   *models.Order
	From    enums.OrderStatus
	Applied bool
}

// Transition validates and applies a status change. Requests the order already
// reflects are no-ops; undefined edges fail with ErrInvalidTransition.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	result, err := s.withOrderLock(ctx, in.OrderID, func() (*TransitionResult, error) {
		return s.applyLocked(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	s.settle(ctx, in, result)
	return result, nil
}

func (s *Service) withOrderLock(ctx context.Context, orderID uuid.UUID, fn func() (*TransitionResult, error)) (*TransitionResult, error) {
	unlock, err := s.locks.Lock(ctx, lockPrefix+orderID.String())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "order busy")
	}
	defer unlock()
	return fn()
}

// settle logs an evaluated transition and notifies listeners once it applied.
func (s *Service) settle(ctx context.Context, in TransitionInput, result *TransitionResult) {
	ctx = s.logg.WithOrderID(ctx, in.OrderID.String())
	ctx = s.logg.WithFields(ctx, map[string]any{"from": result.From, "to": in.To, "cause": in.Cause, "applied": result.Applied})
	s.logg.Info(ctx, "order transition evaluated")

	if result.Applied {
		s.emit(ctx, Transition{Order: result.Order, From: result.From, To: in.To, Cause: in.Cause})
	}
}

func (s *Service) applyLocked(ctx context.Context, in TransitionInput) (*TransitionResult, error) {
	result := &TransitionResult{}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, in.OrderID)
		if err != nil {
			if db.IsNotFound(err) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load order")
		}
		result.From = order.Status
		if in.From != nil && order.Status != *in.From && order.Status != in.To {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order status changed").
				WithDetails(map[string]any{"expected": *in.From, "actual": order.Status})
		}

		noop, err := Evaluate(order.Status, in.To)
		if err != nil {
			return invalidTransition(order.Status, in.To)
		}
		if in.IntentID != nil {
			if noop && order.IntentID() != *in.IntentID {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "order is bound to a different payment intent")
			}
			if !noop && order.PaymentIntentID != nil {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "order already has a payment intent")
			}
		}

		now := s.now()
		if noop {
			if in.ProviderStatus != nil {
				if err := repo.UpdateProviderStatus(ctx, order.ID, *in.ProviderStatus, now); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "update provider status")
				}
			}
		} else {
			ok, err := repo.UpdateStatus(ctx, StatusUpdate{
				OrderID:        order.ID,
				From:           order.Status,
				To:             in.To,
				IntentID:       in.IntentID,
				ProviderStatus: in.ProviderStatus,
				At:             now,
			})
			if err != nil {
				if db.IsUniqueViolation(err, db.IndexOrdersPaymentIntent, "orders.payment_intent_id") {
					return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "payment intent already bound to another order")
				}
				return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "update order status")
			}
			if !ok {
				return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
			}
			from := order.Status
			if err := repo.AppendHistory(ctx, &models.OrderStatusEvent{
				OrderID:    order.ID,
				FromStatus: &from,
				ToStatus:   in.To,
				Cause:      in.Cause,
				EventID:    in.EventID,
				OccurredAt: now,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "append order history")
			}
			if in.To.IsUserFacing() {
				if err := s.outbox.Enqueue(ctx, tx, notificationFor(order, in.To, now)); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "enqueue notification")
				}
			}
			result.Applied = true
		}

		if in.Within != nil {
			if err := in.Within(tx, result.Applied); err != nil {
				return err
			}
		}

		fresh, err := repo.FindByID(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "reload order")
		}
		result.Order = fresh
		return nil
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "commit order transition")
	}
	return result, nil
}

func (s *Service) emit(ctx context.Context, t Transition) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, l := range listeners {
		l.OrderTransitioned(ctx, t)
	}
}

// BindIntent records the intent on a pending order and moves it to awaiting_payment.
func (s *Service) BindIntent(ctx context.Context, orderID uuid.UUID, intentID, providerStatus string) (*models.Order, error) {
	if intentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent id is required")
	}
	in := TransitionInput{
		OrderID:  orderID,
		To:       enums.OrderStatusAwaitingPayment,
		Cause:    enums.CauseIntentCreated,
		IntentID: &intentID,
	}
	if providerStatus != "" {
		in.ProviderStatus = &providerStatus
	}
	res, err := s.Transition(ctx, in)
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// Cancel cancels a pending or awaiting_payment order. A bound intent is
// cancelled at the provider first so a late payment cannot land on a cancelled
// order. The order lock is held throughout, so an intent bound concurrently is
// either seen here or rejected at bind time.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, cause enums.TransitionCause) (*models.Order, error) {
	in := TransitionInput{OrderID: orderID, To: enums.OrderStatusCancelled, Cause: cause}
	result, err := s.withOrderLock(ctx, orderID, func() (*TransitionResult, error) {
		order, err := s.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch order.Status {
		case enums.OrderStatusCancelled:
			return &TransitionResult{Order: order, From: order.Status}, nil
		case enums.OrderStatusPending, enums.OrderStatusAwaitingPayment:
		default:
			return nil, invalidTransition(order.Status, enums.OrderStatusCancelled)
		}

		if intentID := order.IntentID(); intentID != "" && s.gateway != nil {
			if err := s.gateway.CancelIntent(ctx, intentID); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel payment intent")
			}
		}
		from := order.Status
		in.From = &from
		return s.applyLocked(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	s.settle(ctx, in, result)
	return result.Order, nil
}

// MarkShipped applies the fulfillment shipped edge.
func (s *Service) MarkShipped(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	res, err := s.Transition(ctx, TransitionInput{OrderID: orderID, To: enums.OrderStatusShipped, Cause: enums.CauseFulfillmentShipped})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// MarkDelivered applies the fulfillment delivered edge.
func (s *Service) MarkDelivered(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	res, err := s.Transition(ctx, TransitionInput{OrderID: orderID, To: enums.OrderStatusDelivered, Cause: enums.CauseFulfillmentDelivered})
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// MarkCartCleared records that the order's source cart was emptied.
func (s *Service) MarkCartCleared(ctx context.Context, orderID uuid.UUID) error {
	if err := s.repo.MarkCartCleared(ctx, orderID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "mark cart cleared")
	}
	return nil
}

// Get loads an order with items and history.
func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, notFoundOr(err, "load order")
	}
	return order, nil
}

// GetByIntent loads the order bound to intentID.
func (s *Service) GetByIntent(ctx context.Context, intentID string) (*models.Order, error) {
	order, err := s.repo.FindByIntentID(ctx, intentID)
	if err != nil {
		return nil, notFoundOr(err, "load order by intent")
	}
	return order, nil
}

// ActiveForUser returns the user's open order, or nil when there is none.
func (s *Service) ActiveForUser(ctx context.Context, userID int64) (*models.Order, error) {
	order, err := s.repo.FindActiveByUser(ctx, userID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load active order")
	}
	return order, nil
}

// ListResult is one page of orders.
type ListResult struct {
	Orders     []models.Order `json:"orders"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// List pages through orders newest first.
func (s *Service) List(ctx context.Context, status *enums.OrderStatus, userID *int64, params pagination.Params) (*ListResult, error) {
	if status != nil && !status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.List(ctx, ListFilter{Status: status, UserID: userID, Limit: params.Limit, Cursor: cursor})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "list orders")
	}
	page, next := pagination.Page(rows, params.Limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	return &ListResult{Orders: page, NextCursor: next}, nil
}

// Revenue is the paid total for one currency.
type Revenue struct {
	Currency   enums.Currency `json:"currency"`
	Orders     int64          `json:"orders"`
	TotalCents int64          `json:"total_cents"`
	Amount     string         `json:"amount"`
	Display    string         `json:"display"`
}

// Stats summarizes the ledger for operators.
type Stats struct {
	Counts  map[enums.OrderStatus]int64 `json:"counts"`
	Total   int64                       `json:"total"`
	Revenue []Revenue                   `json:"revenue"`
}

// Stats returns order counts per status and paid revenue per currency.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "count orders")
	}
	rows, err := s.repo.PaidRevenue(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "sum revenue")
	}
	stats := &Stats{Counts: map[enums.OrderStatus]int64{}, Revenue: make([]Revenue, 0, len(rows))}
	for _, status := range enums.AllOrderStatuses() {
		stats.Counts[status] = counts[status]
		stats.Total += counts[status]
	}
	for _, row := range rows {
		stats.Revenue = append(stats.Revenue, Revenue{
			Currency:   row.Currency,
			Orders:     row.Orders,
			TotalCents: row.TotalCents,
			Amount:     money.FromCents(row.TotalCents).StringFixed(2),
			Display:    money.Format(row.TotalCents, row.Currency),
		})
	}
	return stats, nil
}

// FindAwaitingBefore lists awaiting_payment orders idle since cutoff.
func (s *Service) FindAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	rows, err := s.repo.FindAwaitingBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "find awaiting orders")
	}
	return rows, nil
}

// FindStalePending lists pending orders without an intent created before cutoff.
func (s *Service) FindStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	rows, err := s.repo.FindStalePending(ctx, cutoff, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "find stale pending orders")
	}
	return rows, nil
}

func notificationFor(order *models.Order, to enums.OrderStatus, now time.Time) *models.Notification {
	return &models.Notification{
		OrderID:     order.ID,
		Transition:  to,
		UserID:      order.UserID,
		TemplateKey: TemplateKey(to),
		Context: map[string]any{
			"order_id":    order.ID.String(),
			"status":      string(to),
			"total_cents": order.TotalCents,
			"currency":    string(order.Currency),
		},
		Status:        enums.NotificationStatusPending,
		NextAttemptAt: now,
	}
}

// TemplateKey names the message template for a user-facing status.
func TemplateKey(status enums.OrderStatus) string {
	return "order." + string(status)
}

func invalidTransition(from, to enums.OrderStatus) error {
	return pkgerrors.Wrap(pkgerrors.CodeStateConflict, ErrInvalidTransition, fmt.Sprintf("cannot move order from %s to %s", from, to)).
		WithDetails(map[string]any{"from": from, "to": to})
}

func notFoundOr(err error, msg string) error {
	if db.IsNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodePersistence, err, msg)
}
