package orders

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storebot/pkg/db"
	"github.com/angelmondragon/storebot/pkg/db/dbtest"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/pagination"
)

type gormOutbox struct{}

func (gormOutbox) Enqueue(ctx context.Context, tx *gorm.DB, n *models.Notification) error {
	return tx.WithContext(ctx).Create(n).Error
}

type stubCanceller struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubCanceller) CancelIntent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	return s.err
}

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) OrderTransitioned(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

type fixture struct {
	client   *db.Client
	svc      *Service
	gateway  *stubCanceller
	recorder *recorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Open(t)
	f := &fixture{
		client:   client,
		gateway:  &stubCanceller{},
		recorder: &recorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := NewService(ServiceParams{
		Repo:    NewRepository(client.DB()),
		Tx:      client,
		Outbox:  gormOutbox{},
		Gateway: f.gateway,
		Logger:  logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Clock:   func() time.Time { return f.now },
	})
	require.NoError(t, err)
	svc.Subscribe(f.recorder)
	f.svc = svc
	return f
}

func sampleItems() []models.CartItem {
	return []models.CartItem{
		{ProductID: "tea", Name: "Green Tea", Quantity: 2, UnitPriceCents: 500},
		{ProductID: "mug", Name: "Mug", Quantity: 1, UnitPriceCents: 1250},
	}
}

func (f *fixture) create(t *testing.T, userID int64) *models.Order {
	t.Helper()
	order, err := f.svc.Create(context.Background(), CreateInput{UserID: userID, Currency: enums.CurrencyEUR, Items: sampleItems()})
	require.NoError(t, err)
	return order
}

func (f *fixture) notifications(t *testing.T, orderID uuid.UUID) []models.Notification {
	t.Helper()
	var rows []models.Notification
	require.NoError(t, f.client.DB().Where("order_id = ?", orderID).Order("created_at ASC").Find(&rows).Error)
	return rows
}

func TestNewServiceValidatesParams(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestCreatePricesFromSnapshot(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, 42)

	stored, err := f.svc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPending, stored.Status)
	require.Equal(t, int64(2250), stored.TotalCents)
	require.Len(t, stored.Items, 2)
	require.Equal(t, "tea", stored.Items[0].ProductID)
	require.Equal(t, int64(1000), stored.Items[0].LineTotalCents)
	require.Len(t, stored.History, 1)
	require.Nil(t, stored.History[0].FromStatus)
	require.Equal(t, enums.CauseCheckoutStarted, stored.History[0].Cause)
}

func TestCreateRejectsEmptyAndSecondActiveOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{UserID: 1, Currency: enums.CurrencyEUR})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	f.create(t, 1)
	_, err = f.svc.Create(ctx, CreateInput{UserID: 1, Currency: enums.CurrencyEUR, Items: sampleItems()})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
	require.ErrorIs(t, err, ErrActiveOrder)

	// another user is unaffected
	f.create(t, 2)
}

func TestCreateAllowedAfterTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 7)

	_, err := f.svc.Transition(ctx, TransitionInput{OrderID: order.ID, To: enums.OrderStatusPaymentFailed, Cause: enums.CauseIntentCreationFailed})
	require.NoError(t, err)

	f.create(t, 7)
}

func TestBindIntentAndPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 9)

	bound, err := f.svc.BindIntent(ctx, order.ID, "pi_123", "requires_payment_method")
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusAwaitingPayment, bound.Status)
	require.Equal(t, "pi_123", bound.IntentID())

	byIntent, err := f.svc.GetByIntent(ctx, "pi_123")
	require.NoError(t, err)
	require.Equal(t, order.ID, byIntent.ID)

	f.now = f.now.Add(time.Second)
	eventID := "evt_1"
	res, err := f.svc.Transition(ctx, TransitionInput{OrderID: order.ID, To: enums.OrderStatusPaid, Cause: enums.CauseGatewaySucceeded, EventID: &eventID})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, enums.OrderStatusAwaitingPayment, res.From)
	require.Len(t, res.Order.History, 3)
	require.Equal(t, &eventID, res.Order.History[2].EventID)

	notes := f.notifications(t, order.ID)
	require.Len(t, notes, 1)
	require.Equal(t, enums.OrderStatusPaid, notes[0].Transition)
	require.Equal(t, "order.paid", notes[0].TemplateKey)
	require.Equal(t, int64(9), notes[0].UserID)

	require.Len(t, f.recorder.transitions, 2)
	require.Equal(t, enums.OrderStatusPaid, f.recorder.transitions[1].To)
}

func TestRebindingRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 3)

	_, err := f.svc.BindIntent(ctx, order.ID, "pi_a", "")
	require.NoError(t, err)

	_, err = f.svc.BindIntent(ctx, order.ID, "pi_b", "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	_, err = f.svc.BindIntent(ctx, order.ID, "pi_a", "")
	require.NoError(t, err)
}

func TestDuplicateTransitionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 5)
	_, err := f.svc.BindIntent(ctx, order.ID, "pi_5", "")
	require.NoError(t, err)

	in := TransitionInput{OrderID: order.ID, To: enums.OrderStatusPaid, Cause: enums.CauseGatewaySucceeded}
	first, err := f.svc.Transition(ctx, in)
	require.NoError(t, err)
	require.True(t, first.Applied)

	var withinCalls int
	in.Within = func(_ *gorm.DB, applied bool) error {
		withinCalls++
		require.False(t, applied)
		return nil
	}
	second, err := f.svc.Transition(ctx, in)
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, 1, withinCalls)
	require.Len(t, second.Order.History, 3)
	require.Len(t, f.notifications(t, order.ID), 1)
}

func TestInvalidTransitionLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 11)

	_, err := f.svc.MarkShipped(ctx, order.ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	require.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPending, stored.Status)
	require.Len(t, stored.History, 1)
}

func TestWithinFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 12)
	boom := errors.New("boom")

	_, err := f.svc.Transition(ctx, TransitionInput{
		OrderID: order.ID,
		To:      enums.OrderStatusPaymentFailed,
		Cause:   enums.CauseGatewayFailed,
		Within:  func(*gorm.DB, bool) error { return boom },
	})
	require.Error(t, err)

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPending, stored.Status)
	require.Empty(t, f.notifications(t, order.ID))
	require.Empty(t, f.recorder.transitions)
}

func TestTransitionUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Transition(context.Background(), TransitionInput{OrderID: uuid.New(), To: enums.OrderStatusPaid})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestCancelAwaitingCancelsIntentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 20)
	_, err := f.svc.BindIntent(ctx, order.ID, "pi_20", "")
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, order.ID, enums.CauseUserCancel)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCancelled, cancelled.Status)
	require.Equal(t, []string{"pi_20"}, f.gateway.calls)

	again, err := f.svc.Cancel(ctx, order.ID, enums.CauseUserCancel)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCancelled, again.Status)
	require.Len(t, f.gateway.calls, 1)
}

func TestCancelKeepsOrderWhenProviderRefuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 21)
	_, err := f.svc.BindIntent(ctx, order.ID, "pi_21", "")
	require.NoError(t, err)
	f.gateway.err = errors.New("provider down")

	_, err = f.svc.Cancel(ctx, order.ID, enums.CauseUserCancel)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusAwaitingPayment, stored.Status)
}

func TestTransitionExpectedFromMismatchLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 23)
	_, err := f.svc.BindIntent(ctx, order.ID, "pi_23", "")
	require.NoError(t, err)

	pending := enums.OrderStatusPending
	_, err = f.svc.Transition(ctx, TransitionInput{OrderID: order.ID, From: &pending, To: enums.OrderStatusCancelled, Cause: enums.CauseAdminCancel})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusAwaitingPayment, stored.Status)
}

func TestCancelRacingBindNeverLeavesLiveIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		userID := int64(100 + i)
		order := f.create(t, userID)
		intentID := "pi_race_" + order.ID.String()

		var wg sync.WaitGroup
		var bindErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, bindErr = f.svc.BindIntent(ctx, order.ID, intentID, "")
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.Cancel(ctx, order.ID, enums.CauseAdminCancel)
		}()
		wg.Wait()

		stored, err := f.svc.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, enums.OrderStatusCancelled, stored.Status)
		f.gateway.mu.Lock()
		calls := append([]string(nil), f.gateway.calls...)
		f.gateway.mu.Unlock()
		if bindErr == nil {
			// bound first, so cancel must have reached the provider
			require.Equal(t, intentID, stored.IntentID())
			require.Contains(t, calls, intentID)
		} else {
			require.ErrorIs(t, bindErr, ErrInvalidTransition)
			require.Empty(t, stored.IntentID())
		}
	}
}

func TestCancelPaidRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 22)
	_, err := f.svc.BindIntent(ctx, order.ID, "pi_22", "")
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, TransitionInput{OrderID: order.ID, To: enums.OrderStatusPaid, Cause: enums.CauseGatewaySucceeded})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, order.ID, enums.CauseUserCancel)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFulfillmentFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 30)
	_, err := f.svc.BindIntent(ctx, order.ID, "pi_30", "")
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, TransitionInput{OrderID: order.ID, To: enums.OrderStatusPaid, Cause: enums.CauseGatewaySucceeded})
	require.NoError(t, err)

	shipped, err := f.svc.MarkShipped(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusShipped, shipped.Status)

	delivered, err := f.svc.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusDelivered, delivered.Status)

	notes := f.notifications(t, order.ID)
	require.Len(t, notes, 3)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 40)
	_, err := f.svc.BindIntent(ctx, order.ID, "pi_40", "")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Transition(ctx, TransitionInput{OrderID: order.ID, To: enums.OrderStatusPaid, Cause: enums.CauseGatewaySucceeded})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, applied)
	require.Len(t, f.notifications(t, order.ID), 1)
}

func TestActiveForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.svc.ActiveForUser(ctx, 50)
	require.NoError(t, err)
	require.Nil(t, active)

	order := f.create(t, 50)
	active, err = f.svc.ActiveForUser(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, order.ID, active.ID)
}

func TestListPagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Minute)
		ids = append(ids, f.create(t, int64(100+i)).ID)
	}

	first, err := f.svc.List(ctx, nil, nil, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Orders, 2)
	require.Equal(t, ids[2], first.Orders[0].ID)
	require.NotEmpty(t, first.NextCursor)

	second, err := f.svc.List(ctx, nil, nil, pagination.Params{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Orders, 1)
	require.Equal(t, ids[0], second.Orders[0].ID)
	require.Empty(t, second.NextCursor)

	_, err = f.svc.List(ctx, nil, nil, pagination.Params{Cursor: "%%%"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paid := f.create(t, 60)
	f.create(t, 61)
	_, err := f.svc.BindIntent(ctx, paid.ID, "pi_60", "")
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, TransitionInput{OrderID: paid.ID, To: enums.OrderStatusPaid, Cause: enums.CauseGatewaySucceeded})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, int64(1), stats.Counts[enums.OrderStatusPaid])
	require.Equal(t, int64(1), stats.Counts[enums.OrderStatusPending])
	require.Len(t, stats.Revenue, 1)
	require.Equal(t, int64(2250), stats.Revenue[0].TotalCents)
	require.Equal(t, "22.50", stats.Revenue[0].Amount)
}

func TestStaleQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.create(t, 70)
	awaiting := f.create(t, 71)
	_, err := f.svc.BindIntent(ctx, awaiting.ID, "pi_71", "")
	require.NoError(t, err)

	cutoff := f.now.Add(time.Minute)
	pending, err := f.svc.FindStalePending(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, stale.ID, pending[0].ID)

	idle, err := f.svc.FindAwaitingBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	require.Equal(t, awaiting.ID, idle[0].ID)

	none, err := f.svc.FindAwaitingBefore(ctx, f.now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMarkCartCleared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.create(t, 80)
	require.NoError(t, f.svc.MarkCartCleared(ctx, order.ID))

	stored, err := f.svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, stored.CartCleared)
}
