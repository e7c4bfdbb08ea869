package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storebot/internal/checkout"
	"github.com/angelmondragon/storebot/internal/orders"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/keylock"
	"github.com/angelmondragon/storebot/pkg/logger"
)

// ErrBusy is returned when an action arrives while another one for the same user is running.
var ErrBusy = errors.New("conversation busy")

const (
	lockPrefix      = "conv:"
	callbackTimeout = 30 * time.Second
)

type cartService interface {
	Get(ctx context.Context, userID int64) (*models.Cart, error)
	Clear(ctx context.Context, userID int64) error
	AddItem(ctx context.Context, userID int64, productID, variant string, qty int) (*models.Cart, error)
	RemoveItem(ctx context.Context, userID int64, productID, variant string, qty int) (*models.Cart, error)
	UpdateQuantity(ctx context.Context, userID int64, productID, variant string, qty int) (*models.Cart, error)
	Restore(ctx context.Context, userID int64, currency enums.Currency, items []models.CartItem) (bool, error)
}

type catalog interface {
	Browse(ctx context.Context) ([]models.Product, error)
}

type checkoutStarter interface {
	BeginCheckout(ctx context.Context, userID int64) (*checkout.Result, error)
}

type orderReader interface {
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID, cause enums.TransitionCause) (*models.Order, error)
}

// MachineParams wires the conversation state machine.
type MachineParams struct {
	Store     StateStore
	Carts     cartService
	Catalog   catalog
	Checkout  checkoutStarter
	Orders    orderReader
	Presenter Presenter
	Locks     keylock.Mutex
	Logger    *logger.Logger
	Clock     func() time.Time
}

// Machine drives each user's guided purchase. One action per user runs at a
// time; the payment outcome arrives through OrderTransitioned.
type Machine struct {
	store     StateStore
	carts     cartService
	catalog   catalog
	checkout  checkoutStarter
	orders    orderReader
	presenter Presenter
	locks     keylock.Mutex
	logg      *logger.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func NewMachine(params MachineParams) (*Machine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("state store required")
	}
	if params.Carts == nil {
		return nil, fmt.Errorf("cart service required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	if params.Checkout == nil {
		return nil, fmt.Errorf("checkout service required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order service required")
	}
	if params.Presenter == nil {
		return nil, fmt.Errorf("presenter required")
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
	return &Machine{
		store:     params.Store,
		carts:     params.Carts,
		catalog:   params.Catalog,
		checkout:  params.Checkout,
		orders:    params.Orders,
		presenter: params.Presenter,
		locks:     locks,
		logg:      params.Logger,
		now:       clock,
	}, nil
}

func lockKey(userID int64) string {
	return lockPrefix + strconv.FormatInt(userID, 10)
}

// Handle runs one inbound action for userID. Failures the user can act on are
// presented and reported as nil; ErrBusy and infrastructure failures are returned.
func (m *Machine) Handle(ctx context.Context, userID int64, action Action) error {
	ctx = m.logg.WithUserID(ctx, userID)
	unlock, ok := m.locks.TryLock(lockKey(userID))
	if !ok {
		m.present(ctx, userID, Prompt{Kind: PromptBusy})
		return pkgerrors.Wrap(pkgerrors.CodeConflict, ErrBusy, "another action is still running")
	}
	defer unlock()

	state, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	if state.Name == enums.ConversationAwaitingPaymentConfirmation {
		if state, err = m.resync(ctx, state); err != nil {
			return err
		}
	}

	var next *State
	switch state.Name {
	case enums.ConversationAwaitingPaymentConfirmation:
		next, err = m.onAwaitingPayment(ctx, state, action)
	case enums.ConversationCartReview:
		next, err = m.onCartReview(ctx, state, action)
	case enums.ConversationBrowsing:
		next, err = m.onBrowsing(ctx, state, action)
	case enums.ConversationCompleted:
		next, err = m.onCompleted(ctx, state, action)
	default:
		next, err = m.onIdle(ctx, state, action)
	}
	if err != nil {
		return m.fail(ctx, userID, state, err)
	}
	return m.save(ctx, next)
}

func (m *Machine) onIdle(ctx context.Context, state *State, action Action) (*State, error) {
	switch action.Kind {
	case ActionStart:
		m.present(ctx, state.UserID, Prompt{Kind: PromptWelcome, State: enums.ConversationIdle})
		return m.moveTo(state, enums.ConversationIdle), nil
	case ActionCheckout:
		// Checkout is only offered after the user has reviewed the cart.
		return m.showCart(ctx, state, "Review your cart before checking out.")
	}
	return m.shop(ctx, state, action)
}

func (m *Machine) onBrowsing(ctx context.Context, state *State, action Action) (*State, error) {
	if action.Kind == ActionCheckout {
		return m.showCart(ctx, state, "Review your cart before checking out.")
	}
	return m.shop(ctx, state, action)
}

func (m *Machine) onCartReview(ctx context.Context, state *State, action Action) (*State, error) {
	if action.Kind != ActionCheckout {
		return m.shop(ctx, state, action)
	}
	res, err := m.checkout.BeginCheckout(ctx, state.UserID)
	if err != nil {
		return nil, err
	}
	next := m.moveTo(state, enums.ConversationAwaitingPaymentConfirmation)
	next.OrderID = &res.OrderID
	m.present(ctx, state.UserID, Prompt{Kind: PromptPayment, State: next.Name, Checkout: res})
	return next, nil
}

func (m *Machine) onAwaitingPayment(ctx context.Context, state *State, action Action) (*State, error) {
	if action.Kind == ActionCancel && state.OrderID != nil {
		if _, err := m.orders.Cancel(ctx, *state.OrderID, enums.CauseUserCancel); err != nil {
			return nil, err
		}
		// The order transition releases the conversation once this action returns.
		m.present(ctx, state.UserID, Prompt{Kind: PromptCancelRequested, State: state.Name})
		return state, nil
	}
	var order *models.Order
	if state.OrderID != nil {
		loaded, err := m.orders.Get(ctx, *state.OrderID)
		if err != nil {
			return nil, err
		}
		order = loaded
	}
	m.present(ctx, state.UserID, Prompt{Kind: PromptAwaitingPayment, State: state.Name, Order: order})
	return state, nil
}

func (m *Machine) onCompleted(ctx context.Context, state *State, action Action) (*State, error) {
	fresh := m.moveTo(state, enums.ConversationIdle)
	fresh.OrderID = nil
	return m.onIdle(ctx, fresh, action)
}

// shop handles the catalog and cart actions shared by every state outside payment.
func (m *Machine) shop(ctx context.Context, state *State, action Action) (*State, error) {
	switch action.Kind {
	case ActionStart:
		m.present(ctx, state.UserID, Prompt{Kind: PromptWelcome, State: enums.ConversationIdle})
		return m.moveTo(state, enums.ConversationIdle), nil
	case ActionBrowse:
		products, err := m.catalog.Browse(ctx)
		if err != nil {
			return nil, err
		}
		m.present(ctx, state.UserID, Prompt{Kind: PromptCatalog, State: enums.ConversationBrowsing, Products: products})
		return m.moveTo(state, enums.ConversationBrowsing), nil
	case ActionAdd:
		cart, err := m.carts.AddItem(ctx, state.UserID, action.ProductID, action.Variant, quantityOr(action.Quantity, 1))
		if err != nil {
			return nil, err
		}
		m.present(ctx, state.UserID, Prompt{Kind: PromptCart, State: enums.ConversationCartReview, Cart: cart})
		return m.moveTo(state, enums.ConversationCartReview), nil
	case ActionRemove:
		var (
			cart *models.Cart
			err  error
		)
		if action.Quantity > 0 {
			cart, err = m.carts.RemoveItem(ctx, state.UserID, action.ProductID, action.Variant, action.Quantity)
		} else {
			cart, err = m.carts.UpdateQuantity(ctx, state.UserID, action.ProductID, action.Variant, 0)
		}
		if err != nil {
			return nil, err
		}
		m.present(ctx, state.UserID, Prompt{Kind: PromptCart, State: enums.ConversationCartReview, Cart: cart})
		return m.moveTo(state, enums.ConversationCartReview), nil
	case ActionClearCart:
		if err := m.carts.Clear(ctx, state.UserID); err != nil {
			return nil, err
		}
		return m.showCart(ctx, state, "Your cart was emptied.")
	case ActionViewCart, ActionCheckout:
		return m.showCart(ctx, state, "")
	case ActionCancel:
		m.present(ctx, state.UserID, Prompt{Kind: PromptWelcome, State: enums.ConversationIdle})
		return m.moveTo(state, enums.ConversationIdle), nil
	}
	m.present(ctx, state.UserID, Prompt{Kind: PromptHelp, State: state.Name})
	return state, nil
}

func (m *Machine) showCart(ctx context.Context, state *State, message string) (*State, error) {
	cart, err := m.carts.Get(ctx, state.UserID)
	if err != nil {
		return nil, err
	}
	m.present(ctx, state.UserID, Prompt{Kind: PromptCart, State: enums.ConversationCartReview, Cart: cart, Message: message})
	return m.moveTo(state, enums.ConversationCartReview), nil
}

// resync applies a payment outcome the machine missed while the user was waiting.
func (m *Machine) resync(ctx context.Context, state *State) (*State, error) {
	if state.OrderID == nil {
		return m.moveTo(state, enums.ConversationIdle), nil
	}
	order, err := m.orders.Get(ctx, *state.OrderID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return m.moveTo(state, enums.ConversationIdle), nil
		}
		return nil, err
	}
	if order.Status.IsActive() {
		return state, nil
	}
	m.logg.Info(m.logg.WithOrderID(ctx, order.ID.String()), "conversation resynced with order outcome")
	return m.exitAwaiting(ctx, state, order), nil
}

// exitAwaiting leaves awaiting_payment_confirmation for the order's outcome and presents it.
func (m *Machine) exitAwaiting(ctx context.Context, state *State, order *models.Order) *State {
	switch order.Status {
	case enums.OrderStatusPaid, enums.OrderStatusShipped, enums.OrderStatusDelivered:
		next := m.moveTo(state, enums.ConversationCompleted)
		m.present(ctx, state.UserID, Prompt{Kind: PromptCompleted, State: next.Name, Order: order})
		return next
	}

	next := m.moveTo(state, enums.ConversationCartReview)
	next.OrderID = nil
	restored, err := m.carts.Restore(ctx, state.UserID, order.Currency, order.CartItems())
	if err != nil {
		m.logg.Error(ctx, "restore cart after failed payment", err)
	}
	prompt := Prompt{Kind: PromptPaymentFailed, State: next.Name, Order: order, Restored: restored}
	if order.Status == enums.OrderStatusCancelled {
		prompt.Kind = PromptOrderCancelled
	}
	if cart, err := m.carts.Get(ctx, state.UserID); err == nil {
		prompt.Cart = cart
	}
	if !restored {
		prompt.Message = "Your previous cart could not be restored."
	}
	m.present(ctx, state.UserID, prompt)
	return next
}

// OrderTransitioned releases a waiting conversation when its order reaches a
// payment outcome. It returns immediately; the update runs under the user's lock.
func (m *Machine) OrderTransitioned(ctx context.Context, t orders.Transition) {
	switch t.To {
	case enums.OrderStatusPaid, enums.OrderStatusPaymentFailed, enums.OrderStatusCancelled:
	default:
		return
	}
	if t.Order == nil {
		return
	}
	order := t.Order
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
		defer cancel()
		if err := m.release(cctx, order); err != nil {
			m.logg.Error(m.logg.WithOrderID(cctx, order.ID.String()), "release conversation after order transition", err)
		}
	}()
}

func (m *Machine) release(ctx context.Context, order *models.Order) error {
	ctx = m.logg.WithUserID(ctx, order.UserID)
	unlock, err := m.locks.Lock(ctx, lockKey(order.UserID))
	if err != nil {
		return err
	}
	defer unlock()

	state, err := m.store.Load(ctx, order.UserID)
	if err != nil {
		return err
	}
	if state == nil || state.Name != enums.ConversationAwaitingPaymentConfirmation {
		return nil
	}
	if state.OrderID == nil || *state.OrderID != order.ID {
		return nil
	}
	return m.save(ctx, m.exitAwaiting(ctx, state, order))
}

// Wait blocks until every in-flight transition callback has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// State returns the stored conversation state for userID, idle when none is stored.
func (m *Machine) State(ctx context.Context, userID int64) (*State, error) {
	return m.load(ctx, userID)
}

func (m *Machine) load(ctx context.Context, userID int64) (*State, error) {
	state, err := m.store.Load(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load conversation state")
	}
	if state == nil {
		state = &State{UserID: userID, Name: enums.ConversationIdle, UpdatedAt: m.now()}
	}
	return state, nil
}

func (m *Machine) save(ctx context.Context, state *State) error {
	if err := m.store.Save(ctx, state); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save conversation state")
	}
	return nil
}

func (m *Machine) moveTo(state *State, name enums.ConversationState) *State {
	next := *state
	next.Name = name
	next.UpdatedAt = m.now()
	return &next
}

// fail presents err to the user. Errors the user can recover from leave the
// state unchanged and are not returned.
func (m *Machine) fail(ctx context.Context, userID int64, state *State, err error) error {
	m.present(ctx, userID, Prompt{Kind: PromptError, State: state.Name, Err: err})
	if userFacing(err) {
		m.logg.Warn(ctx, "conversation action rejected: "+err.Error())
		return nil
	}
	m.logg.Error(ctx, "conversation action failed", err)
	return err
}

func userFacing(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return false
	}
	switch typed.Code() {
	case pkgerrors.CodeValidation, pkgerrors.CodeNotFound, pkgerrors.CodeConflict,
		pkgerrors.CodeStateConflict, pkgerrors.CodeDependency:
		return true
	}
	return false
}

func (m *Machine) present(ctx context.Context, userID int64, prompt Prompt) {
	if err := m.presenter.Present(ctx, userID, prompt); err != nil {
		m.logg.Warn(ctx, "present prompt failed: "+err.Error())
	}
}

func quantityOr(qty, fallback int) int {
	if qty <= 0 {
		return fallback
	}
	return qty
}
