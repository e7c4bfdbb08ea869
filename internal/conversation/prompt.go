package conversation

import (
	"context"

	"github.com/angelmondragon/storebot/internal/checkout"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
)

// ActionKind names an inbound user intent.
type ActionKind string

const (
	ActionStart     ActionKind = "start"
	ActionBrowse    ActionKind = "browse"
	ActionAdd       ActionKind = "add"
	ActionRemove    ActionKind = "remove"
	ActionClearCart ActionKind = "clear_cart"
	ActionViewCart  ActionKind = "view_cart"
	ActionCheckout  ActionKind = "checkout"
	ActionCancel    ActionKind = "cancel"
	ActionText      ActionKind = "text"
)

// Action is one user input already parsed by the channel adapter.
// Quantity zero on add means one unit and on remove means the whole line.
// An empty Variant means the default variant on add and the only line on remove.
type Action struct {
	Kind      ActionKind
	ProductID string
	Variant   string
	Quantity  int
	Text      string
}

// PromptKind tells the presenter what to render.
type PromptKind string

const (
	PromptWelcome         PromptKind = "welcome"
	PromptCatalog         PromptKind = "catalog"
	PromptCart            PromptKind = "cart"
	PromptPayment         PromptKind = "payment"
	PromptAwaitingPayment PromptKind = "awaiting_payment"
	PromptCancelRequested PromptKind = "cancel_requested"
	PromptCompleted       PromptKind = "completed"
	PromptPaymentFailed   PromptKind = "payment_failed"
	PromptOrderCancelled  PromptKind = "order_cancelled"
	PromptHelp            PromptKind = "help"
	PromptBusy            PromptKind = "busy"
	PromptError           PromptKind = "error"
)

// Prompt carries everything a presenter needs for one message. Fields not
// relevant to Kind are left zero.
type Prompt struct {
	Kind     PromptKind
	State    enums.ConversationState
	Cart     *models.Cart
	Products []models.Product
	Checkout *checkout.Result
	Order    *models.Order
	Restored bool
	Message  string
	Err      error
}

// Presenter renders prompts on the user's channel.
type Presenter interface {
	Present(ctx context.Context, userID int64, prompt Prompt) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, userID int64, prompt Prompt) error

func (f PresenterFunc) Present(ctx context.Context, userID int64, prompt Prompt) error {
	return f(ctx, userID, prompt)
}
