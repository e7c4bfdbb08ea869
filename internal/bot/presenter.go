package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/storebot/internal/checkout"
	"github.com/angelmondragon/storebot/internal/conversation"
	"github.com/angelmondragon/storebot/internal/notifications"
	"github.com/angelmondragon/storebot/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/money"
)

type textSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Presenter renders conversation prompts as Telegram chat messages. Private
// chats share their id with the user, so the user id is the chat id.
type Presenter struct {
	sender textSender
}

func NewPresenter(sender textSender) (*Presenter, error) {
	if sender == nil {
		return nil, errors.New("telegram sender required")
	}
	return &Presenter{sender: sender}, nil
}

func (p *Presenter) Present(ctx context.Context, userID int64, prompt conversation.Prompt) error {
	text := Render(prompt)
	if text == "" {
		return nil
	}
	return p.sender.SendText(ctx, userID, text)
}

// Render builds the chat text for a prompt.
func Render(prompt conversation.Prompt) string {
	var b strings.Builder
	if prompt.Message != "" && prompt.Kind != conversation.PromptPaymentFailed && prompt.Kind != conversation.PromptOrderCancelled {
		b.WriteString(prompt.Message)
		b.WriteString("\n\n")
	}

	switch prompt.Kind {
	case conversation.PromptWelcome:
		b.WriteString("Welcome! Send /shop to see what we have.")
	case conversation.PromptCatalog:
		renderCatalog(&b, prompt.Products)
	case conversation.PromptCart:
		renderCart(&b, prompt.Cart)
	case conversation.PromptPayment:
		renderPayment(&b, prompt.Checkout)
	case conversation.PromptAwaitingPayment:
		b.WriteString("We're still waiting for your payment")
		if prompt.Order != nil {
			fmt.Fprintf(&b, " for order %s (%s)", notifications.ShortRef(prompt.Order.ID.String()), money.Format(prompt.Order.TotalCents, prompt.Order.Currency))
		}
		b.WriteString(". Complete it or send /cancel to abandon the order.")
	case conversation.PromptCancelRequested:
		b.WriteString("Cancelling your order...")
	case conversation.PromptCompleted:
		b.WriteString("Thank you! Your order is confirmed.")
		if prompt.Order != nil {
			fmt.Fprintf(&b, " Reference %s.", notifications.ShortRef(prompt.Order.ID.String()))
		}
		b.WriteString(" Send /shop to keep shopping.")
	case conversation.PromptPaymentFailed, conversation.PromptOrderCancelled:
		if prompt.Kind == conversation.PromptOrderCancelled {
			b.WriteString("Your order was cancelled.")
		} else {
			b.WriteString("Your payment did not go through.")
		}
		if prompt.Restored {
			b.WriteString(" Your items are back in your cart.\n\n")
		} else if prompt.Message != "" {
			b.WriteString(" " + prompt.Message + "\n\n")
		} else {
			b.WriteString("\n\n")
		}
		renderCart(&b, prompt.Cart)
	case conversation.PromptHelp:
		b.WriteString(usage)
	case conversation.PromptBusy:
		b.WriteString("Still working on your last request, one moment.")
	case conversation.PromptError:
		b.WriteString(errorText(prompt.Err))
	}
	return strings.TrimSpace(b.String())
}

func renderCatalog(b *strings.Builder, products []models.Product) {
	if len(products) == 0 {
		b.WriteString("The shop is empty right now.")
		return
	}
	b.WriteString("Available products:\n")
	for _, p := range products {
		if len(p.Variants) == 1 {
			fmt.Fprintf(b, "%s - %s %s\n", p.ID, p.Name, money.Format(p.Variants[0].PriceCents, p.Currency))
			continue
		}
		fmt.Fprintf(b, "%s - %s from %s\n", p.ID, p.Name, money.Format(p.MinPriceCents(), p.Currency))
		for _, v := range p.Variants {
			if v.Stock <= 0 {
				fmt.Fprintf(b, "  %s:%s %s sold out\n", p.ID, v.SKU, v.Name)
				continue
			}
			fmt.Fprintf(b, "  %s:%s %s %s\n", p.ID, v.SKU, v.Name, money.Format(v.PriceCents, p.Currency))
		}
	}
	b.WriteString("\nAdd one with /add <product>[:<variant>] [qty].")
}

func renderCart(b *strings.Builder, cart *models.Cart) {
	if cart.IsEmpty() {
		b.WriteString("Your cart is empty. Send /shop to browse.")
		return
	}
	b.WriteString("Your cart:\n")
	for _, item := range cart.Items {
		fmt.Fprintf(b, "%d x %s %s\n", item.Quantity, item.Name, money.Format(item.LineTotalCents(), cart.Currency))
	}
	fmt.Fprintf(b, "Total %s\n\nSend /checkout to pay or /remove <product> to drop a line.", money.Format(cart.TotalCents(), cart.Currency))
}

func renderPayment(b *strings.Builder, res *checkout.Result) {
	if res == nil {
		return
	}
	fmt.Fprintf(b, "Order %s created. Total %s.\n", notifications.ShortRef(res.OrderID.String()), money.Format(res.TotalCents, res.Currency))
	fmt.Fprintf(b, "Complete your payment with reference %s.\n", res.ClientHandle)
	b.WriteString("Send /cancel to abandon the order.")
}

// errorText shows the message of errors users can act on and hides the rest.
func errorText(err error) string {
	switch {
	case err == nil:
		return "Something went wrong."
	case errors.Is(err, checkout.ErrCheckoutInProgress):
		return "You already have an order waiting for payment."
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		return "Something went wrong, please try again."
	}
	switch typed.Code() {
	case pkgerrors.CodeValidation, pkgerrors.CodeNotFound, pkgerrors.CodeStateConflict:
		return capitalize(typed.Message()) + "."
	case pkgerrors.CodeConflict, pkgerrors.CodeDependency:
		return "We could not reach the payment provider. Please try again in a moment."
	}
	return "Something went wrong, please try again."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
