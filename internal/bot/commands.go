package bot

import (
	"strconv"
	"strings"

	"github.com/angelmondragon/storebot/internal/conversation"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
)

const usage = "Commands: /shop, /add <product>[:<variant>] [qty], /remove <product>[:<variant>] [qty], /clear, /cart, /checkout, /cancel"

var commands = map[string]conversation.ActionKind{
	"start":    conversation.ActionStart,
	"shop":     conversation.ActionBrowse,
	"add":      conversation.ActionAdd,
	"remove":   conversation.ActionRemove,
	"clear":    conversation.ActionClearCart,
	"cart":     conversation.ActionViewCart,
	"checkout": conversation.ActionCheckout,
	"cancel":   conversation.ActionCancel,
}

// ParseCommand maps a chat message onto a conversation action. Anything that
// is not a known command becomes free text.
func ParseCommand(text string) (conversation.Action, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return conversation.Action{Kind: conversation.ActionText, Text: text}, nil
	}
	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /cmd@botname.
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	kind, ok := commands[name]
	if !ok {
		return conversation.Action{Kind: conversation.ActionText, Text: text}, nil
	}

	action := conversation.Action{Kind: kind}
	if kind != conversation.ActionAdd && kind != conversation.ActionRemove {
		return action, nil
	}
	args := fields[1:]
	if len(args) == 0 || len(args) > 2 {
		return action, pkgerrors.New(pkgerrors.CodeValidation, "usage: /"+name+" <product>[:<variant>] [qty]")
	}
	product, variant, _ := strings.Cut(args[0], ":")
	if product == "" {
		return action, pkgerrors.New(pkgerrors.CodeValidation, "product is required")
	}
	action.ProductID = product
	action.Variant = variant
	if len(args) == 2 {
		qty, err := strconv.Atoi(args[1])
		if err != nil || qty <= 0 {
			return action, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be a positive number")
		}
		action.Quantity = qty
	}
	return action, nil
}
