package notifications

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/angelmondragon/storebot/pkg/enums"
	"github.com/angelmondragon/storebot/pkg/money"
)

var templates = map[string]string{
	"order.paid":           "Payment received for order %s. Total %s. We'll let you know when it ships.",
	"order.payment_failed": "Payment for order %s did not go through. Your cart has been kept so you can try again.",
	"order.shipped":        "Order %s is on its way.",
	"order.delivered":      "Order %s was delivered. Thanks for shopping with us!",
	"order.cancelled":      "Order %s was cancelled. Total %s.",
}

// Render builds the message text for a template key and its context.
func Render(key string, ctx map[string]any) (string, error) {
	tmpl, ok := templates[key]
	if !ok {
		return "", fmt.Errorf("unknown notification template %q", key)
	}
	ref := ShortRef(stringValue(ctx["order_id"]))
	if strings.Count(tmpl, "%s") == 1 {
		return fmt.Sprintf(tmpl, ref), nil
	}
	total := money.Format(intValue(ctx["total_cents"]), enums.Currency(stringValue(ctx["currency"])))
	return fmt.Sprintf(tmpl, ref, total), nil
}

// ShortRef is the order reference shown to buyers.
func ShortRef(orderID string) string {
	if len(orderID) > 8 {
		return "#" + strings.ToUpper(orderID[:8])
	}
	return "#" + strings.ToUpper(orderID)
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// intValue accepts the numeric shapes a JSON round trip can produce.
func intValue(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
