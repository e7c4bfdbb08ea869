package orders

import (
	"errors"
	"slices"

	"github.com/angelmondragon/storebot/pkg/enums"
)

// ErrInvalidTransition is returned when an edge is not allowed from the current status.
var ErrInvalidTransition = errors.New("invalid order transition")

var edges = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusPending: {
		enums.OrderStatusAwaitingPayment,
		enums.OrderStatusPaymentFailed,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusAwaitingPayment: {
		enums.OrderStatusPaid,
		enums.OrderStatusPaymentFailed,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusPaid: {
		enums.OrderStatusShipped,
		enums.OrderStatusCancelled,
	},
	enums.OrderStatusShipped: {
		enums.OrderStatusDelivered,
	},
}

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to enums.OrderStatus) bool {
	return slices.Contains(edges[from], to)
}

// Evaluate decides how a requested status change applies to an order in status
// from. noop is true when the order already reflects the request: the same
// status, or a failure report for an order that was already cancelled.
func Evaluate(from, to enums.OrderStatus) (noop bool, err error) {
	if !to.IsValid() {
		return false, ErrInvalidTransition
	}
	if from == to {
		return true, nil
	}
	if from == enums.OrderStatusCancelled && to == enums.OrderStatusPaymentFailed {
		return true, nil
	}
	if !CanTransition(from, to) {
		return false, ErrInvalidTransition
	}
	return false, nil
}

// IsTerminal reports whether no edge leaves the status.
func IsTerminal(status enums.OrderStatus) bool {
	return len(edges[status]) == 0
}
