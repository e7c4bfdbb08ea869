package enums

import "fmt"

// OrderStatus tracks where an order sits in its payment and fulfillment lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusPaymentFailed   OrderStatus = "payment_failed"
	OrderStatusShipped         OrderStatus = "shipped"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusAwaitingPayment,
	OrderStatusPaid,
	OrderStatusPaymentFailed,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// ActiveOrderStatuses are the statuses that block a new checkout for the same user.
var ActiveOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusAwaitingPayment,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsActive reports whether the order still has an open payment attempt.
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusPending || s == OrderStatusAwaitingPayment
}

// IsUserFacing reports whether entering this status notifies the buyer.
func (s OrderStatus) IsUserFacing() bool {
	switch s {
	case OrderStatusPaid, OrderStatusPaymentFailed, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// AllOrderStatuses returns every status in lifecycle order.
func AllOrderStatuses() []OrderStatus {
	out := make([]OrderStatus, len(validOrderStatuses))
	copy(out, validOrderStatuses)
	return out
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
