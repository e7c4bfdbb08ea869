package enums

// AlertKind classifies operator alerts raised by reconciliation.
type AlertKind string

const (
	AlertOrphanEvent         AlertKind = "orphan_event"
	AlertInvalidTransition   AlertKind = "invalid_transition"
	AlertCorrelationMismatch AlertKind = "correlation_mismatch"
	AlertPartialRefund       AlertKind = "partial_refund"
	AlertAmountMismatch      AlertKind = "amount_mismatch"
	AlertNotificationFailed  AlertKind = "notification_failed"
	AlertIntentCancelFailed  AlertKind = "intent_cancel_failed"
)

// String implements fmt.Stringer.
func (k AlertKind) String() string {
	return string(k)
}
