package enums

// TransitionCause records why an order changed status in its history.
type TransitionCause string

const (
	CauseCheckoutStarted      TransitionCause = "checkout_started"
	CauseIntentCreated        TransitionCause = "intent_created"
	CauseIntentCreationFailed TransitionCause = "intent_creation_failed"
	CauseGatewaySucceeded     TransitionCause = "gateway_succeeded"
	CauseGatewayFailed        TransitionCause = "gateway_failed"
	CauseGatewayCanceled      TransitionCause = "gateway_canceled"
	CauseRefunded             TransitionCause = "refunded"
	CauseFulfillmentShipped   TransitionCause = "fulfillment_shipped"
	CauseFulfillmentDelivered TransitionCause = "fulfillment_delivered"
	CauseUserCancel           TransitionCause = "user_cancel"
	CauseAdminCancel          TransitionCause = "admin_cancel"
	CauseStalePending         TransitionCause = "stale_pending"
	CauseStatusPoll           TransitionCause = "status_poll"
)

// String implements fmt.Stringer.
func (c TransitionCause) String() string {
	return string(c)
}
