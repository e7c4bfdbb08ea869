package enums

import "fmt"

// ConversationState is the per-user guided purchase step.
type ConversationState string

const (
	ConversationIdle                        ConversationState = "idle"
	ConversationBrowsing                    ConversationState = "browsing"
	ConversationCartReview                  ConversationState = "cart_review"
	ConversationAwaitingPaymentConfirmation ConversationState = "awaiting_payment_confirmation"
	ConversationCompleted                   ConversationState = "completed"
)

var validConversationStates = []ConversationState{
	ConversationIdle,
	ConversationBrowsing,
	ConversationCartReview,
	ConversationAwaitingPaymentConfirmation,
	ConversationCompleted,
}

// String implements fmt.Stringer.
func (s ConversationState) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ConversationState.
func (s ConversationState) IsValid() bool {
	for _, candidate := range validConversationStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseConversationState converts raw input into a ConversationState.
func ParseConversationState(value string) (ConversationState, error) {
	for _, candidate := range validConversationStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid conversation state %q", value)
}
