package payments

import (
	"context"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
)

// StripeIntentClient exposes the subset of Stripe operations the gateway needs.
type StripeIntentClient interface {
	Create(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	Cancel(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}

type stripeIntentWrapper struct{}

// NewStripeIntentClient returns the client backed by the global Stripe key.
func NewStripeIntentClient() StripeIntentClient {
	return &stripeIntentWrapper{}
}

func (w *stripeIntentWrapper) Create(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if params != nil {
		params.Context = ctx
	}
	return paymentintent.New(params)
}

func (w *stripeIntentWrapper) Get(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return paymentintent.Get(id, params)
}

func (w *stripeIntentWrapper) Cancel(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	return paymentintent.Cancel(id, params)
}
