package payments

import (
	"context"
	"errors"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeClient holds a ride's fare on the rider's card when the ride is
// requested and captures it when the ride completes.
type StripeClient struct {
	currency string
}

// NewStripeClient sets the process-wide stripe key; only one account can be
// used per process.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeClient{currency: currency}
}

// ErrNoPaymentMethod is returned when a paid ride arrives without a card to
// hold the fare on.
var ErrNoPaymentMethod = errors.New("payment method required")

// Hold confirms a manual-capture PaymentIntent against paymentMethod, which
// authorizes the fare on the card without charging it. Free rides get no
// hold and an empty id.
func (s *StripeClient) Hold(ctx context.Context, ride models.Ride, paymentMethod string) (string, error) {
	params, err := s.holdParams(ride, paymentMethod)
	if err != nil || params == nil {
		return "", err
	}
	params.Context = ctx
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		// 3-D Secure and similar flows cannot complete server side.
		s.cancel(ctx, pi.ID)
		return "", fmt.Errorf("fare not authorized, payment intent %s is %s", pi.ID, pi.Status)
	}
	return pi.ID, nil
}

func (s *StripeClient) holdParams(ride models.Ride, paymentMethod string) (*stripe.PaymentIntentParams, error) {
	amount := amountCents(ride.Fare)
	if amount == 0 {
		return nil, nil
	}
	if paymentMethod == "" {
		return nil, ErrNoPaymentMethod
	}
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount),
		Currency:           stripe.String(s.currency),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethod:      stripe.String(paymentMethod),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
	}
	params.SetIdempotencyKey("hold-" + ride.ID)
	params.AddMetadata("ride_id", ride.ID)
	params.AddMetadata("user_id", ride.UserID)
	return params, nil
}

func (s *StripeClient) cancel(ctx context.Context, ref string) {
	_ = s.Release(context.WithoutCancel(ctx), ref)
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(ref, params)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeClient) Release(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(ref, params)
	return err
}

func amountCents(fare float64) int64 {
	if fare <= 0 || math.IsNaN(fare) {
		return 0
	}
	return int64(math.Round(fare * 100))
}
