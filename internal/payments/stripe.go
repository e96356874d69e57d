package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient backs the engine's settlement hooks with PaymentIntent
// hold/capture/cancel flows: hold the estimate at match time, capture the
// finalized fare at completion, release on cancellation.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual for the estimated
// fare and returns its id.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, riderID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture settles a held PaymentIntent at the finalized amount, which may
// differ from the hold when the fare-protection clamp did not apply.
func (s *StripeClient) Capture(ctx context.Context, holdID string, amount int64) error {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amount),
	}
	_, err := paymentintent.Capture(holdID, params)
	return err
}

// Release cancels the hold without charging.
func (s *StripeClient) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}

// ChargeFee takes an immediate cancellation-fee payment.
func (s *StripeClient) ChargeFee(ctx context.Context, amount int64, currency, riderID string) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	_, err := paymentintent.New(params)
	return err
}
