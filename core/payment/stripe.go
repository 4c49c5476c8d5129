package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/order"
	"github.com/stripe/stripe-go/v74"
	stripecl "github.com/stripe/stripe-go/v74/client"
)

// Stripe is the card adapter. Initiation creates a hosted checkout session
// priced in minor units with the order id attached as metadata. Settlement
// has two racing paths: the webhook (HandleStripeWebhook) and the client
// return (Verify, below), whichever lands first wins the guarded update.
type Stripe struct {
	client *stripecl.API
	cfg    config.Stripe
}

func NewStripe(client *stripecl.API, cfg config.Stripe) *Stripe {
	return &Stripe{client: client, cfg: cfg}
}

func (s *Stripe) Method() order.Method { return order.Card }

func (s *Stripe) Initiate(ctx context.Context, ord order.Order, items []order.Item) (RedirectTarget, error) {
	if s.cfg.APISecret == "" {
		return RedirectTarget{}, fmt.Errorf("stripe api secret missing: %w", ErrNotConfigured)
	}

	li := make([]*stripe.CheckoutSessionLineItemParams, 0, len(items))
	for _, it := range items {
		li = append(li, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(it.Quantity)),

			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(ord.Currency),
				UnitAmount: stripe.Int64(it.Price),

				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(it.Name),
				},
			},
		})
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL:    stripe.String(s.cfg.SuccessURL + "?orderId=" + ord.ID),
		CancelURL:     stripe.String(s.cfg.CancelURL + "?orderId=" + ord.ID),
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail: stripe.String(ord.Email),
		LineItems:     li,
	}
	params.Context = ctx
	params.AddMetadata("order_id", ord.ID)
	params.AddMetadata("user_id", ord.UserID)

	sess, err := s.client.CheckoutSessions.New(params)
	if err != nil {
		return RedirectTarget{}, fmt.Errorf("creating stripe session: %w", err)
	}

	return RedirectTarget{
		URL:         sess.URL,
		Method:      http.MethodGet,
		ProviderRef: sess.ID,
	}, nil
}

// Verify is the client-return path: the session stored at initiation is
// retrieved from the provider and only its payment_status decides the
// outcome, never the client.
func (s *Stripe) Verify(ctx context.Context, ord order.Order) (Verification, error) {
	if s.cfg.APISecret == "" {
		return Verification{}, fmt.Errorf("stripe api secret missing: %w", ErrNotConfigured)
	}
	if ord.StripeSessionID == nil {
		return Verification{}, fmt.Errorf("order[%s] has no checkout session", ord.ID)
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := s.client.CheckoutSessions.Get(*ord.StripeSessionID, params)
	if err != nil {
		var sErr *stripe.Error
		if !errors.As(err, &sErr) || sErr.HTTPStatusCode >= 500 {
			return Verification{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return Verification{}, fmt.Errorf("retrieving checkout session[%s]: %w", *ord.StripeSessionID, err)
	}

	var intentID string
	if sess.PaymentIntent != nil {
		intentID = sess.PaymentIntent.ID
	}

	return Verification{
		Success:     sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		ProviderRef: intentID,
		RawStatus:   string(sess.PaymentStatus),
	}, nil
}
