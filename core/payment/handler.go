package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/pasalhq/pasal/api/web"
	"github.com/pasalhq/pasal/api/weberr"
	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/order"
	"github.com/pasalhq/pasal/validate"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

// Stripe webhook event types this service reacts to. Everything else is
// acknowledged and ignored so the provider stops redelivering.
const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventCheckoutExpired   = "checkout.session.expired"
	eventPaymentFailed     = "payment_intent.payment_failed"
)

// HandleEsewaVerify is the client-return path for eSewa: the browser comes
// back with a base64, provider-signed payload. Only an exact COMPLETE status
// marks the order paid; any other status fails it and surfaces a 400.
func HandleEsewaVerify(db *sqlx.DB, esewa *Esewa) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var in struct {
			Data string `json:"data" validate:"required"`
		}
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(fmt.Errorf("decoding esewa verification request: %w", err))
		}
		if err := validate.Check(in); err != nil {
			return weberr.Unprocessable(err, err.Error())
		}

		cb, v, err := esewa.Verify(in.Data)
		if err != nil {
			return esewaVerifyError(err)
		}

		ord, err := order.Fetch(ctx, db, cb.TransactionUUID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return weberr.NotFound(err)
			}
			return fmt.Errorf("fetching order[%s]: %w", cb.TransactionUUID, err)
		}
		if ord.Method != order.Esewa {
			err := fmt.Errorf("order[%s] was not initiated with esewa", ord.ID)
			return weberr.BadRequest(err)
		}

		if !v.Success {
			if _, err := order.MarkFailed(ctx, db, ord.ID); err != nil {
				return fmt.Errorf("failing order[%s]: %w", ord.ID, err)
			}
			err := fmt.Errorf("esewa reported status %q for order[%s]", v.RawStatus, ord.ID)
			return weberr.NewError(err, fmt.Sprintf("payment not completed: provider status is %s", v.RawStatus), http.StatusBadRequest)
		}

		if _, err := order.MarkPaid(ctx, db, ord.ID, order.Esewa, v.ProviderRef); err != nil {
			return fmt.Errorf("marking order[%s] paid: %w", ord.ID, err)
		}

		return respondWithOrder(ctx, w, db, ord.ID)
	}
}

func esewaVerifyError(err error) error {
	switch {
	case errors.Is(err, ErrBadSignature):
		return weberr.NewError(err, "provider signature does not verify", http.StatusBadRequest)
	case errors.Is(err, ErrBadPayload):
		return weberr.BadRequest(err)
	case errors.Is(err, ErrNotConfigured):
		return weberr.InternalError(err)
	}
	return err
}

// HandleKhaltiVerify is the client-return path for Khalti. The order is
// located by the pidx this service stored at initiation; the outcome comes
// from the provider's lookup endpoint, never from the client.
func HandleKhaltiVerify(db *sqlx.DB, khalti *Khalti) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var in struct {
			Pidx string `json:"pidx" validate:"required"`
		}
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(fmt.Errorf("decoding khalti verification request: %w", err))
		}
		if err := validate.Check(in); err != nil {
			return weberr.Unprocessable(err, err.Error())
		}

		ord, err := order.FetchByKhaltiPidx(ctx, db, in.Pidx)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return weberr.NotFound(err)
			}
			return fmt.Errorf("fetching order by pidx[%s]: %w", in.Pidx, err)
		}

		v, err := khalti.Lookup(ctx, in.Pidx)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return weberr.Unavailable(err)
			}
			if errors.Is(err, ErrNotConfigured) {
				return weberr.InternalError(err)
			}
			return fmt.Errorf("looking up khalti payment for order[%s]: %w", ord.ID, err)
		}

		switch v.RawStatus {
		case KhaltiStatusCompleted:
			if _, err := order.MarkPaid(ctx, db, ord.ID, order.Khalti, ""); err != nil {
				return fmt.Errorf("marking order[%s] paid: %w", ord.ID, err)
			}

		case KhaltiStatusPending, KhaltiStatusInitiated:
			// Not settled yet. The order stays pending and the client
			// may verify again later.
			err := fmt.Errorf("khalti payment for order[%s] still %s", ord.ID, v.RawStatus)
			return weberr.Unavailable(err)

		case KhaltiStatusExpired:
			if _, err := order.MarkExpired(ctx, db, ord.ID); err != nil {
				return fmt.Errorf("expiring order[%s]: %w", ord.ID, err)
			}
			err := fmt.Errorf("khalti payment for order[%s] expired", ord.ID)
			return weberr.NewError(err, "payment not completed: the payment session expired", http.StatusBadRequest)

		default:
			if _, err := order.MarkFailed(ctx, db, ord.ID); err != nil {
				return fmt.Errorf("failing order[%s]: %w", ord.ID, err)
			}
			err := fmt.Errorf("khalti reported status %q for order[%s]", v.RawStatus, ord.ID)
			return weberr.NewError(err, fmt.Sprintf("payment not completed: provider status is %s", v.RawStatus), http.StatusBadRequest)
		}

		return respondWithOrder(ctx, w, db, ord.ID)
	}
}

// HandleConnectipsVerify is the client-return path for ConnectIPS. The
// verdict comes from re-signing the transaction and asking the bank, never
// from the client. Only routed when real credentials are configured.
func HandleConnectipsVerify(db *sqlx.DB, cips *Connectips) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var in struct {
			TransactionID string `json:"transactionId" validate:"required,uuid"`
		}
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(fmt.Errorf("decoding connectips verification request: %w", err))
		}
		if err := validate.Check(in); err != nil {
			return weberr.Unprocessable(err, err.Error())
		}

		// The gateway transaction id is the order id.
		ord, err := order.Fetch(ctx, db, in.TransactionID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return weberr.NotFound(err)
			}
			return fmt.Errorf("fetching order[%s]: %w", in.TransactionID, err)
		}
		if ord.Method != order.Connectips {
			err := fmt.Errorf("order[%s] was not initiated with connectips", ord.ID)
			return weberr.BadRequest(err)
		}

		v, err := cips.Verify(ctx, ord)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return weberr.Unavailable(err)
			}
			if errors.Is(err, ErrNotConfigured) {
				return weberr.InternalError(err)
			}
			return fmt.Errorf("verifying connectips payment for order[%s]: %w", ord.ID, err)
		}

		if !v.Success {
			if _, err := order.MarkFailed(ctx, db, ord.ID); err != nil {
				return fmt.Errorf("failing order[%s]: %w", ord.ID, err)
			}
			err := fmt.Errorf("connectips reported status %q for order[%s]", v.RawStatus, ord.ID)
			return weberr.NewError(err, fmt.Sprintf("payment not completed: bank status is %s", v.RawStatus), http.StatusBadRequest)
		}

		if _, err := order.MarkPaid(ctx, db, ord.ID, order.Connectips, ""); err != nil {
			return fmt.Errorf("marking order[%s] paid: %w", ord.ID, err)
		}

		return respondWithOrder(ctx, w, db, ord.ID)
	}
}

// HandleConnectipsDemo drives the simulated gateway outcome. The route is
// registered only while the adapter runs without bank credentials, and the
// handler refuses to act otherwise.
func HandleConnectipsDemo(db *sqlx.DB, cips *Connectips) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		if !cips.Demo() {
			err := errors.New("demo endpoint invoked while bank credentials are configured")
			return weberr.NotFound(err)
		}

		var in struct {
			OrderID string `json:"orderId" validate:"required,uuid"`
			Success bool   `json:"success"`
		}
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(fmt.Errorf("decoding demo request: %w", err))
		}
		if err := validate.Check(in); err != nil {
			return weberr.Unprocessable(err, err.Error())
		}

		ord, err := order.Fetch(ctx, db, in.OrderID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return weberr.NotFound(err)
			}
			return fmt.Errorf("fetching order[%s]: %w", in.OrderID, err)
		}
		if ord.Method != order.Connectips {
			err := fmt.Errorf("order[%s] was not initiated with connectips", ord.ID)
			return weberr.BadRequest(err)
		}

		if in.Success {
			if _, err := order.MarkPaid(ctx, db, ord.ID, order.Connectips, ""); err != nil {
				return fmt.Errorf("marking order[%s] paid: %w", ord.ID, err)
			}
		} else {
			if _, err := order.MarkFailed(ctx, db, ord.ID); err != nil {
				return fmt.Errorf("failing order[%s]: %w", ord.ID, err)
			}
		}

		return respondWithOrder(ctx, w, db, ord.ID)
	}
}

// HandleCardVerify is the client-return path for card payments: the user
// lands on the success URL before the webhook may have arrived, and this
// endpoint reconciles synchronously by asking the provider for the session's
// payment status. It races HandleStripeWebhook for the same order; the
// guarded update commits exactly once whichever path wins.
func HandleCardVerify(db *sqlx.DB, strp *Stripe) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var in struct {
			OrderID string `json:"orderId" validate:"required,uuid"`
		}
		if err := web.Decode(w, r, &in); err != nil {
			return weberr.BadRequest(fmt.Errorf("decoding card verification request: %w", err))
		}
		if err := validate.Check(in); err != nil {
			return weberr.Unprocessable(err, err.Error())
		}

		ord, err := order.Fetch(ctx, db, in.OrderID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return weberr.NotFound(err)
			}
			return fmt.Errorf("fetching order[%s]: %w", in.OrderID, err)
		}
		if ord.Method != order.Card {
			err := fmt.Errorf("order[%s] was not initiated with a card", ord.ID)
			return weberr.BadRequest(err)
		}
		if ord.StripeSessionID == nil {
			err := fmt.Errorf("order[%s] has no checkout session", ord.ID)
			return weberr.BadRequest(err)
		}

		v, err := strp.Verify(ctx, ord)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return weberr.Unavailable(err)
			}
			if errors.Is(err, ErrNotConfigured) {
				return weberr.InternalError(err)
			}
			return fmt.Errorf("verifying card payment for order[%s]: %w", ord.ID, err)
		}

		if !v.Success {
			// Not settled yet on the provider side. The order stays
			// pending; the webhook (or a later verify) finishes the job.
			err := fmt.Errorf("stripe reports payment status %q for order[%s]", v.RawStatus, ord.ID)
			return weberr.Unavailable(err)
		}

		if _, err := order.MarkPaid(ctx, db, ord.ID, order.Card, v.ProviderRef); err != nil {
			return fmt.Errorf("marking order[%s] paid: %w", ord.ID, err)
		}

		return respondWithOrder(ctx, w, db, ord.ID)
	}
}

// HandleStripeWebhook is the asynchronous reconciliation path. The event
// signature is verified against the webhook secret before anything is
// trusted; transitions are conditional on the order still being pending, so
// at-least-once delivery and races with the client-return path are no-ops
// after the first commit.
func HandleStripeWebhook(db *sqlx.DB, cfg config.Stripe) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		b, err := web.RawBody(w, r, cfg.WebhookMaxBytes)
		if err != nil {
			return weberr.BadRequest(err)
		}

		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			return weberr.BadRequest(errors.New("received stripe event is not signed"))
		}

		event, err := webhook.ConstructEvent(b, sig, cfg.WebhookSecret)
		if err != nil {
			return weberr.BadRequest(fmt.Errorf("cannot construct stripe event: %w", err))
		}

		switch event.Type {
		case eventCheckoutCompleted:
			var session stripe.CheckoutSession
			if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
				return weberr.BadRequest(fmt.Errorf("unable to decode stripe event: %w", err))
			}
			if session.Mode != stripe.CheckoutSessionModePayment {
				break
			}

			ord, err := order.FetchByStripeSession(ctx, db, session.ID)
			if err != nil {
				if errors.Is(err, order.ErrNotFound) {
					return weberr.NotFound(err)
				}
				return fmt.Errorf("fetching order by session[%s]: %w", session.ID, err)
			}

			var intentID string
			if session.PaymentIntent != nil {
				intentID = session.PaymentIntent.ID
			}
			if _, err := order.MarkPaid(ctx, db, ord.ID, order.Card, intentID); err != nil {
				return fmt.Errorf("marking order[%s] paid: %w", ord.ID, err)
			}

		case eventCheckoutExpired:
			var session stripe.CheckoutSession
			if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
				return weberr.BadRequest(fmt.Errorf("unable to decode stripe event: %w", err))
			}

			ord, err := order.FetchByStripeSession(ctx, db, session.ID)
			if err != nil {
				if errors.Is(err, order.ErrNotFound) {
					return weberr.NotFound(err)
				}
				return fmt.Errorf("fetching order by session[%s]: %w", session.ID, err)
			}

			if _, err := order.MarkExpired(ctx, db, ord.ID); err != nil {
				return fmt.Errorf("expiring order[%s]: %w", ord.ID, err)
			}

		case eventPaymentFailed:
			var intent stripe.PaymentIntent
			if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
				return weberr.BadRequest(fmt.Errorf("unable to decode stripe event: %w", err))
			}

			// The intent id is only learned when a session completes, so
			// an early failure may have nothing to correlate with.
			// Acknowledge it; redelivery would never succeed.
			ord, err := order.FetchByPaymentIntent(ctx, db, intent.ID)
			if err != nil {
				if errors.Is(err, order.ErrNotFound) {
					break
				}
				return fmt.Errorf("fetching order by intent[%s]: %w", intent.ID, err)
			}

			if _, err := order.MarkFailed(ctx, db, ord.ID); err != nil {
				return fmt.Errorf("failing order[%s]: %w", ord.ID, err)
			}
		}

		return web.Respond(ctx, w, map[string]bool{"received": true}, http.StatusOK)
	}
}

func respondWithOrder(ctx context.Context, w http.ResponseWriter, db *sqlx.DB, orderID string) error {
	ord, err := order.Fetch(ctx, db, orderID)
	if err != nil {
		return fmt.Errorf("fetching updated order[%s]: %w", orderID, err)
	}

	items, err := order.FetchItems(ctx, db, orderID)
	if err != nil {
		return fmt.Errorf("fetching items of order[%s]: %w", orderID, err)
	}
	ord.Items = items

	return web.Respond(ctx, w, ord, http.StatusOK)
}
