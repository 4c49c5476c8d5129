// Package checkout is the orchestrator: it validates a cart, prices it,
// creates the order with its items as one unit, and hands off to the
// selected payment adapter.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pasalhq/pasal/api/web"
	"github.com/pasalhq/pasal/api/weberr"
	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/order"
	"github.com/pasalhq/pasal/core/payment"
	"github.com/pasalhq/pasal/database"
	"github.com/pasalhq/pasal/validate"
)

// MinAmount is the floor for a payable order, in minor units.
const MinAmount = 1

type ItemNew struct {
	Name     string  `json:"name" validate:"required"`
	Price    int64   `json:"price" validate:"required,gt=0"`
	Quantity int     `json:"quantity" validate:"required,gt=0"`
	Image    *string `json:"image"`
}

type UserRef struct {
	ID    string `json:"id" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

// CartNew is the checkout request. Identity comes from the authentication
// collaborator; item prices are minor units (paisa/cents).
type CartNew struct {
	Items         []ItemNew `json:"items" validate:"required,min=1,dive"`
	User          UserRef   `json:"user"`
	PaymentMethod string    `json:"paymentMethod"`
}

// Confirmation tells the client where to go next. Form-POST providers get
// the auto-submit field set alongside the URL.
type Confirmation struct {
	OrderID       string            `json:"orderId"`
	PaymentMethod order.Method      `json:"paymentMethod"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	FormFields    map[string]string `json:"formFields,omitempty"`
}

// Total prices the cart in minor units.
func Total(items []ItemNew) int64 {
	var tot int64
	for _, it := range items {
		tot += it.Price * int64(it.Quantity)
	}
	return tot
}

func HandleCheckout(db *sqlx.DB, reg payment.Registry, cfg config.Checkout) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		var cart CartNew
		if err := web.Decode(w, r, &cart); err != nil {
			return weberr.BadRequest(fmt.Errorf("decoding checkout request: %w", err))
		}
		if err := validate.Check(cart); err != nil {
			return weberr.Unprocessable(err, err.Error())
		}

		if cart.PaymentMethod == "" {
			cart.PaymentMethod = string(order.Card)
		}
		method, err := order.ParseMethod(cart.PaymentMethod)
		if err != nil {
			return weberr.NewError(err, err.Error(), http.StatusBadRequest)
		}

		prov, err := reg.Lookup(method)
		if err != nil {
			return weberr.NewError(err, err.Error(), http.StatusBadRequest)
		}

		amount := Total(cart.Items)
		if amount < MinAmount {
			err := fmt.Errorf("cart total %d is below the payable minimum", amount)
			return weberr.NewError(err, err.Error(), http.StatusBadRequest)
		}

		now := time.Now().UTC()
		ord := order.Order{
			ID:        validate.GenerateID(),
			UserID:    cart.User.ID,
			Email:     cart.User.Email,
			Amount:    amount,
			Currency:  cfg.Currency,
			Status:    order.Pending,
			Method:    method,
			CreatedAt: now,
			UpdatedAt: now,
		}

		items := make([]order.Item, 0, len(cart.Items))
		for _, it := range cart.Items {
			items = append(items, order.Item{
				OrderID:   ord.ID,
				Name:      it.Name,
				Price:     it.Price,
				Quantity:  it.Quantity,
				Image:     it.Image,
				CreatedAt: now,
			})
		}

		// The order and its items are one unit: either everything is
		// recorded or nothing is.
		err = database.Transaction(db, func(tx sqlx.ExtContext) error {
			if err := order.Create(ctx, tx, ord); err != nil {
				return fmt.Errorf("creating order: %w", err)
			}
			for _, it := range items {
				if err := order.CreateItem(ctx, tx, it); err != nil {
					return fmt.Errorf("creating item: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("creating the order for user[%s]: %w", cart.User.ID, err)
		}

		rt, err := prov.Initiate(ctx, ord, items)
		if err != nil {
			// A timeout or unreachable provider is retryable: the order
			// stays pending and the client may check out again later.
			if errors.Is(err, payment.ErrUnavailable) {
				return weberr.Unavailable(err)
			}

			// Definitive initiation errors compensate so the order is not
			// silently stranded: it is failed, and stays visible in the
			// user's history.
			if _, ferr := order.MarkFailed(ctx, db, ord.ID); ferr != nil {
				return fmt.Errorf("failing order[%s] after initiation error: %v (original error: %w)", ord.ID, ferr, err)
			}

			if errors.Is(err, payment.ErrNotConfigured) {
				return weberr.InternalError(err)
			}
			return fmt.Errorf("initiating %s payment for order[%s]: %w", method, ord.ID, err)
		}

		if rt.ProviderRef != "" {
			if err := order.SetInitRef(ctx, db, ord.ID, method, rt.ProviderRef); err != nil {
				return fmt.Errorf("storing provider reference on order[%s]: %w", ord.ID, err)
			}
		}

		conf := Confirmation{
			OrderID:       ord.ID,
			PaymentMethod: method,
			URL:           rt.URL,
			Method:        rt.Method,
			FormFields:    rt.Fields,
		}
		return web.Respond(ctx, w, conf, http.StatusCreated)
	}
}
