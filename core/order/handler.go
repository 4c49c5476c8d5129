package order

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/pasalhq/pasal/api/web"
	"github.com/pasalhq/pasal/api/weberr"
	"github.com/pasalhq/pasal/validate"
)

// HandleShow returns a single order with its items and whichever provider
// correlation field its payment populated.
func HandleShow(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.NewError(err, err.Error(), http.StatusBadRequest)
		}

		ord, err := Fetch(ctx, db, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return weberr.NotFound(err)
			}
			return fmt.Errorf("fetching order[%s]: %w", id, err)
		}

		items, err := FetchItems(ctx, db, id)
		if err != nil {
			return fmt.Errorf("fetching items of order[%s]: %w", id, err)
		}
		ord.Items = items

		return web.Respond(ctx, w, ord, http.StatusOK)
	}
}

// HandleList returns the order history for a user, filtered by userId or
// email. Failed and expired orders stay listed with their terminal status.
func HandleList(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		userID := web.Query(r, "userId")
		email := web.Query(r, "email")

		var (
			orders []Order
			err    error
		)
		switch {
		case userID != "":
			orders, err = FetchByUserID(ctx, db, userID)
		case email != "":
			if err := validate.CheckEmail(email); err != nil {
				return weberr.NewError(err, err.Error(), http.StatusBadRequest)
			}
			orders, err = FetchByEmail(ctx, db, email)
		default:
			err := errors.New("either the userId or the email filter is required")
			return weberr.NewError(err, err.Error(), http.StatusBadRequest)
		}
		if err != nil {
			return fmt.Errorf("listing orders: %w", err)
		}

		return web.Respond(ctx, w, orders, http.StatusOK)
	}
}
