package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("order not found")

// initRefColumns maps a payment method to the correlation column written at
// initiation time; verification-time references use refColumns below.
var initRefColumns = map[Method]string{
	Card:       "stripe_session_id",
	Khalti:     "khalti_pidx",
	Connectips: "connectips_txn_id",
}

var refColumns = map[Method]string{
	Card:  "stripe_payment_intent_id",
	Esewa: "esewa_ref_id",
}

func Create(ctx context.Context, tx sqlx.ExtContext, ord Order) error {
	const q = `
	INSERT INTO orders
		(order_id, user_id, email, amount, currency, status, payment_method, created_at, updated_at)
	VALUES
		(:order_id, :user_id, :email, :amount, :currency, :status, :payment_method, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, tx, q, ord); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

func CreateItem(ctx context.Context, tx sqlx.ExtContext, it Item) error {
	const q = `
	INSERT INTO order_items
		(order_id, name, price, quantity, image, created_at)
	VALUES
		(:order_id, :name, :price, :quantity, :image, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, tx, q, it); err != nil {
		return fmt.Errorf("inserting order item: %w", err)
	}
	return nil
}

func Fetch(ctx context.Context, db sqlx.ExtContext, id string) (Order, error) {
	const q = `SELECT * FROM orders WHERE order_id = $1`
	return fetchOne(ctx, db, q, id)
}

// FetchByStripeSession correlates a Stripe webhook event back to its order.
func FetchByStripeSession(ctx context.Context, db sqlx.ExtContext, sessionID string) (Order, error) {
	const q = `SELECT * FROM orders WHERE stripe_session_id = $1`
	return fetchOne(ctx, db, q, sessionID)
}

func FetchByPaymentIntent(ctx context.Context, db sqlx.ExtContext, intentID string) (Order, error) {
	const q = `SELECT * FROM orders WHERE stripe_payment_intent_id = $1`
	return fetchOne(ctx, db, q, intentID)
}

// FetchByKhaltiPidx locates an order by the pidx this service stored at
// initiation. The client-supplied pidx is never used as an order id.
func FetchByKhaltiPidx(ctx context.Context, db sqlx.ExtContext, pidx string) (Order, error) {
	const q = `SELECT * FROM orders WHERE khalti_pidx = $1`
	return fetchOne(ctx, db, q, pidx)
}

func fetchOne(ctx context.Context, db sqlx.ExtContext, q string, arg string) (Order, error) {
	var ord Order
	if err := sqlx.GetContext(ctx, db, &ord, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("fetching order: %w", err)
	}
	return ord, nil
}

func FetchItems(ctx context.Context, db sqlx.ExtContext, orderID string) ([]Item, error) {
	const q = `SELECT * FROM order_items WHERE order_id = $1 ORDER BY name`

	items := []Item{}
	if err := sqlx.SelectContext(ctx, db, &items, q, orderID); err != nil {
		return nil, fmt.Errorf("fetching order items: %w", err)
	}
	return items, nil
}

func FetchByUserID(ctx context.Context, db sqlx.ExtContext, userID string) ([]Order, error) {
	const q = `SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC`
	return fetchMany(ctx, db, q, userID)
}

func FetchByEmail(ctx context.Context, db sqlx.ExtContext, email string) ([]Order, error) {
	const q = `SELECT * FROM orders WHERE email = $1 ORDER BY created_at DESC`
	return fetchMany(ctx, db, q, email)
}

func fetchMany(ctx context.Context, db sqlx.ExtContext, q string, arg string) ([]Order, error) {
	orders := []Order{}
	if err := sqlx.SelectContext(ctx, db, &orders, q, arg); err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return orders, nil
}

// SetInitRef records the correlation id a provider handed out at initiation
// (Stripe session id, Khalti pidx, ConnectIPS reference id).
func SetInitRef(ctx context.Context, db sqlx.ExtContext, orderID string, m Method, ref string) error {
	col, ok := initRefColumns[m]
	if !ok {
		return fmt.Errorf("method %q has no initiation reference", m)
	}

	q := fmt.Sprintf(`UPDATE orders SET %s = $1, updated_at = $2 WHERE order_id = $3`, col)
	if _, err := db.ExecContext(ctx, q, ref, time.Now().UTC(), orderID); err != nil {
		return fmt.Errorf("storing %s: %w", col, err)
	}
	return nil
}

// MarkPaid commits the pending->paid transition. The update is conditional
// on the order still being pending, so racing reconciliation paths commit at
// most once; the boolean reports whether this caller won. A non-empty ref is
// stored in the method's verification correlation column.
func MarkPaid(ctx context.Context, db sqlx.ExtContext, orderID string, m Method, ref string) (bool, error) {
	now := time.Now().UTC()

	col, hasCol := refColumns[m]
	if hasCol && ref != "" {
		q := fmt.Sprintf(`
		UPDATE orders SET status = $1, %s = $2, updated_at = $3
		WHERE order_id = $4 AND status = $5`, col)

		res, err := db.ExecContext(ctx, q, Paid, ref, now, orderID, Pending)
		if err != nil {
			return false, fmt.Errorf("marking order paid: %w", err)
		}
		return committed(res)
	}

	const q = `
	UPDATE orders SET status = $1, updated_at = $2
	WHERE order_id = $3 AND status = $4`

	res, err := db.ExecContext(ctx, q, Paid, now, orderID, Pending)
	if err != nil {
		return false, fmt.Errorf("marking order paid: %w", err)
	}
	return committed(res)
}

func MarkFailed(ctx context.Context, db sqlx.ExtContext, orderID string) (bool, error) {
	return markStatus(ctx, db, orderID, Failed)
}

func MarkExpired(ctx context.Context, db sqlx.ExtContext, orderID string) (bool, error) {
	return markStatus(ctx, db, orderID, Expired)
}

func markStatus(ctx context.Context, db sqlx.ExtContext, orderID string, to Status) (bool, error) {
	if !ValidNext(Pending, to) {
		return false, fmt.Errorf("status %q is not a valid successor of %q", to, Pending)
	}

	const q = `
	UPDATE orders SET status = $1, updated_at = $2
	WHERE order_id = $3 AND status = $4`

	res, err := db.ExecContext(ctx, q, to, time.Now().UTC(), orderID, Pending)
	if err != nil {
		return false, fmt.Errorf("marking order %s: %w", to, err)
	}
	return committed(res)
}

func committed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}
