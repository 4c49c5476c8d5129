package order

import (
	"fmt"
	"time"
)

type Status string

const (
	Pending Status = "pending"
	Paid    Status = "paid"
	Failed  Status = "failed"
	Expired Status = "expired"
)

// Terminal reports whether no further transition is allowed out of s.
// Refunds are out of scope, so paid is terminal too.
func (s Status) Terminal() bool {
	return s == Paid || s == Failed || s == Expired
}

// ValidNext reports whether the from->to transition is allowed. The only
// legal moves are out of pending; everything terminal stays where it is.
func ValidNext(from, to Status) bool {
	if from != Pending {
		return false
	}
	return to == Paid || to == Failed || to == Expired
}

type Method string

const (
	Card       Method = "card"
	Esewa      Method = "esewa"
	Khalti     Method = "khalti"
	Connectips Method = "connectips"
)

func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case Card, Esewa, Khalti, Connectips:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

type Order struct {
	ID       string `json:"id" db:"order_id"`
	UserID   string `json:"userId" db:"user_id"`
	Email    string `json:"email" db:"email"`
	Amount   int64  `json:"amount" db:"amount"`
	Currency string `json:"currency" db:"currency"`
	Status   Status `json:"status" db:"status"`
	Method   Method `json:"paymentMethod" db:"payment_method"`

	// Provider correlation. At most one of these is populated, matching
	// Method, once payment has been initiated.
	StripeSessionID       *string `json:"stripeCheckoutSession,omitempty" db:"stripe_session_id"`
	StripePaymentIntentID *string `json:"stripePaymentIntentId,omitempty" db:"stripe_payment_intent_id"`
	EsewaRefID            *string `json:"esewaRefId,omitempty" db:"esewa_ref_id"`
	KhaltiPidx            *string `json:"khaltiToken,omitempty" db:"khalti_pidx"`
	ConnectipsTxnID       *string `json:"connectipsTransId,omitempty" db:"connectips_txn_id"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	Items []Item `json:"items,omitempty" db:"-"`
}

type Item struct {
	OrderID   string    `json:"orderId" db:"order_id"`
	Name      string    `json:"name" db:"name"`
	Price     int64     `json:"price" db:"price"`
	Quantity  int       `json:"quantity" db:"quantity"`
	Image     *string   `json:"image,omitempty" db:"image"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
