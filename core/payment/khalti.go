package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/order"
	"github.com/pasalhq/pasal/validate"
)

// Khalti lookup statuses. Only Completed confirms a payment; Pending and
// Initiated mean the provider has not settled yet and the order must stay
// pending.
const (
	KhaltiStatusCompleted = "Completed"
	KhaltiStatusPending   = "Pending"
	KhaltiStatusInitiated = "Initiated"
	KhaltiStatusExpired   = "Expired"
)

// Khalti implements the provider's token/lookup protocol: initiation returns
// a pidx and a hosted payment URL, verification asks the provider for the
// authoritative status of that pidx.
type Khalti struct {
	cfg    config.Khalti
	client *http.Client
}

// NewKhalti builds the adapter around an injected HTTP client; the caller
// owns the client's timeout.
func NewKhalti(cfg config.Khalti, client *http.Client) *Khalti {
	return &Khalti{cfg: cfg, client: client}
}

func (k *Khalti) Method() order.Method { return order.Khalti }

type khaltiInitiateRequest struct {
	ReturnURL         string             `json:"return_url"`
	WebsiteURL        string             `json:"website_url"`
	Amount            int64              `json:"amount"`
	PurchaseOrderID   string             `json:"purchase_order_id"`
	PurchaseOrderName string             `json:"purchase_order_name"`
	CustomerInfo      khaltiCustomerInfo `json:"customer_info"`
}

type khaltiCustomerInfo struct {
	Email string `json:"email"`
}

type khaltiInitiateResponse struct {
	Pidx       string `json:"pidx" validate:"required"`
	PaymentURL string `json:"payment_url" validate:"required"`
	ExpiresAt  string `json:"expires_at"`
}

func (k *Khalti) Initiate(ctx context.Context, ord order.Order, items []order.Item) (RedirectTarget, error) {
	if k.cfg.Secret == "" {
		return RedirectTarget{}, fmt.Errorf("khalti secret missing: %w", ErrNotConfigured)
	}

	in := khaltiInitiateRequest{
		ReturnURL:         k.cfg.ReturnURL,
		WebsiteURL:        k.cfg.WebsiteURL,
		Amount:            ord.Amount,
		PurchaseOrderID:   ord.ID,
		PurchaseOrderName: "order-" + ord.ID,
		CustomerInfo:      khaltiCustomerInfo{Email: ord.Email},
	}

	var out khaltiInitiateResponse
	if err := k.post(ctx, "/epayment/initiate/", in, &out); err != nil {
		return RedirectTarget{}, fmt.Errorf("initiating khalti payment: %w", err)
	}
	if err := validate.Check(out); err != nil {
		return RedirectTarget{}, fmt.Errorf("unexpected khalti initiate response: %w", err)
	}

	return RedirectTarget{
		URL:         out.PaymentURL,
		Method:      http.MethodGet,
		ProviderRef: out.Pidx,
	}, nil
}

type khaltiLookupRequest struct {
	Pidx string `json:"pidx"`
}

type khaltiLookupResponse struct {
	Pidx          string `json:"pidx"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status" validate:"required"`
	TransactionID string `json:"transaction_id"`
}

// Lookup asks the provider for the authoritative status of a payment. The
// caller maps the raw status onto an order transition.
func (k *Khalti) Lookup(ctx context.Context, pidx string) (Verification, error) {
	if k.cfg.Secret == "" {
		return Verification{}, fmt.Errorf("khalti secret missing: %w", ErrNotConfigured)
	}

	var out khaltiLookupResponse
	if err := k.post(ctx, "/epayment/lookup/", khaltiLookupRequest{Pidx: pidx}, &out); err != nil {
		return Verification{}, fmt.Errorf("looking up khalti payment[%s]: %w", pidx, err)
	}
	if err := validate.Check(out); err != nil {
		return Verification{}, fmt.Errorf("unexpected khalti lookup response: %w", err)
	}

	return Verification{
		Success:     out.Status == KhaltiStatusCompleted,
		ProviderRef: out.TransactionID,
		RawStatus:   out.Status,
	}, nil
}

func (k *Khalti) post(ctx context.Context, path string, in interface{}, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+k.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable; the order is
		// left pending, never failed, on this path.
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, b)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
