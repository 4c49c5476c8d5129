package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/order"
	"github.com/pasalhq/pasal/validate"
)

// EsewaStatusComplete is the only callback status accepted as a successful
// payment; anything else fails the order.
const EsewaStatusComplete = "COMPLETE"

// esewaSignedFields is the canonical field list signed on the outgoing form,
// in the exact order the provider expects.
const esewaSignedFields = "total_amount,transaction_uuid,product_code"

// Esewa implements the provider's HMAC-signed form POST protocol: the
// checkout is an auto-submitting form whose signature covers the amount, the
// transaction uuid (our order id) and the merchant product code.
type Esewa struct {
	cfg config.Esewa
}

func NewEsewa(cfg config.Esewa) *Esewa {
	return &Esewa{cfg: cfg}
}

func (e *Esewa) Method() order.Method { return order.Esewa }

func (e *Esewa) Initiate(ctx context.Context, ord order.Order, items []order.Item) (RedirectTarget, error) {
	if e.cfg.Secret == "" {
		return RedirectTarget{}, fmt.Errorf("esewa secret missing: %w", ErrNotConfigured)
	}

	// eSewa prices in major units (rupees); the internal amount is paisa.
	amt := majorUnits(ord.Amount)

	msg := fmt.Sprintf("total_amount=%s,transaction_uuid=%s,product_code=%s", amt, ord.ID, e.cfg.ProductCode)

	fields := map[string]string{
		"amount":                  amt,
		"tax_amount":              "0",
		"total_amount":            amt,
		"transaction_uuid":        ord.ID,
		"product_code":            e.cfg.ProductCode,
		"product_service_charge":  "0",
		"product_delivery_charge": "0",
		"success_url":             e.cfg.SuccessURL,
		"failure_url":             e.cfg.FailureURL,
		"signed_field_names":      esewaSignedFields,
		"signature":               e.sign(msg),
	}

	return RedirectTarget{
		URL:    e.cfg.FormURL,
		Method: http.MethodPost,
		Fields: fields,
	}, nil
}

// EsewaCallback is the provider-signed payload the client is redirected back
// with, base64 encoded in the `data` parameter.
type EsewaCallback struct {
	TransactionCode  string `json:"transaction_code"`
	Status           string `json:"status" validate:"required"`
	TotalAmount      string `json:"total_amount"`
	TransactionUUID  string `json:"transaction_uuid" validate:"required,uuid"`
	ProductCode      string `json:"product_code" validate:"required"`
	SignedFieldNames string `json:"signed_field_names" validate:"required"`
	Signature        string `json:"signature" validate:"required"`
}

// Verify decodes the callback, recomputes the HMAC over the fields the
// provider claims to have signed, and normalizes the outcome. The order id
// (transaction uuid) is only trusted because the signature covers it.
func (e *Esewa) Verify(data string) (EsewaCallback, Verification, error) {
	if e.cfg.Secret == "" {
		return EsewaCallback{}, Verification{}, fmt.Errorf("esewa secret missing: %w", ErrNotConfigured)
	}

	raw, err := decodeBase64(data)
	if err != nil {
		return EsewaCallback{}, Verification{}, fmt.Errorf("%w: %s", ErrBadPayload, err)
	}

	var cb EsewaCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return EsewaCallback{}, Verification{}, fmt.Errorf("%w: %s", ErrBadPayload, err)
	}
	if err := validate.Check(cb); err != nil {
		return EsewaCallback{}, Verification{}, fmt.Errorf("%w: %s", ErrBadPayload, err)
	}

	// The callback names the fields its signature covers; rebuild that
	// exact message from the raw payload. Values stay in the exact textual
	// form the provider encoded them in, only strings are unquoted, so a
	// numeric field cannot be reformatted into a signature mismatch.
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return EsewaCallback{}, Verification{}, fmt.Errorf("%w: %s", ErrBadPayload, err)
	}

	names := strings.Split(cb.SignedFieldNames, ",")
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v, ok := generic[name]
		if !ok {
			return EsewaCallback{}, Verification{}, fmt.Errorf("%w: signed field %q missing", ErrBadPayload, name)
		}

		val := string(v)
		if len(v) > 0 && v[0] == '"' {
			if err := json.Unmarshal(v, &val); err != nil {
				return EsewaCallback{}, Verification{}, fmt.Errorf("%w: signed field %q: %s", ErrBadPayload, name, err)
			}
		}
		parts = append(parts, name+"="+val)
	}

	want := e.sign(strings.Join(parts, ","))
	if !hmac.Equal([]byte(want), []byte(cb.Signature)) {
		return EsewaCallback{}, Verification{}, ErrBadSignature
	}

	v := Verification{
		Success:     cb.Status == EsewaStatusComplete,
		ProviderRef: cb.TransactionCode,
		RawStatus:   cb.Status,
	}
	return cb, v, nil
}

func (e *Esewa) sign(msg string) string {
	mac := hmac.New(sha256.New, []byte(e.cfg.Secret))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func decodeBase64(data string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(data)
}

// majorUnits renders a minor-unit amount as rupees, with paisa only when
// they are non-zero.
func majorUnits(minor int64) string {
	if minor%100 == 0 {
		return strconv.FormatInt(minor/100, 10)
	}
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
