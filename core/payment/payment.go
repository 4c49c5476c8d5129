// Package payment holds one adapter per external payment provider. Each
// adapter translates the generic checkout contract into the provider's
// protocol at initiation time and confirms the outcome at verification time.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/pasalhq/pasal/core/order"
)

var (
	// ErrNotConfigured means a server-side secret or key is missing. This
	// is an operator problem, never something a client can retry around.
	ErrNotConfigured = errors.New("payment provider is not configured")

	// ErrUnavailable means the provider could not be reached or timed out.
	// The order stays pending and the call may be retried.
	ErrUnavailable = errors.New("payment provider unavailable")

	// ErrBadPayload means a provider callback payload did not match the
	// expected shape.
	ErrBadPayload = errors.New("malformed provider payload")

	// ErrBadSignature means a provider callback carried a signature that
	// does not verify. Hard rejection, no order mutation.
	ErrBadSignature = errors.New("invalid provider signature")
)

// RedirectTarget is where the client must navigate to complete a payment.
// Form-POST providers carry the auto-submit field set in Fields; ProviderRef
// is the correlation id the provider issued at initiation, persisted on the
// order by the orchestrator.
type RedirectTarget struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Fields      map[string]string `json:"formFields,omitempty"`
	ProviderRef string            `json:"-"`
}

// Verification is the normalized outcome of confirming a payment with its
// provider.
type Verification struct {
	Success     bool
	ProviderRef string
	RawStatus   string
}

type Provider interface {
	Method() order.Method
	Initiate(ctx context.Context, ord order.Order, items []order.Item) (RedirectTarget, error)
}

// Registry maps a payment method to its adapter.
type Registry map[order.Method]Provider

func NewRegistry(provs ...Provider) Registry {
	reg := make(Registry, len(provs))
	for _, p := range provs {
		reg[p.Method()] = p
	}
	return reg
}

func (r Registry) Lookup(m order.Method) (Provider, error) {
	p, ok := r[m]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for payment method %q", m)
	}
	return p, nil
}
