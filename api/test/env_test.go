package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/ory/dockertest/v3"
	"github.com/pasalhq/pasal/api"
	"github.com/pasalhq/pasal/api/web"
	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/checkout"
	"github.com/pasalhq/pasal/core/order"
	"github.com/pasalhq/pasal/core/payment"
	"github.com/pasalhq/pasal/database"
	"github.com/pasalhq/pasal/rate"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
	stripecl "github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
	mock "github.com/stripe/stripe-mock/param"
)

const (
	testStripeKey     = "sk_test_gateway"
	testWebhookSecret = "whsec_test_gateway"
	testEsewaSecret   = "8gBm/:&EnhH.1/q"
	testKhaltiSecret  = "test-khalti-secret"
)

// TestEnv is a full gateway instance: a throwaway Postgres container with
// the schema migrated, mock provider backends, and the API served over
// httptest.
type TestEnv struct {
	URL string
	DB  *sqlx.DB

	Stripe *mockStripe
	Khalti *mockKhalti

	WebhookSecret string
	EsewaSecret   string
}

func NewTestEnv(t *testing.T, name string) (*TestEnv, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}

	res, err := pool.Run("postgres", "15-alpine", []string{
		"POSTGRES_PASSWORD=postgres",
		"POSTGRES_DB=" + name,
	})
	if err != nil {
		return nil, fmt.Errorf("starting postgres container: %w", err)
	}
	res.Expire(600)

	var db *sqlx.DB
	err = pool.Retry(func() error {
		var err error
		db, err = database.Open(config.DB{
			User:       "postgres",
			Password:   "postgres",
			Host:       "localhost:" + res.GetPort("5432/tcp"),
			Name:       name,
			DisableTLS: true,
		})
		if err != nil {
			return err
		}
		return db.Ping()
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	t.Cleanup(func() {
		db.Close()
		pool.Purge(res)
	})

	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrating the schema: %w", err)
	}

	ms := &mockStripe{paymentStatus: "paid"}
	stripeSrv := httptest.NewServer(ms.handle())
	t.Cleanup(stripeSrv.Close)

	mk := &mockKhalti{status: payment.KhaltiStatusCompleted}
	khaltiSrv := httptest.NewServer(mk.handle())
	t.Cleanup(khaltiSrv.Close)

	stripeCfg := config.Stripe{
		APISecret:       testStripeKey,
		WebhookSecret:   testWebhookSecret,
		SuccessURL:      "http://localhost:3000/payments/success",
		CancelURL:       "http://localhost:3000/payments/cancel",
		WebhookMaxBytes: 1048576,
	}

	strp := &stripecl.API{}
	strp.Init(testStripeKey, &stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL: stripe.String(stripeSrv.URL),
		}),
	})

	esewaCfg := config.Esewa{
		Secret:      testEsewaSecret,
		ProductCode: "EPAYTEST",
		FormURL:     "https://rc-epay.esewa.com.np/api/epay/main/v2/form",
		SuccessURL:  "http://localhost:3000/payments/esewa/return",
		FailureURL:  "http://localhost:3000/payments/esewa/failure",
	}

	khaltiCfg := config.Khalti{
		Secret:     testKhaltiSecret,
		BaseURL:    khaltiSrv.URL,
		ReturnURL:  "http://localhost:3000/payments/khalti/return",
		WebsiteURL: "http://localhost:3000",
		Timeout:    5 * time.Second,
	}

	cips, err := payment.NewConnectips(config.Connectips{}, http.DefaultClient)
	if err != nil {
		return nil, fmt.Errorf("building connectips adapter: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := api.APIMux(api.APIConfig{
		Log:     logger,
		DB:      db,
		Limiter: rate.NewLimiter(1000, 10, 1000),
		CheckoutCfg: config.Checkout{
			Currency:      "npr",
			RatePerSecond: 1000,
			RateBurst:     1000,
			RateExpiryMin: 10,
		},
		StripeCfg:  stripeCfg,
		Stripe:     payment.NewStripe(strp, stripeCfg),
		Esewa:      payment.NewEsewa(esewaCfg),
		Khalti:     payment.NewKhalti(khaltiCfg, khaltiSrv.Client()),
		Connectips: cips,
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &TestEnv{
		URL:           srv.URL,
		DB:            db,
		Stripe:        ms,
		Khalti:        mk,
		WebhookSecret: testWebhookSecret,
		EsewaSecret:   testEsewaSecret,
	}, nil
}

// postJSON sends a JSON body and returns the response; the caller owns the
// body.
func (env *TestEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	w, err := http.Post(env.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return w
}

// checkoutOK runs a checkout expected to succeed and returns the
// confirmation.
func (env *TestEnv) checkoutOK(t *testing.T, cart checkout.CartNew) checkout.Confirmation {
	t.Helper()

	w := env.postJSON(t, "/checkout", cart)
	defer w.Body.Close()

	if w.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(w.Body)
		t.Fatalf("checkout failed: status %s: %s", w.Status, b)
	}

	var conf checkout.Confirmation
	if err := json.NewDecoder(w.Body).Decode(&conf); err != nil {
		t.Fatalf("decoding checkout confirmation: %v", err)
	}
	return conf
}

// getOrder fetches an order through the API.
func (env *TestEnv) getOrder(t *testing.T, id string) order.Order {
	t.Helper()

	w, err := http.Get(env.URL + "/orders/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Body.Close()

	if w.StatusCode != http.StatusOK {
		t.Fatalf("fetching order %s: status %s", id, w.Status)
	}

	var ord order.Order
	if err := json.NewDecoder(w.Body).Decode(&ord); err != nil {
		t.Fatalf("decoding order: %v", err)
	}
	return ord
}

// signedStripeEvent marshals a provider event and signs it the way the real
// provider would.
func (env *TestEnv) signedStripeEvent(t *testing.T, eventType string, obj any) ([]byte, string) {
	t.Helper()

	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatal(err)
	}

	evt := stripe.Event{
		APIVersion: "2022-11-15",
		Type:       eventType,
		Data: &stripe.EventData{
			Raw: json.RawMessage(raw),
		},
	}

	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   b,
		Secret:    env.WebhookSecret,
		Timestamp: time.Now(),
	})
	return b, signed.Header
}

// postWebhook delivers a raw event body with the given signature header and
// returns the status code.
func (env *TestEnv) postWebhook(t *testing.T, body []byte, sig string) int {
	t.Helper()

	r, err := http.NewRequest(http.MethodPost, env.URL+"/payments/stripe/webhook", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	r.Header.Set("Stripe-Signature", sig)

	w, err := http.DefaultClient.Do(r)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Body.Close()
	io.Copy(io.Discard, w.Body)

	return w.StatusCode
}

type mockStripe struct {
	expectedTotal int64

	// paymentStatus is what session retrieval reports for any session,
	// driving the client-return verification path.
	paymentStatus string
}

func (m *mockStripe) handle() http.Handler {
	create := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, _ := mock.ParseParams(r)
		lines, ok := params["line_items"].(map[string]any)
		if !ok {
			web.Respond(context.Background(), w, nil, 400)
			return
		}

		var tot int64
		for _, li := range lines {
			it := li.(map[string]any)

			qty, err := strconv.ParseInt(it["quantity"].(string), 10, 64)
			if err != nil {
				web.Respond(context.Background(), w, nil, 400)
				return
			}

			pd := it["price_data"].(map[string]any)
			amount, err := strconv.ParseInt(pd["unit_amount"].(string), 10, 64)
			if err != nil {
				web.Respond(context.Background(), w, nil, 400)
				return
			}

			tot += amount * qty
		}

		if m.expectedTotal != 0 && tot != m.expectedTotal {
			web.Respond(context.Background(), w, nil, 400)
			return
		}

		id := fmt.Sprintf("cs_test_%d", rand.Intn(100000))
		sess := map[string]any{
			"id":     id,
			"object": "checkout.session",
			"url":    "https://checkout.stripe.test/pay/" + id,
		}
		web.Respond(context.Background(), w, sess, 200)
	})

	retrieve := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		sess := map[string]any{
			"id":             id,
			"object":         "checkout.session",
			"mode":           "payment",
			"payment_status": m.paymentStatus,
			"payment_intent": "pi_" + id,
		}
		web.Respond(context.Background(), w, sess, 200)
	})

	r := mux.NewRouter()
	r.Handle("/v1/checkout/sessions", create).Methods("POST")
	r.Handle("/v1/checkout/sessions/{id}", retrieve).Methods("GET")
	return r
}

type mockKhalti struct {
	status        string
	transactionID string

	// down simulates an unreachable provider by aborting the connection,
	// which the adapter reports as retryable unavailability.
	down bool
}

func (m *mockKhalti) handle() http.Handler {
	initiate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.down {
			panic(http.ErrAbortHandler)
		}
		if r.Header.Get("Authorization") != "Key "+testKhaltiSecret {
			web.Respond(context.Background(), w, nil, 401)
			return
		}

		var in struct {
			PurchaseOrderID string `json:"purchase_order_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			web.Respond(context.Background(), w, nil, 400)
			return
		}

		out := map[string]any{
			"pidx":        "pidx-" + in.PurchaseOrderID,
			"payment_url": "https://test-pay.khalti.com/?pidx=pidx-" + in.PurchaseOrderID,
			"expires_at":  time.Now().UTC().Add(30 * time.Minute).Format(time.RFC3339),
		}
		web.Respond(context.Background(), w, out, 200)
	})

	lookup := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Pidx string `json:"pidx"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			web.Respond(context.Background(), w, nil, 400)
			return
		}

		out := map[string]any{
			"pidx":           in.Pidx,
			"status":         m.status,
			"transaction_id": m.transactionID,
		}
		web.Respond(context.Background(), w, out, 200)
	})

	r := mux.NewRouter()
	r.Handle("/epayment/initiate/", initiate).Methods("POST")
	r.Handle("/epayment/lookup/", lookup).Methods("POST")
	return r
}
