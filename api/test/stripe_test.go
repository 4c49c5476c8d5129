package test

import (
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/pasalhq/pasal/core/checkout"
	"github.com/pasalhq/pasal/core/order"
	"github.com/stripe/stripe-go/v74"
)

func (env *TestEnv) cardOrder(t *testing.T, cart checkout.CartNew) order.Order {
	t.Helper()

	env.Stripe.expectedTotal = checkout.Total(cart.Items)
	conf := env.checkoutOK(t, cart)

	ord := env.getOrder(t, conf.OrderID)
	if ord.Status != order.Pending {
		t.Fatalf("a fresh order must be pending, got %q", ord.Status)
	}
	if ord.StripeSessionID == nil || *ord.StripeSessionID == "" {
		t.Fatal("expected the checkout session id to be recorded at initiation")
	}
	return ord
}

func completedSession(sessionID, intentID string) map[string]any {
	return map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"mode":           stripe.CheckoutSessionModePayment,
		"payment_intent": intentID,
	}
}

func TestStripeReconciliation(t *testing.T) {
	env, err := NewTestEnv(t, "stripe_test")
	if err != nil {
		t.Fatalf("initializing test env: %v", err)
	}

	t.Run("completedMarksPaid", func(t *testing.T) {
		ord := env.cardOrder(t, testCart("card"))

		body, sig := env.signedStripeEvent(t, "checkout.session.completed",
			completedSession(*ord.StripeSessionID, "pi_test_1"))

		if code := env.postWebhook(t, body, sig); code != http.StatusOK {
			t.Fatalf("webhook status = %d, want 200", code)
		}

		got := env.getOrder(t, ord.ID)
		if got.Status != order.Paid {
			t.Fatalf("order status = %q, want paid", got.Status)
		}
		if got.StripePaymentIntentID == nil || *got.StripePaymentIntentID != "pi_test_1" {
			t.Error("expected the payment intent id to be recorded on settlement")
		}

		// At-least-once delivery: the same event again is acknowledged
		// and changes nothing.
		if code := env.postWebhook(t, body, sig); code != http.StatusOK {
			t.Fatalf("redelivered webhook status = %d, want 200", code)
		}
		again := env.getOrder(t, ord.ID)
		if again.Status != order.Paid || !again.UpdatedAt.Equal(got.UpdatedAt) {
			t.Error("a redelivered event must not touch the order")
		}

		// A late failure event for the settled intent is a no-op too.
		fbody, fsig := env.signedStripeEvent(t, "payment_intent.payment_failed",
			map[string]any{"id": "pi_test_1", "object": "payment_intent"})
		if code := env.postWebhook(t, fbody, fsig); code != http.StatusOK {
			t.Fatalf("failure webhook status = %d, want 200", code)
		}
		if final := env.getOrder(t, ord.ID); final.Status != order.Paid {
			t.Errorf("order status = %q, a settled order must stay paid", final.Status)
		}
	})

	t.Run("expiredStaysExpired", func(t *testing.T) {
		ord := env.cardOrder(t, testCart("card"))

		body, sig := env.signedStripeEvent(t, "checkout.session.expired",
			map[string]any{"id": *ord.StripeSessionID, "object": "checkout.session"})
		if code := env.postWebhook(t, body, sig); code != http.StatusOK {
			t.Fatalf("webhook status = %d, want 200", code)
		}
		if got := env.getOrder(t, ord.ID); got.Status != order.Expired {
			t.Fatalf("order status = %q, want expired", got.Status)
		}

		// A completion arriving after expiry must not resurrect the order.
		body, sig = env.signedStripeEvent(t, "checkout.session.completed",
			completedSession(*ord.StripeSessionID, "pi_test_2"))
		if code := env.postWebhook(t, body, sig); code != http.StatusOK {
			t.Fatalf("webhook status = %d, want 200", code)
		}
		if got := env.getOrder(t, ord.ID); got.Status != order.Expired {
			t.Errorf("order status = %q, want expired", got.Status)
		}
	})

	t.Run("tamperedSignatureRejected", func(t *testing.T) {
		ord := env.cardOrder(t, testCart("card"))

		body, sig := env.signedStripeEvent(t, "checkout.session.completed",
			completedSession(*ord.StripeSessionID, "pi_test_3"))

		tampered := append([]byte{}, body...)
		tampered[len(tampered)-2] ^= 0xff

		if code := env.postWebhook(t, tampered, sig); code != http.StatusBadRequest {
			t.Fatalf("tampered webhook status = %d, want 400", code)
		}
		if code := env.postWebhook(t, body, ""); code != http.StatusBadRequest {
			t.Fatalf("unsigned webhook status = %d, want 400", code)
		}

		if got := env.getOrder(t, ord.ID); got.Status != order.Pending {
			t.Errorf("order status = %q, a rejected event must not mutate anything", got.Status)
		}
	})

	t.Run("unknownSessionNotFound", func(t *testing.T) {
		body, sig := env.signedStripeEvent(t, "checkout.session.completed",
			completedSession("cs_test_unknown", "pi_test_4"))
		if code := env.postWebhook(t, body, sig); code != http.StatusNotFound {
			t.Errorf("webhook status = %d, want 404", code)
		}
	})

	t.Run("unknownIntentAcknowledged", func(t *testing.T) {
		body, sig := env.signedStripeEvent(t, "payment_intent.payment_failed",
			map[string]any{"id": "pi_never_seen", "object": "payment_intent"})
		if code := env.postWebhook(t, body, sig); code != http.StatusOK {
			t.Errorf("webhook status = %d, want 200", code)
		}
	})

	t.Run("clientReturnSettles", func(t *testing.T) {
		env.Stripe.paymentStatus = "paid"
		ord := env.cardOrder(t, testCart("card"))

		code, got := env.verify(t, "/payments/card/verify", map[string]string{"orderId": ord.ID})
		if code != http.StatusOK {
			t.Fatalf("verify status = %d, want 200", code)
		}
		if got.Status != order.Paid {
			t.Fatalf("order status = %q, want paid", got.Status)
		}
		if got.StripePaymentIntentID == nil || *got.StripePaymentIntentID != "pi_"+*ord.StripeSessionID {
			t.Error("expected the payment intent id from the retrieved session")
		}
	})

	t.Run("clientReturnBeforeSettlement", func(t *testing.T) {
		env.Stripe.paymentStatus = "unpaid"
		defer func() { env.Stripe.paymentStatus = "paid" }()

		ord := env.cardOrder(t, testCart("card"))

		code, _ := env.verify(t, "/payments/card/verify", map[string]string{"orderId": ord.ID})
		if code != http.StatusServiceUnavailable {
			t.Fatalf("verify status = %d, want 503 while the session is unpaid", code)
		}
		if got := env.getOrder(t, ord.ID); got.Status != order.Pending {
			t.Errorf("order status = %q, an unsettled session must stay pending", got.Status)
		}
	})

	t.Run("clientReturnWrongMethod", func(t *testing.T) {
		conf := env.checkoutOK(t, testCart("khalti"))

		code, _ := env.verify(t, "/payments/card/verify", map[string]string{"orderId": conf.OrderID})
		if code != http.StatusBadRequest {
			t.Errorf("verify status = %d, want 400", code)
		}
	})

	t.Run("clientReturnRacesWebhook", func(t *testing.T) {
		env.Stripe.paymentStatus = "paid"
		ord := env.cardOrder(t, testCart("card"))

		// The webhook event carries the same intent id session retrieval
		// reports, so whichever path wins records the same reference.
		body, sig := env.signedStripeEvent(t, "checkout.session.completed",
			completedSession(*ord.StripeSessionID, "pi_"+*ord.StripeSessionID))

		var wg sync.WaitGroup
		wg.Add(2)
		var webhookCode, verifyCode int
		go func() {
			defer wg.Done()
			webhookCode = env.postWebhook(t, body, sig)
		}()
		go func() {
			defer wg.Done()
			verifyCode, _ = env.verify(t, "/payments/card/verify", map[string]string{"orderId": ord.ID})
		}()
		wg.Wait()

		if webhookCode != http.StatusOK {
			t.Errorf("webhook status = %d, want 200", webhookCode)
		}
		if verifyCode != http.StatusOK {
			t.Errorf("verify status = %d, want 200", verifyCode)
		}

		got := env.getOrder(t, ord.ID)
		if got.Status != order.Paid {
			t.Fatalf("order status = %q, want paid", got.Status)
		}
		if got.StripePaymentIntentID == nil || *got.StripePaymentIntentID != "pi_"+*ord.StripeSessionID {
			t.Error("expected exactly one recorded payment intent id")
		}
	})

	t.Run("largeEventAccepted", func(t *testing.T) {
		body, sig := env.signedStripeEvent(t, "charge.succeeded", map[string]any{
			"id":          "ch_test_big",
			"object":      "charge",
			"description": strings.Repeat("x", 200000),
		})
		if code := env.postWebhook(t, body, sig); code != http.StatusOK {
			t.Errorf("webhook status = %d, an oversized but legitimate event must be acknowledged", code)
		}
	})

	t.Run("concurrentDeliveries", func(t *testing.T) {
		ord := env.cardOrder(t, testCart("card"))

		body, sig := env.signedStripeEvent(t, "checkout.session.completed",
			completedSession(*ord.StripeSessionID, "pi_test_5"))

		const n = 8
		codes := make([]int, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				codes[i] = env.postWebhook(t, body, sig)
			}(i)
		}
		wg.Wait()

		for i, code := range codes {
			if code != http.StatusOK {
				t.Errorf("delivery %d: status = %d, want 200", i, code)
			}
		}
		if got := env.getOrder(t, ord.ID); got.Status != order.Paid {
			t.Errorf("order status = %q, want paid", got.Status)
		}
	})
}
