package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/pasalhq/pasal/api/middleware"
	"github.com/pasalhq/pasal/api/web"
	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/checkout"
	"github.com/pasalhq/pasal/core/order"
	"github.com/pasalhq/pasal/core/payment"
	"github.com/pasalhq/pasal/rate"
	"github.com/sirupsen/logrus"
)

type APIConfig struct {
	CorsOrigin string
	Log        logrus.FieldLogger
	DB         *sqlx.DB
	Limiter    *rate.Limiter

	CheckoutCfg config.Checkout
	StripeCfg   config.Stripe

	Stripe     *payment.Stripe
	Esewa      *payment.Esewa
	Khalti     *payment.Khalti
	Connectips *payment.Connectips
}

type api struct {
	*mux.Router
	mw  []web.Middleware
	log logrus.FieldLogger
}

func APIMux(cfg APIConfig) http.Handler {
	a := &api{
		Router: mux.NewRouter(),
		log:    cfg.Log,
	}

	a.mw = append(a.mw, middleware.RequestID())
	a.mw = append(a.mw, middleware.Logger(cfg.Log))
	a.mw = append(a.mw, middleware.Errors(cfg.Log))
	a.mw = append(a.mw, middleware.Panics())

	if cfg.CorsOrigin != "" {
		a.mw = append(a.mw, middleware.Cors(cfg.CorsOrigin))

		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}

		a.Handle(http.MethodOptions, "/{path:.*}", h)
	}

	limited := middleware.RateLimit(cfg.Limiter)

	reg := payment.NewRegistry(cfg.Stripe, cfg.Esewa, cfg.Khalti, cfg.Connectips)

	a.Handle(http.MethodPost, "/checkout", checkout.HandleCheckout(cfg.DB, reg, cfg.CheckoutCfg), limited)

	a.Handle(http.MethodGet, "/orders/{id}", order.HandleShow(cfg.DB))
	a.Handle(http.MethodGet, "/orders", order.HandleList(cfg.DB))

	a.Handle(http.MethodPost, "/payments/card/verify", payment.HandleCardVerify(cfg.DB, cfg.Stripe), limited)
	a.Handle(http.MethodPost, "/payments/esewa/verify", payment.HandleEsewaVerify(cfg.DB, cfg.Esewa), limited)
	a.Handle(http.MethodPost, "/payments/khalti/verify", payment.HandleKhaltiVerify(cfg.DB, cfg.Khalti), limited)

	// The real verification route and the simulation route are mutually
	// exclusive: a gateway with bank credentials never exposes the demo
	// path.
	if cfg.Connectips.Demo() {
		a.Handle(http.MethodPost, payment.DemoGatewayPath, payment.HandleConnectipsDemo(cfg.DB, cfg.Connectips), limited)
	} else {
		a.Handle(http.MethodPost, "/payments/connectips/verify", payment.HandleConnectipsVerify(cfg.DB, cfg.Connectips), limited)
	}

	a.Handle(http.MethodPost, "/payments/stripe/webhook", payment.HandleStripeWebhook(cfg.DB, cfg.StripeCfg))

	return a.Router
}

func (a *api) Handle(method string, path string, handler web.Handler, mw ...web.Middleware) {

	handler = web.WrapMiddleware(mw, handler)

	handler = web.WrapMiddleware(a.mw, handler)

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		if err := handler(ctx, w, r); err != nil {

			a.log.WithFields(logrus.Fields{
				"req_id":  middleware.ContextRequestID(ctx),
				"message": err,
			}).Error("ERROR")
		}
	})

	a.Router.Handle(path, h).Methods(method)
}
