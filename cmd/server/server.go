package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardanlabs/conf/v3"
	"github.com/pasalhq/pasal/api"
	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/payment"
	"github.com/pasalhq/pasal/database"
	"github.com/pasalhq/pasal/rate"
	"github.com/sirupsen/logrus"
	stripecl "github.com/stripe/stripe-go/v74/client"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if err := Run(log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func Run(logger *logrus.Logger) error {
	logger.Infof("starting server")
	defer logger.Info("shutdown complete")

	const prefix = "PASAL"
	var cfg config.Config
	if _, err := conf.Parse(prefix, &cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	lw := logger.Writer()
	defer lw.Close()
	errLog := log.New(lw, "", 0)

	db, err := database.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open db connection: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("failed to migrate the schema: %w", err)
	}

	strp := &stripecl.API{}
	strp.Init(cfg.Stripe.APISecret, nil)

	esewa := payment.NewEsewa(cfg.Esewa)
	khalti := payment.NewKhalti(cfg.Khalti, &http.Client{Timeout: cfg.Khalti.Timeout})

	cips, err := payment.NewConnectips(cfg.Connectips, &http.Client{Timeout: cfg.Connectips.Timeout})
	if err != nil {
		return fmt.Errorf("failed to build the connectips adapter: %w", err)
	}
	if cips.Demo() {
		logger.Warn("connectips running in demo mode: bank credentials are not configured")
	}

	limiter := rate.NewLimiter(
		cfg.Checkout.RateBurst,
		cfg.Checkout.RateExpiryMin,
		cfg.Checkout.RatePerSecond,
	)

	mux := api.APIMux(api.APIConfig{
		CorsOrigin:  cfg.Cors.Origin,
		Log:         logger,
		DB:          db,
		Limiter:     limiter,
		CheckoutCfg: cfg.Checkout,
		StripeCfg:   cfg.Stripe,
		Stripe:      payment.NewStripe(strp, cfg.Stripe),
		Esewa:       esewa,
		Khalti:      khalti,
		Connectips:  cips,
	})

	srv := http.Server{
		Handler:      mux,
		Addr:         cfg.Web.Address,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     errLog,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.Infof("starting api router at %s", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Infof("shutting down: signal %s", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}
	return nil
}
