package config

import "time"

// Config is the whole service configuration, parsed from the environment
// with the PASAL prefix by ardanlabs/conf.
type Config struct {
	Web        Web
	Cors       Cors
	DB         DB
	Checkout   Checkout
	Stripe     Stripe
	Esewa      Esewa
	Khalti     Khalti
	Connectips Connectips
}

type Web struct {
	Address         string        `conf:"default:0.0.0.0:4000"`
	ReadTimeout     time.Duration `conf:"default:5s"`
	WriteTimeout    time.Duration `conf:"default:10s"`
	IdleTimeout     time.Duration `conf:"default:120s"`
	ShutdownTimeout time.Duration `conf:"default:20s"`
}

type Cors struct {
	Origin string
}

type DB struct {
	User       string `conf:"default:postgres"`
	Password   string `conf:"default:postgres,mask"`
	Host       string `conf:"default:localhost:5432"`
	Name       string `conf:"default:pasal"`
	DisableTLS bool   `conf:"default:true"`
}

type Checkout struct {
	// Currency is the lowercase ISO code every order is priced in. Amounts
	// are handled in minor units (paisa/cents) throughout the service.
	Currency string `conf:"default:npr"`

	// RatePerSecond and RateBurst shape the per-client limiter applied to
	// the checkout and verification routes.
	RatePerSecond float64 `conf:"default:5"`
	RateBurst     int     `conf:"default:10"`
	RateExpiryMin int     `conf:"default:10"`
}

type Stripe struct {
	APISecret     string `conf:"mask"`
	WebhookSecret string `conf:"mask"`
	SuccessURL    string `conf:"default:http://localhost:3000/payments/success"`
	CancelURL     string `conf:"default:http://localhost:3000/payments/cancel"`

	// WebhookMaxBytes caps the raw webhook body. Rejecting a legitimate
	// oversized event would make the provider redeliver it forever, so the
	// default is deliberately generous.
	WebhookMaxBytes int64 `conf:"default:1048576"`
}

type Esewa struct {
	Secret      string `conf:"mask"`
	ProductCode string `conf:"default:EPAYTEST"`
	FormURL     string `conf:"default:https://rc-epay.esewa.com.np/api/epay/main/v2/form"`
	SuccessURL  string `conf:"default:http://localhost:3000/payments/esewa/return"`
	FailureURL  string `conf:"default:http://localhost:3000/payments/esewa/failure"`
}

type Khalti struct {
	Secret     string        `conf:"mask"`
	BaseURL    string        `conf:"default:https://a.khalti.com/api/v2"`
	ReturnURL  string        `conf:"default:http://localhost:3000/payments/khalti/return"`
	WebsiteURL string        `conf:"default:http://localhost:3000"`
	Timeout    time.Duration `conf:"default:10s"`
}

type Connectips struct {
	MerchantID    string
	AppID         string
	AppName       string        `conf:"default:PASAL"`
	Password      string        `conf:"mask"`
	PrivateKeyPEM string        `conf:"mask"`
	GatewayURL    string        `conf:"default:https://uat.connectips.com/connectipswebgw/loginpage"`
	VerifyURL     string        `conf:"default:https://uat.connectips.com/connectipswebws/api/creditor/validatetxn"`
	SuccessURL    string        `conf:"default:http://localhost:3000/payments/connectips/return"`
	FailureURL    string        `conf:"default:http://localhost:3000/payments/connectips/failure"`
	Timeout       time.Duration `conf:"default:10s"`
}
