package payment

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pasalhq/pasal/config"
	"github.com/pasalhq/pasal/core/order"
	"github.com/pasalhq/pasal/random"
)

// ConnectipsStatusSuccess is the only bank verdict accepted as payment.
const ConnectipsStatusSuccess = "SUCCESS"

// DemoGatewayPath is where checkout sends the client when the adapter runs
// without bank credentials. It is served by HandleConnectipsDemo and exists
// only in that mode.
const DemoGatewayPath = "/payments/connectips/demo"

// Connectips implements the bank gateway's signed-XML protocol: initiation
// produces a fixed-schema XML document signed with the merchant's RSA key
// (SHA-256), sent as a base64 token alongside the form fields; verification
// signs a smaller document and asks the bank for the transaction verdict.
//
// When bank credentials are absent the adapter runs in demo mode: no
// signing, no bank calls, and outcomes are driven through the demo endpoint.
type Connectips struct {
	cfg    config.Connectips
	key    *rsa.PrivateKey
	client *http.Client
}

func NewConnectips(cfg config.Connectips, client *http.Client) (*Connectips, error) {
	if cfg.MerchantID == "" || cfg.AppID == "" || cfg.PrivateKeyPEM == "" {
		return &Connectips{cfg: cfg, client: client}, nil
	}

	key, err := parsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing connectips private key: %w", err)
	}
	return &Connectips{cfg: cfg, key: key, client: client}, nil
}

// Demo reports whether the adapter runs without bank credentials. The demo
// verification path is only routed in this mode.
func (c *Connectips) Demo() bool { return c.key == nil }

func (c *Connectips) Method() order.Method { return order.Connectips }

type gatewayTxn struct {
	XMLName     xml.Name `xml:"request"`
	MerchantID  string   `xml:"MERCHANTID"`
	AppID       string   `xml:"APPID"`
	AppName     string   `xml:"APPNAME"`
	TxnID       string   `xml:"TXNID"`
	TxnDate     string   `xml:"TXNDATE"`
	TxnCurrency string   `xml:"TXNCRNCY"`
	TxnAmount   int64    `xml:"TXNAMT"`
	ReferenceID string   `xml:"REFERENCEID"`
	Remarks     string   `xml:"REMARKS"`
	Particulars string   `xml:"PARTICULARS"`
}

type validationTxn struct {
	XMLName     xml.Name `xml:"validation"`
	MerchantID  string   `xml:"MERCHANTID"`
	AppID       string   `xml:"APPID"`
	ReferenceID string   `xml:"REFERENCEID"`
	TxnAmount   int64    `xml:"TXNAMT"`
	TxnID       string   `xml:"TXNID"`
}

func (c *Connectips) Initiate(ctx context.Context, ord order.Order, items []order.Item) (RedirectTarget, error) {
	if c.Demo() {
		// Simulation only: the client flags the outcome itself through
		// the demo endpoint, and no transaction reference is recorded.
		return RedirectTarget{
			URL:    DemoGatewayPath,
			Method: http.MethodPost,
			Fields: map[string]string{"orderId": ord.ID},
		}, nil
	}

	refID := "REF" + random.String(12)

	doc := gatewayTxn{
		MerchantID:  c.cfg.MerchantID,
		AppID:       c.cfg.AppID,
		AppName:     c.cfg.AppName,
		TxnID:       ord.ID,
		TxnDate:     time.Now().UTC().Format("02-01-2006"),
		TxnCurrency: strings.ToUpper(ord.Currency),
		TxnAmount:   ord.Amount,
		ReferenceID: refID,
		Remarks:     "order " + ord.ID,
		Particulars: "pasal checkout",
	}

	token, err := c.token(doc)
	if err != nil {
		return RedirectTarget{}, fmt.Errorf("signing gateway transaction: %w", err)
	}

	fields := map[string]string{
		"MERCHANTID":  doc.MerchantID,
		"APPID":       doc.AppID,
		"APPNAME":     doc.AppName,
		"TXNID":       doc.TxnID,
		"TXNDATE":     doc.TxnDate,
		"TXNCRNCY":    doc.TxnCurrency,
		"TXNAMT":      strconv.FormatInt(doc.TxnAmount, 10),
		"REFERENCEID": doc.ReferenceID,
		"REMARKS":     doc.Remarks,
		"PARTICULARS": doc.Particulars,
		"TOKEN":       token,
	}

	return RedirectTarget{
		URL:         c.cfg.GatewayURL,
		Method:      http.MethodPost,
		Fields:      fields,
		ProviderRef: refID,
	}, nil
}

type validationResponse struct {
	Status      string `json:"status"`
	StatusDesc  string `json:"statusDesc"`
	ReferenceID string `json:"referenceId"`
}

// Verify asks the bank for the authoritative verdict on a transaction,
// signing the request with the merchant key. A timeout leaves the order
// pending; only an explicit SUCCESS confirms it.
func (c *Connectips) Verify(ctx context.Context, ord order.Order) (Verification, error) {
	if c.Demo() {
		return Verification{}, fmt.Errorf("bank credentials missing: %w", ErrNotConfigured)
	}
	if ord.ConnectipsTxnID == nil {
		return Verification{}, fmt.Errorf("order[%s] has no gateway reference id", ord.ID)
	}

	doc := validationTxn{
		MerchantID:  c.cfg.MerchantID,
		AppID:       c.cfg.AppID,
		ReferenceID: *ord.ConnectipsTxnID,
		TxnAmount:   ord.Amount,
		TxnID:       ord.ID,
	}

	token, err := c.token(doc)
	if err != nil {
		return Verification{}, fmt.Errorf("signing validation transaction: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"merchantId":  doc.MerchantID,
		"appId":       doc.AppID,
		"referenceId": doc.ReferenceID,
		"txnAmt":      strconv.FormatInt(doc.TxnAmount, 10),
		"txnId":       doc.TxnID,
		"token":       token,
	})
	if err != nil {
		return Verification{}, fmt.Errorf("encoding validation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.VerifyURL, bytes.NewReader(body))
	if err != nil {
		return Verification{}, fmt.Errorf("building validation request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AppID, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verification{}, fmt.Errorf("bank returned status %d: %s", resp.StatusCode, b)
	}

	var out validationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verification{}, fmt.Errorf("decoding validation response: %w", err)
	}

	return Verification{
		Success:     out.Status == ConnectipsStatusSuccess,
		ProviderRef: out.ReferenceID,
		RawStatus:   out.Status,
	}, nil
}

// token signs the marshaled XML document with RSA PKCS#1 v1.5 over a
// SHA-256 digest, base64 encoded the way the gateway expects.
func (c *Connectips) token(doc interface{}) (string, error) {
	payload, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling transaction document: %w", err)
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not RSA")
	}
	return key, nil
}
