package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/downgrader/internal/issuer"
)

// Metadata keys stamped on every checkout session and read back from the
// completion webhook.
const (
	MetaProductSKU = "product_sku"
	MetaDeviceID   = "device_id"
)

// ErrIncompleteSession is returned for a completed checkout that is missing
// the metadata needed to mint a token.
var ErrIncompleteSession = errors.New("checkout session missing metadata")

type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	SuccessURL    string
	CancelURL     string
}

// Client creates one-time payment checkouts and verifies webhooks.
type Client struct {
	cfg           Config
	createSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	return &Client{cfg: cfg, createSession: checksession.New}
}

// CreateCheckoutSession creates a hosted payment page for one catalog product.
func (c *Client) CreateCheckoutSession(ctx context.Context, req issuer.CheckoutRequest) (issuer.Checkout, error) {
	successURL := req.SuccessURL
	if successURL == "" {
		successURL = c.cfg.SuccessURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = c.cfg.CancelURL
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.cfg.Currency),
					UnitAmount: stripe.Int64(req.Product.ChargeCents()),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Product.Name),
						Metadata: map[string]string{
							"generations": strconv.Itoa(req.Product.GenerationsGranted),
						},
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata: map[string]string{
			MetaProductSKU: req.Product.SKU,
			MetaDeviceID:   req.DeviceID,
		},
	}
	if req.DeviceID != "" {
		params.ClientReferenceID = stripe.String(req.DeviceID)
	}
	params.Context = ctx

	sess, err := c.createSession(params)
	if err != nil {
		return issuer.Checkout{}, fmt.Errorf("create checkout session: %w", err)
	}
	return issuer.Checkout{CheckoutURL: sess.URL, SessionID: sess.ID}, nil
}

// Configured reports whether webhooks can be verified.
func (c *Client) Configured() bool {
	return c.cfg.WebhookSecret != ""
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// PaymentCompleted is the part of a paid checkout the issuer needs.
type PaymentCompleted struct {
	SessionID  string
	ProductSKU string
	DeviceID   string
}

// ParsePaymentCompleted extracts a confirmed payment from a checkout event.
// A session paid by a delayed method arrives as completed-but-unpaid first and
// is confirmed later by checkout.session.async_payment_succeeded. ok is false
// for other events and for sessions that are not paid yet.
func ParsePaymentCompleted(event stripe.Event) (pc PaymentCompleted, ok bool, err error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return PaymentCompleted{}, false, nil
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return PaymentCompleted{}, false, fmt.Errorf("decode checkout session: %w", err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return PaymentCompleted{}, false, nil
	}
	pc = PaymentCompleted{
		SessionID:  sess.ID,
		ProductSKU: sess.Metadata[MetaProductSKU],
		DeviceID:   sess.Metadata[MetaDeviceID],
	}
	if pc.DeviceID == "" {
		pc.DeviceID = sess.ClientReferenceID
	}
	if pc.SessionID == "" || pc.ProductSKU == "" {
		return PaymentCompleted{}, false, ErrIncompleteSession
	}
	return pc, true, nil
}
