package issuer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/downgrader/internal/catalog"
	"github.com/dukerupert/downgrader/internal/model"
	"github.com/dukerupert/downgrader/internal/store"
)

// DefaultValidity is how long a freshly minted token stays spendable.
const DefaultValidity = 365 * 24 * time.Hour

var (
	// ErrInvalidSession is returned when a payment event has no session id.
	ErrInvalidSession = errors.New("payment session id required")
	// ErrPaymentsDisabled is returned by CreateCheckout when no provider is configured.
	ErrPaymentsDisabled = errors.New("payments not configured")
)

// Issuance is the result of OnPaymentCompleted. Duplicate is set when the
// session had already been processed; Tokens then holds what the first
// delivery minted.
type Issuance struct {
	Tokens    []model.CreditToken
	Duplicate bool
}

// CheckoutRequest describes a purchase the buyer is about to pay for.
type CheckoutRequest struct {
	Product    catalog.Product
	DeviceID   string
	SuccessURL string
	CancelURL  string
}

// Checkout is a hosted payment page the buyer should be sent to.
type Checkout struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// PaymentProvider creates hosted checkout sessions.
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (Checkout, error)
}

// Notifier is told about tokens after they are committed.
type Notifier interface {
	TokenMinted(deviceID string, token model.CreditToken)
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithValidity overrides DefaultValidity.
func WithValidity(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.validity = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithNotifier registers a hook for minted tokens.
func WithNotifier(n Notifier) Option {
	return func(i *Issuer) { i.notifier = n }
}

// WithPaymentProvider sets the checkout backend.
func WithPaymentProvider(p PaymentProvider) Option {
	return func(i *Issuer) { i.payments = p }
}

// Issuer mints credit tokens for completed payments.
type Issuer struct {
	db       *sql.DB
	tokens   *store.TokenStore
	payments PaymentProvider
	notifier Notifier
	catalog  *catalog.Catalog
	validity time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Issuer.
func New(db *sql.DB, cat *catalog.Catalog, logger *slog.Logger, opts ...Option) *Issuer {
	i := &Issuer{
		db:       db,
		tokens:   store.NewTokenStore(db),
		catalog:  cat,
		validity: DefaultValidity,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Products lists the catalog.
func (i *Issuer) Products() []catalog.Product {
	return i.catalog.Products()
}

// CreateCheckout starts a purchase of sku for deviceID.
func (i *Issuer) CreateCheckout(ctx context.Context, sku, deviceID, successURL, cancelURL string) (Checkout, error) {
	if i.payments == nil {
		return Checkout{}, ErrPaymentsDisabled
	}
	product, err := i.catalog.Lookup(sku)
	if err != nil {
		return Checkout{}, err
	}
	co, err := i.payments.CreateCheckoutSession(ctx, CheckoutRequest{
		Product:    product,
		DeviceID:   deviceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("create checkout: %w", err)
	}
	i.logger.Info("checkout created", "sku", sku, "device_id", deviceID, "session_id", co.SessionID)
	return co, nil
}

// OnPaymentCompleted mints one token for a confirmed payment. The payment
// session id is the idempotency key: a repeated delivery mints nothing and
// returns the tokens from the first one.
func (i *Issuer) OnPaymentCompleted(ctx context.Context, sessionID, sku, deviceID string) (Issuance, error) {
	if sessionID == "" {
		return Issuance{}, ErrInvalidSession
	}
	product, err := i.catalog.Lookup(sku)
	if err != nil {
		return Issuance{}, err
	}

	now := i.now()
	var minted model.CreditToken
	var duplicate bool

	err = store.InTx(ctx, i.db, func(tx *sql.Tx) error {
		created, err := store.NewPaymentStore(tx).Reserve(ctx, model.PaymentSession{
			SessionID:  sessionID,
			ProductSKU: product.SKU,
			DeviceID:   deviceID,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		if !created {
			duplicate = true
			return nil
		}

		value, err := store.GenerateToken()
		if err != nil {
			return err
		}
		minted = model.CreditToken{
			Token:                value,
			TotalGenerations:     product.GenerationsGranted,
			RemainingGenerations: product.GenerationsGranted,
			ExpiresAt:            now.Add(i.validity),
			ProductSKU:           product.SKU,
			IssuedToDevice:       deviceID,
			SessionID:            sessionID,
			CreatedAt:            now,
		}
		return i.tokens.WithTx(tx).Create(ctx, minted)
	})
	if err != nil {
		return Issuance{}, fmt.Errorf("mint token: %w", err)
	}

	if duplicate {
		tokens, err := i.tokens.ListBySession(ctx, sessionID)
		if err != nil {
			return Issuance{}, fmt.Errorf("list session tokens: %w", err)
		}
		i.logger.Info("duplicate payment event ignored", "session_id", sessionID)
		return Issuance{Tokens: tokens, Duplicate: true}, nil
	}

	i.logger.Info("token minted",
		"session_id", sessionID,
		"sku", product.SKU,
		"device_id", deviceID,
		"generations", minted.TotalGenerations,
	)
	if i.notifier != nil && deviceID != "" {
		i.notifier.TokenMinted(deviceID, minted)
	}
	return Issuance{Tokens: []model.CreditToken{minted}}, nil
}
