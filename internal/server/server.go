package server

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/downgrader/internal/catalog"
	"github.com/dukerupert/downgrader/internal/config"
	"github.com/dukerupert/downgrader/internal/handler"
	"github.com/dukerupert/downgrader/internal/issuer"
	"github.com/dukerupert/downgrader/internal/ledger"
	"github.com/dukerupert/downgrader/internal/llm"
	"github.com/dukerupert/downgrader/internal/middleware"
	"github.com/dukerupert/downgrader/internal/stripe"
	"github.com/dukerupert/downgrader/internal/websocket"
)

// Option customises a Server.
type Option func(*options)

type options struct {
	limiter     middleware.Limiter
	transformer handler.Transformer
	payments    issuer.PaymentProvider
	clock       func() time.Time
}

// WithLimiter replaces the in-memory rate limiter, e.g. with a RedisLimiter.
func WithLimiter(l middleware.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithTransformer replaces the LLM-backed transformer.
func WithTransformer(t handler.Transformer) Option {
	return func(o *options) { o.transformer = t }
}

// WithPaymentProvider replaces the Stripe checkout backend.
func WithPaymentProvider(p issuer.PaymentProvider) Option {
	return func(o *options) { o.payments = p }
}

// WithClock overrides the ledger and issuer time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

type Server struct {
	ledger       *ledger.Ledger
	issuer       *issuer.Issuer
	hub          *websocket.Hub
	entitlementH *handler.EntitlementHandler
	checkoutH    *handler.CheckoutHandler
	webhookH     *handler.WebhookHandler
	downgradeH   *handler.DowngradeHandler
	limiter      middleware.Limiter
	rateLimiter  *middleware.RateLimiter
	rateLimit    int
	logger       *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cat, err := catalog.New(cfg.Products)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	var ledgerOpts []ledger.Option
	issuerOpts := []issuer.Option{issuer.WithValidity(cfg.TokenValidity)}
	if o.clock != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithClock(o.clock))
		issuerOpts = append(issuerOpts, issuer.WithClock(o.clock))
	}

	hub := websocket.NewHub(logger.With("component", "events"))
	issuerOpts = append(issuerOpts, issuer.WithNotifier(hub))

	stripeClient := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Currency:      cfg.Currency,
		SuccessURL:    cfg.BaseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     cfg.BaseURL + "/checkout/cancel",
	})
	switch {
	case o.payments != nil:
		issuerOpts = append(issuerOpts, issuer.WithPaymentProvider(o.payments))
	case cfg.PaymentsEnabled():
		issuerOpts = append(issuerOpts, issuer.WithPaymentProvider(stripeClient))
	}

	transformer := o.transformer
	if transformer == nil {
		transformer = llm.NewDowngrader(llm.NewClient(cfg.LLMProxyURL, cfg.LLMProxyKey, cfg.LLMModel))
	}

	l := ledger.New(db, ledger.Config{TrialAllowance: cfg.FreeTrialLimit, ReadRetries: 2}, logger.With("component", "ledger"), ledgerOpts...)
	iss := issuer.New(db, cat, logger.With("component", "issuer"), issuerOpts...)

	rateLimiter := middleware.NewRateLimiter()
	limiter := o.limiter
	if limiter == nil {
		limiter = rateLimiter
	}

	return &Server{
		ledger:       l,
		issuer:       iss,
		hub:          hub,
		entitlementH: handler.NewEntitlementHandler(l, logger.With("component", "entitlement")),
		checkoutH:    handler.NewCheckoutHandler(iss, logger.With("component", "checkout")),
		webhookH:     handler.NewWebhookHandler(stripeClient, iss, logger.With("component", "webhook")),
		downgradeH:   handler.NewDowngradeHandler(l, transformer, hub, logger.With("component", "downgrade")),
		limiter:      limiter,
		rateLimiter:  rateLimiter,
		rateLimit:    cfg.RateLimit,
		logger:       logger,
	}, nil
}

// Ledger returns the ledger for maintenance tasks.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// RateLimiter returns the in-memory rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the device event hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handler.Health)
	mux.Handle("GET /api/metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/products", s.checkoutH.Products)
	mux.HandleFunc("POST /api/checkout", s.rateLimitedHandler(s.checkoutH.Create))
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)

	mux.HandleFunc("GET /api/trial-status/{device_id}", s.entitlementH.TrialStatus)
	mux.HandleFunc("GET /api/tokens/{token}", s.entitlementH.TokenInfo)
	mux.HandleFunc("GET /api/devices/{device_id}/tokens", s.entitlementH.DeviceTokens)
	mux.Handle("GET /api/devices/{device_id}/events", websocket.HandleDeviceEvents(s.hub, s.logger.With("component", "events")))

	mux.HandleFunc("POST /api/downgrade", s.rateLimitedHandler(s.downgradeH.Downgrade))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.limiter, middleware.RealIP, s.rateLimit, time.Minute, s.logger)
	return rl(h).ServeHTTP
}
