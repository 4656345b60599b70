package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "downgrader"

var (
	// PaymentsTotal counts checkout attempts by outcome.
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_total",
		Help:      "Checkout session attempts by status.",
	}, []string{"status"})

	// WebhooksTotal counts Stripe webhook deliveries by event type and status.
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_total",
		Help:      "Stripe webhook deliveries by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// TokensMinted counts credit tokens issued by product.
	TokensMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_minted_total",
		Help:      "Credit tokens minted by product SKU.",
	}, []string{"sku"})

	// GenerationsTotal counts fulfilled requests by the credential that paid.
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_total",
		Help:      "Generation requests by credential type.",
	}, []string{"type"})

	// TokenGenerationsConsumed counts token generations spent.
	TokenGenerationsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_token_consumed_total",
		Help:      "Credit token generations consumed.",
	})

	// EntitlementRefusals counts 402 responses by reason.
	EntitlementRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entitlement_refusals_total",
		Help:      "Requests refused for lack of entitlement, by reason.",
	}, []string{"reason"})

	// GenerationLatency tracks transformation latency.
	GenerationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_latency_seconds",
		Help:      "Generation request latency in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// EventSubscribers tracks open device event feed connections.
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Open device event feed connections.",
	})
)
