package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/downgrader/internal/catalog"
	"github.com/dukerupert/downgrader/internal/issuer"
	"github.com/dukerupert/downgrader/internal/metrics"
	"github.com/dukerupert/downgrader/internal/stripe"
)

const webhookBodyLimit = 1024 * 1024

type WebhookHandler struct {
	stripeClient *stripe.Client
	issuer       *issuer.Issuer
	logger       *slog.Logger
}

func NewWebhookHandler(sc *stripe.Client, iss *issuer.Issuer, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{stripeClient: sc, issuer: iss, logger: logger}
}

// HandleStripeWebhook verifies the delivery and mints a token for each paid
// checkout. Deliveries that can never succeed are acknowledged so Stripe stops
// retrying; storage faults get a 500 so it tries again.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhooksTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}()

	if h.stripeClient == nil || !h.stripeClient.Configured() {
		status = http.StatusServiceUnavailable
		writeError(w, status, "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "failed to read request body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		status = http.StatusBadRequest
		writeError(w, status, "missing Stripe signature")
		return
	}

	event, err := h.stripeClient.ConstructWebhookEvent(payload, sig)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "invalid Stripe signature")
		return
	}
	eventType = string(event.Type)

	pc, ok, err := stripe.ParsePaymentCompleted(event)
	if err != nil {
		h.logger.Error("unusable checkout session", "event_id", event.ID, "error", err)
		writeJSON(w, status, map[string]bool{"received": true})
		return
	}
	if !ok {
		writeJSON(w, status, map[string]bool{"received": true})
		return
	}

	iss, err := h.issuer.OnPaymentCompleted(r.Context(), pc.SessionID, pc.ProductSKU, pc.DeviceID)
	switch {
	case errors.Is(err, catalog.ErrUnknownProduct):
		h.logger.Error("paid checkout for unknown product", "session_id", pc.SessionID, "sku", pc.ProductSKU)
	case err != nil:
		h.logger.Error("mint token", "event_id", event.ID, "session_id", pc.SessionID, "error", err)
		status = http.StatusInternalServerError
		writeError(w, status, "processing failed")
		return
	case !iss.Duplicate:
		metrics.TokensMinted.WithLabelValues(pc.ProductSKU).Inc()
	}

	writeJSON(w, status, map[string]bool{"received": true})
}
