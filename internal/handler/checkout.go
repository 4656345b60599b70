package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/downgrader/internal/catalog"
	"github.com/dukerupert/downgrader/internal/issuer"
	"github.com/dukerupert/downgrader/internal/metrics"
)

type CheckoutHandler struct {
	issuer *issuer.Issuer
	logger *slog.Logger
}

func NewCheckoutHandler(iss *issuer.Issuer, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{issuer: iss, logger: logger}
}

// Products handles GET /api/products.
func (h *CheckoutHandler) Products(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": h.issuer.Products()})
}

type checkoutRequest struct {
	ProductSKU string `json:"product_sku"`
	DeviceID   string `json:"device_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// Create handles POST /api/checkout.
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.ProductSKU = strings.TrimSpace(req.ProductSKU)
	if req.ProductSKU == "" {
		writeError(w, http.StatusBadRequest, "product_sku is required")
		return
	}

	co, err := h.issuer.CreateCheckout(r.Context(), req.ProductSKU, strings.TrimSpace(req.DeviceID), req.SuccessURL, req.CancelURL)
	switch {
	case errors.Is(err, catalog.ErrUnknownProduct):
		writeError(w, http.StatusBadRequest, "unknown product")
		return
	case errors.Is(err, issuer.ErrPaymentsDisabled):
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	case err != nil:
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		h.logger.Error("create checkout", "sku", req.ProductSKU, "error", err)
		writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}

	metrics.PaymentsTotal.WithLabelValues("created").Inc()
	writeJSON(w, http.StatusOK, co)
}
