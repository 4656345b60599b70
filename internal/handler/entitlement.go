package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/downgrader/internal/ledger"
	"github.com/dukerupert/downgrader/internal/model"
)

// EntitlementHandler serves read-only ledger queries.
type EntitlementHandler struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewEntitlementHandler(l *ledger.Ledger, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{ledger: l, logger: logger}
}

// TokenResponse is the wire form of a credit token.
type TokenResponse struct {
	Token                string    `json:"token"`
	TotalGenerations     int       `json:"total_generations"`
	RemainingGenerations int       `json:"remaining_generations"`
	ExpiresAt            time.Time `json:"expires_at"`
	ProductSKU           string    `json:"product_sku"`
	Expired              bool      `json:"expired"`
}

func newTokenResponse(t model.CreditToken, now time.Time) TokenResponse {
	return TokenResponse{
		Token:                t.Token,
		TotalGenerations:     t.TotalGenerations,
		RemainingGenerations: t.RemainingGenerations,
		ExpiresAt:            t.ExpiresAt,
		ProductSKU:           t.ProductSKU,
		Expired:              t.Expired(now),
	}
}

// TrialStatus handles GET /api/trial-status/{device_id}.
func (h *EntitlementHandler) TrialStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.ledger.GetTrialStatus(r.Context(), r.PathValue("device_id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TokenInfo handles GET /api/tokens/{token}. Unknown tokens are 404 here;
// 402 is reserved for spending.
func (h *EntitlementHandler) TokenInfo(w http.ResponseWriter, r *http.Request) {
	t, err := h.ledger.GetTokenInfo(r.Context(), r.PathValue("token"))
	if errors.Is(err, ledger.ErrTokenNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "token not found", Code: CodeTokenNotFound})
		return
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(t, h.ledger.Now()))
}

// DeviceTokens handles GET /api/devices/{device_id}/tokens.
func (h *EntitlementHandler) DeviceTokens(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	tokens, err := h.ledger.ListTokensByDevice(r.Context(), deviceID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	now := h.ledger.Now()
	out := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, newTokenResponse(t, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "tokens": out})
}
