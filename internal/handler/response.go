package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dukerupert/downgrader/internal/ledger"
)

// Error codes returned with 402 responses.
const (
	CodeInsufficientEntitlement = "insufficient_entitlement"
	CodeTokenExpired            = "token_expired"
	CodeTokenNotFound           = "token_not_found"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// ledgerStatus maps a ledger error to its HTTP status, message and code.
func ledgerStatus(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, ledger.ErrTokenNotFound):
		return http.StatusPaymentRequired, errorResponse{Error: "token not found", Code: CodeTokenNotFound}
	case errors.Is(err, ledger.ErrTokenExpired):
		return http.StatusPaymentRequired, errorResponse{Error: "token expired", Code: CodeTokenExpired}
	case errors.Is(err, ledger.ErrInsufficientEntitlement):
		return http.StatusPaymentRequired, errorResponse{Error: "no uses left, purchase a credit pack to continue", Code: CodeInsufficientEntitlement}
	case errors.Is(err, ledger.ErrInvalidDevice), errors.Is(err, ledger.ErrInvalidToken):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, ledger.ErrRequestConflict):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable, errorResponse{Error: "entitlement service temporarily unavailable"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error"}
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status, body := ledgerStatus(err)
	writeJSON(w, status, body)
}

// Health answers liveness probes.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "title-downgrader"})
}
