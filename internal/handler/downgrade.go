package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dukerupert/downgrader/internal/ledger"
	"github.com/dukerupert/downgrader/internal/llm"
	"github.com/dukerupert/downgrader/internal/metrics"
	"github.com/dukerupert/downgrader/internal/model"
)

const (
	maxTitleLength = 500
	// requestBodyLimit caps JSON bodies on the public endpoints.
	requestBodyLimit = 64 << 10
)

// Transformer performs the metered work.
type Transformer interface {
	Downgrade(ctx context.Context, title string, intensity llm.Intensity, language string) (llm.Result, error)
}

// UsagePublisher is told about successful consumptions.
type UsagePublisher interface {
	TokenConsumed(deviceID, token string, remaining int)
	TrialConsumed(deviceID string, remaining int)
}

type DowngradeHandler struct {
	ledger      *ledger.Ledger
	transformer Transformer
	publisher   UsagePublisher
	logger      *slog.Logger
}

func NewDowngradeHandler(l *ledger.Ledger, t Transformer, p UsagePublisher, logger *slog.Logger) *DowngradeHandler {
	return &DowngradeHandler{ledger: l, transformer: t, publisher: p, logger: logger}
}

type downgradeRequest struct {
	Title     string `json:"title"`
	Intensity string `json:"intensity"`
	Language  string `json:"language"`
	DeviceID  string `json:"device_id"`
	Token     string `json:"token"`
	RequestID string `json:"request_id"`
}

// DowngradeResponse is the body of a successful POST /api/downgrade.
type DowngradeResponse struct {
	Original   string               `json:"original"`
	Downgraded string               `json:"downgraded"`
	HypeScore  int                  `json:"hype_score"`
	Intensity  string               `json:"intensity"`
	Language   string               `json:"language"`
	Credential model.CredentialKind `json:"credential"`
	Remaining  int                  `json:"remaining"`
}

// Downgrade handles POST /api/downgrade. One unit is spent before the
// transformation runs and is not returned if it fails.
func (h *DowngradeHandler) Downgrade(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	var req downgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		writeError(w, http.StatusUnprocessableEntity, "title must be at most 500 characters")
		return
	}
	intensity, ok := llm.ParseIntensity(req.Intensity)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "intensity must be mild, normal, or brutal")
		return
	}
	language, ok := llm.ParseLanguage(req.Language)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "unsupported language")
		return
	}

	cred := ledger.Credential{Token: strings.TrimSpace(req.Token), DeviceID: strings.TrimSpace(req.DeviceID)}
	if cred.Token == "" && cred.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id or token is required")
		return
	}

	grant, err := h.ledger.Spend(r.Context(), cred, req.RequestID)
	if err != nil {
		status, body := ledgerStatus(err)
		if status == http.StatusPaymentRequired {
			metrics.EntitlementRefusals.WithLabelValues(body.Code).Inc()
		} else if status >= 500 {
			h.logger.Error("spend entitlement", "error", err)
		}
		writeJSON(w, status, body)
		return
	}
	if !grant.Replayed {
		h.recordUsage(r.Context(), grant)
	}

	start := time.Now()
	res, err := h.transformer.Downgrade(r.Context(), title, intensity, language)
	metrics.GenerationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		h.logger.Error("downgrade failed after entitlement spent",
			"credential", string(grant.Kind),
			"remaining", grant.Remaining,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "failed to downgrade title")
		return
	}

	writeJSON(w, http.StatusOK, DowngradeResponse{
		Original:   title,
		Downgraded: res.Downgraded,
		HypeScore:  res.HypeScore,
		Intensity:  string(intensity),
		Language:   language,
		Credential: grant.Kind,
		Remaining:  grant.Remaining,
	})
}

func (h *DowngradeHandler) recordUsage(ctx context.Context, g ledger.Grant) {
	metrics.GenerationsTotal.WithLabelValues(string(g.Kind)).Inc()
	if g.Kind == model.CredentialToken {
		metrics.TokenGenerationsConsumed.Inc()
	}
	if h.publisher == nil {
		return
	}

	switch g.Kind {
	case model.CredentialTrial:
		h.publisher.TrialConsumed(g.DeviceID, g.Remaining)
	case model.CredentialToken:
		devices := map[string]struct{}{}
		if g.DeviceID != "" {
			devices[g.DeviceID] = struct{}{}
		}
		// The purchasing device hears about spends made from anywhere.
		if t, err := h.ledger.GetTokenInfo(ctx, g.Token); err == nil && t.IssuedToDevice != "" {
			devices[t.IssuedToDevice] = struct{}{}
		}
		for d := range devices {
			h.publisher.TokenConsumed(d, g.Token, g.Remaining)
		}
	}
}
