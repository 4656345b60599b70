package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/downgrader/internal/catalog"
	"github.com/dukerupert/downgrader/internal/config"
	"github.com/dukerupert/downgrader/internal/database"
	"github.com/dukerupert/downgrader/internal/issuer"
	"github.com/dukerupert/downgrader/internal/llm"
)

type stubTransformer struct{}

func (stubTransformer) Downgrade(ctx context.Context, title string, intensity llm.Intensity, language string) (llm.Result, error) {
	return llm.Result{Downgraded: "a thing happened", HypeScore: 5}, nil
}

type stubPayments struct{}

func (stubPayments) CreateCheckoutSession(ctx context.Context, req issuer.CheckoutRequest) (issuer.Checkout, error) {
	return issuer.Checkout{CheckoutURL: "https://pay.example/cs_1", SessionID: "cs_1"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                8000,
		BaseURL:             "http://localhost:8000",
		FreeTrialLimit:      1,
		TokenValidity:       365 * 24 * time.Hour,
		Products:            catalog.DefaultProducts,
		RequestDedupTTL:     time.Hour,
		RateLimit:           100,
		StripeWebhookSecret: "whsec_test",
		Currency:            "usd",
	}
}

func setupServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv, err := New(db, cfg, slog.Default(), WithTransformer(stubTransformer{}), WithPaymentProvider(stubPayments{}))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPurchaseFlow(t *testing.T) {
	ts := setupServer(t, testConfig())

	// Trial spent, then refused.
	if resp := postJSON(t, ts.URL+"/api/downgrade", map[string]string{"title": "x", "device_id": "dev-1"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("trial downgrade status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL+"/api/downgrade", map[string]string{"title": "x", "device_id": "dev-1"}); resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("second downgrade status = %d, want 402", resp.StatusCode)
	}

	// Checkout, then the provider confirms payment.
	resp := postJSON(t, ts.URL+"/api/checkout", map[string]string{"product_sku": "downgrade_pack_3", "device_id": "dev-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("checkout status = %d", resp.StatusCode)
	}

	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","payment_status":"paid","metadata":{"product_sku":"downgrade_pack_3","device_id":"dev-1"}}}}`
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    "whsec_test",
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	whResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	whResp.Body.Close()
	if whResp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", whResp.StatusCode)
	}

	// The device can find its token and spend it.
	listResp, err := http.Get(ts.URL + "/api/devices/dev-1/tokens")
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	defer listResp.Body.Close()
	var list struct {
		Tokens []struct {
			Token string `json:"token"`
		} `json:"tokens"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil || len(list.Tokens) != 1 {
		t.Fatalf("tokens = %+v, err = %v", list, err)
	}

	resp = postJSON(t, ts.URL+"/api/downgrade", map[string]string{"title": "x", "token": list.Tokens[0].Token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token downgrade status = %d", resp.StatusCode)
	}
	var out struct {
		Credential string `json:"credential"`
		Remaining  int    `json:"remaining"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Credential != "token" || out.Remaining != 2 {
		t.Errorf("downgrade = %+v", out)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupServer(t, testConfig())
	postJSON(t, ts.URL+"/api/downgrade", map[string]string{"title": "x", "device_id": "dev-m"})

	resp, err := http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "downgrader_generation_total") {
		t.Error("metrics output missing downgrader_generation_total")
	}
}

func TestDowngradeRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 2
	ts := setupServer(t, cfg)

	var last int
	for i := 0; i < 3; i++ {
		last = postJSON(t, ts.URL+"/api/downgrade", map[string]string{"title": "x", "device_id": "dev-r"}).StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}
