package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/downgrader/internal/catalog"
)

// ErrTransport marks failures where no HTTP response was received. For a
// consume call the server may or may not have processed the request.
var ErrTransport = errors.New("no response from server")

// Config holds client settings.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	ReadRetries uint64
	RetryBase   time.Duration
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// PaymentRequired reports whether the server refused for lack of entitlement.
func (e *APIError) PaymentRequired() bool {
	return e.Status == http.StatusPaymentRequired
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// TrialStatus mirrors GET /api/trial-status/{device_id}.
type TrialStatus struct {
	HasFreeTrial  bool `json:"has_free_trial"`
	UsesRemaining int  `json:"uses_remaining"`
}

// Token is the server's view of a credit token.
type Token struct {
	Token                string    `json:"token"`
	TotalGenerations     int       `json:"total_generations"`
	RemainingGenerations int       `json:"remaining_generations"`
	ExpiresAt            time.Time `json:"expires_at"`
	ProductSKU           string    `json:"product_sku"`
	Expired              bool      `json:"expired"`
}

// Checkout is the payment page for a pending purchase.
type Checkout struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// DowngradeRequest carries exactly one credential: Token or DeviceID.
type DowngradeRequest struct {
	Title     string `json:"title"`
	Intensity string `json:"intensity,omitempty"`
	Language  string `json:"language,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Token     string `json:"token,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// DowngradeResponse is the result of a fulfilled request. Remaining is the
// authoritative count for the credential that was spent.
type DowngradeResponse struct {
	Original   string `json:"original"`
	Downgraded string `json:"downgraded"`
	HypeScore  int    `json:"hype_score"`
	Intensity  string `json:"intensity"`
	Language   string `json:"language"`
	Credential string `json:"credential"`
	Remaining  int    `json:"remaining"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Client talks to the entitlement server.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// BaseURL returns the server root the client was configured with.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

func (c *Client) TrialStatus(ctx context.Context, deviceID string) (TrialStatus, error) {
	var out TrialStatus
	err := c.read(ctx, "/api/trial-status/"+url.PathEscape(deviceID), &out)
	return out, err
}

// TokenInfo fetches a token. Unknown tokens yield an error for which
// IsNotFound is true.
func (c *Client) TokenInfo(ctx context.Context, token string) (Token, error) {
	var out Token
	err := c.read(ctx, "/api/tokens/"+url.PathEscape(token), &out)
	return out, err
}

func (c *Client) DeviceTokens(ctx context.Context, deviceID string) ([]Token, error) {
	var out struct {
		Tokens []Token `json:"tokens"`
	}
	if err := c.read(ctx, "/api/devices/"+url.PathEscape(deviceID)+"/tokens", &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

func (c *Client) Products(ctx context.Context) ([]catalog.Product, error) {
	var out struct {
		Products []catalog.Product `json:"products"`
	}
	if err := c.read(ctx, "/api/products", &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

// Checkout starts a purchase. It is not retried.
func (c *Client) Checkout(ctx context.Context, sku, deviceID, successURL, cancelURL string) (Checkout, error) {
	body := map[string]string{
		"product_sku": sku,
		"device_id":   deviceID,
		"success_url": successURL,
		"cancel_url":  cancelURL,
	}
	var out Checkout
	err := c.do(ctx, http.MethodPost, "/api/checkout", body, &out)
	return out, err
}

// Downgrade spends one unit of entitlement. It is sent once; callers decide
// whether a transport failure is safe to resend.
func (c *Client) Downgrade(ctx context.Context, req DowngradeRequest) (DowngradeResponse, error) {
	var out DowngradeResponse
	err := c.do(ctx, http.MethodPost, "/api/downgrade", req, &out)
	return out, err
}

// read performs an idempotent GET, retrying transport failures and 5xx.
func (c *Client) read(ctx context.Context, path string, out any) error {
	b := retry.WithMaxRetries(c.cfg.ReadRetries, retry.NewExponential(c.cfg.RetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err != nil && ctx.Err() == nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func retryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 500
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb) == nil {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Error
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
