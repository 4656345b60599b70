package authorizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/downgrader/internal/apiclient"
	"github.com/dukerupert/downgrader/internal/wallet"
)

var (
	// ErrPaymentRequired means neither the trial nor any cached token can pay
	// for the request. The caller should route the user to a purchase.
	ErrPaymentRequired = errors.New("no credits left, buy a pack to continue")

	// ErrRetryable is any other failure. Entitlement state was not touched.
	ErrRetryable = errors.New("request failed, try again")

	// ErrAmbiguous means the request may or may not have been processed.
	// Re-check credits before trying again.
	ErrAmbiguous = errors.New("no response from server, check your credits before retrying")
)

// API is the part of the server the authorizer talks to.
type API interface {
	Downgrade(ctx context.Context, req apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error)
	TrialStatus(ctx context.Context, deviceID string) (apiclient.TrialStatus, error)
}

// DeviceIdentifier resolves the local device id.
type DeviceIdentifier interface {
	ID(ctx context.Context) string
}

type Config struct {
	// Retries is how many times a request that got no response is resent
	// with the same request id.
	Retries   uint64
	RetryBase time.Duration
}

// Request is one metered use.
type Request struct {
	Title     string
	Intensity string
	Language  string
}

// Outcome is a fulfilled request plus the credit left afterwards.
type Outcome struct {
	apiclient.DowngradeResponse
	Token            string
	TotalGenerations int
}

// Authorizer picks the credential for each request and keeps the wallet in
// line with what the server reports.
type Authorizer struct {
	api    API
	wallet *wallet.Wallet
	device DeviceIdentifier
	cfg    Config
	logger *slog.Logger
	newID  func() string
}

func New(api API, w *wallet.Wallet, device DeviceIdentifier, cfg Config, logger *slog.Logger) *Authorizer {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	return &Authorizer{
		api:    api,
		wallet: w,
		device: device,
		cfg:    cfg,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Downgrade spends one unit of entitlement on req. A cached token is
// presented when one is usable; otherwise the device's trial is used.
func (a *Authorizer) Downgrade(ctx context.Context, req Request) (Outcome, error) {
	deviceID := a.device.ID(ctx)

	body := apiclient.DowngradeRequest{
		Title:     req.Title,
		Intensity: req.Intensity,
		Language:  req.Language,
		RequestID: a.newID(),
	}
	if t, ok := a.wallet.GetActiveToken(); ok {
		body.Token = t.Value
	} else if a.wallet.TrialExhausted() {
		return Outcome{}, ErrPaymentRequired
	} else {
		body.DeviceID = deviceID
	}

	resp, err := a.send(ctx, body)
	if err != nil {
		return Outcome{}, a.fail(body, err)
	}

	if body.Token != "" {
		a.persist(a.wallet.UpdateUsage(body.Token, resp.Remaining))
	} else {
		a.persist(a.wallet.SetTrialStatus(resp.Remaining))
	}

	return Outcome{
		DowngradeResponse: resp,
		Token:             body.Token,
		TotalGenerations:  a.wallet.GetTotalGenerations(),
	}, nil
}

// send resends only when no response arrived. The request id stays the same
// so the server counts the use at most once.
func (a *Authorizer) send(ctx context.Context, body apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error) {
	var resp apiclient.DowngradeResponse
	b := retry.WithMaxRetries(a.cfg.Retries, retry.NewExponential(a.cfg.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		r, err := a.api.Downgrade(ctx, body)
		if err != nil {
			if errors.Is(err, apiclient.ErrTransport) && ctx.Err() == nil {
				a.logger.Debug("no response, resending", "request_id", body.RequestID, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (a *Authorizer) fail(body apiclient.DowngradeRequest, err error) error {
	var apiErr *apiclient.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.PaymentRequired():
		a.persist(a.wallet.MarkTrialExhausted())
		if body.Token != "" {
			a.persist(a.wallet.UpdateUsage(body.Token, 0))
		}
		return fmt.Errorf("%w (%s)", ErrPaymentRequired, apiErr.Code)
	case errors.Is(err, apiclient.ErrTransport):
		return fmt.Errorf("%w: %w", ErrAmbiguous, err)
	default:
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
}

// RefreshTrial asks the server for the trial status and updates the local
// flag, so a device marked exhausted can be offered the trial again.
func (a *Authorizer) RefreshTrial(ctx context.Context) (apiclient.TrialStatus, error) {
	status, err := a.api.TrialStatus(ctx, a.device.ID(ctx))
	if err != nil {
		return apiclient.TrialStatus{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	a.persist(a.wallet.SetTrialStatus(status.UsesRemaining))
	return status, nil
}

// persist logs wallet write failures. The wallet is advisory and keeps its
// in-memory state.
func (a *Authorizer) persist(err error) {
	if err != nil {
		a.logger.Warn("wallet not saved", "error", err)
	}
}
