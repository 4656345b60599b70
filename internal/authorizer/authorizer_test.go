package authorizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/downgrader/internal/apiclient"
	"github.com/dukerupert/downgrader/internal/wallet"
)

type staticDevice string

func (d staticDevice) ID(context.Context) string { return string(d) }

type fakeAPI struct {
	requests []apiclient.DowngradeRequest
	replies  []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error)
	trial    apiclient.TrialStatus
	trialErr error
}

func (f *fakeAPI) Downgrade(_ context.Context, req apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error) {
	f.requests = append(f.requests, req)
	i := min(len(f.requests), len(f.replies)) - 1
	return f.replies[i](req)
}

func (f *fakeAPI) TrialStatus(context.Context, string) (apiclient.TrialStatus, error) {
	return f.trial, f.trialErr
}

func ok(credential string, remaining int) func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error) {
	return func(req apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error) {
		return apiclient.DowngradeResponse{Original: req.Title, Downgraded: "fine", HypeScore: 2, Credential: credential, Remaining: remaining}, nil
	}
}

func fail(err error) func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error) {
	return func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error) { return apiclient.DowngradeResponse{}, err }
}

var (
	now      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	transErr = fmt.Errorf("%w: connection reset", apiclient.ErrTransport)
)

func setup(t *testing.T, api *fakeAPI) (*Authorizer, *wallet.Wallet) {
	t.Helper()
	w, err := wallet.New(wallet.NewMemoryStore(), wallet.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	a := New(api, w, staticDevice("dev-1"), Config{Retries: 2, RetryBase: time.Millisecond}, slog.Default())
	return a, w
}

func addToken(t *testing.T, w *wallet.Wallet, value string, remaining int) {
	t.Helper()
	require.NoError(t, w.AddToken(wallet.Token{Value: value, Remaining: remaining, Total: 10, ExpiresAt: now.Add(time.Hour)}))
}

func TestTrialRequestUsesDevice(t *testing.T) {
	api := &fakeAPI{replies: []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error){ok("trial", 0)}}
	a, w := setup(t, api)

	out, err := a.Downgrade(context.Background(), Request{Title: "Revolutionary AI"})
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Downgraded)

	require.Len(t, api.requests, 1)
	assert.Equal(t, "dev-1", api.requests[0].DeviceID)
	assert.Empty(t, api.requests[0].Token)
	assert.NotEmpty(t, api.requests[0].RequestID)
	assert.True(t, w.TrialExhausted(), "server reported zero trial uses left")
}

func TestTokenTakesPriority(t *testing.T) {
	api := &fakeAPI{replies: []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error){ok("token", 8)}}
	a, w := setup(t, api)
	addToken(t, w, "DG-A", 9)

	out, err := a.Downgrade(context.Background(), Request{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "DG-A", out.Token)
	assert.Equal(t, 8, out.TotalGenerations)

	req := api.requests[0]
	assert.Equal(t, "DG-A", req.Token)
	assert.Empty(t, req.DeviceID, "exactly one credential is sent")
}

func TestServerCountOverwritesCache(t *testing.T) {
	// Another tab spent some of the token meanwhile.
	api := &fakeAPI{replies: []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error){ok("token", 3)}}
	a, w := setup(t, api)
	addToken(t, w, "DG-A", 9)

	_, err := a.Downgrade(context.Background(), Request{Title: "x"})
	require.NoError(t, err)
	tok, _ := w.GetActiveToken()
	assert.Equal(t, 3, tok.Remaining)
}

func TestPaymentRequired(t *testing.T) {
	api := &fakeAPI{replies: []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error){
		fail(&apiclient.APIError{Status: http.StatusPaymentRequired, Code: "token_expired"}),
	}}
	a, w := setup(t, api)
	addToken(t, w, "DG-A", 4)

	_, err := a.Downgrade(context.Background(), Request{Title: "x"})
	assert.ErrorIs(t, err, ErrPaymentRequired)
	assert.True(t, w.TrialExhausted())
	assert.Equal(t, 0, w.GetTotalGenerations())
	assert.Len(t, api.requests, 1)
}

func TestExhaustedTrialShortCircuits(t *testing.T) {
	api := &fakeAPI{}
	a, w := setup(t, api)
	require.NoError(t, w.MarkTrialExhausted())

	_, err := a.Downgrade(context.Background(), Request{Title: "x"})
	assert.ErrorIs(t, err, ErrPaymentRequired)
	assert.Empty(t, api.requests)
}

func TestOtherFailuresLeaveWallet(t *testing.T) {
	api := &fakeAPI{replies: []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error){
		fail(&apiclient.APIError{Status: http.StatusInternalServerError, Message: "boom"}),
	}}
	a, w := setup(t, api)
	addToken(t, w, "DG-A", 4)

	_, err := a.Downgrade(context.Background(), Request{Title: "x"})
	assert.ErrorIs(t, err, ErrRetryable)
	assert.False(t, w.TrialExhausted())
	assert.Equal(t, 4, w.GetTotalGenerations())
	assert.Len(t, api.requests, 1, "server errors are not resent")
}

func TestTransportFailureResendsSameRequestID(t *testing.T) {
	api := &fakeAPI{replies: []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error){
		fail(transErr),
		ok("token", 5),
	}}
	a, w := setup(t, api)
	addToken(t, w, "DG-A", 6)

	_, err := a.Downgrade(context.Background(), Request{Title: "x"})
	require.NoError(t, err)
	require.Len(t, api.requests, 2)
	assert.Equal(t, api.requests[0].RequestID, api.requests[1].RequestID)
	assert.Equal(t, 5, w.GetTotalGenerations())
}

func TestTransportFailureIsAmbiguous(t *testing.T) {
	api := &fakeAPI{replies: []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error){fail(transErr)}}
	a, w := setup(t, api)
	addToken(t, w, "DG-A", 6)

	_, err := a.Downgrade(context.Background(), Request{Title: "x"})
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.Len(t, api.requests, 3)
	assert.Equal(t, 6, w.GetTotalGenerations())
}

func TestFreshRequestIDs(t *testing.T) {
	api := &fakeAPI{replies: []func(apiclient.DowngradeRequest) (apiclient.DowngradeResponse, error){ok("token", 9)}}
	a, w := setup(t, api)
	addToken(t, w, "DG-A", 10)

	_, err := a.Downgrade(context.Background(), Request{Title: "a"})
	require.NoError(t, err)
	_, err = a.Downgrade(context.Background(), Request{Title: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, api.requests[0].RequestID, api.requests[1].RequestID)
}

func TestRefreshTrial(t *testing.T) {
	api := &fakeAPI{trial: apiclient.TrialStatus{HasFreeTrial: true, UsesRemaining: 1}}
	a, w := setup(t, api)
	require.NoError(t, w.MarkTrialExhausted())

	status, err := a.RefreshTrial(context.Background())
	require.NoError(t, err)
	assert.True(t, status.HasFreeTrial)
	assert.False(t, w.TrialExhausted())

	api.trialErr = errors.New("down")
	_, err = a.RefreshTrial(context.Background())
	assert.ErrorIs(t, err, ErrRetryable)
	assert.False(t, w.TrialExhausted())
}
