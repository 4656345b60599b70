package wallet

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/downgrader/internal/apiclient"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newWallet(t *testing.T) (*Wallet, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	w, err := New(store, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return w, store
}

func tok(value string, remaining int, expiresIn time.Duration) Token {
	return Token{Value: value, Remaining: remaining, Total: 10, ExpiresAt: now.Add(expiresIn)}
}

func TestAddThenActive(t *testing.T) {
	w, _ := newWallet(t)

	_, ok := w.GetActiveToken()
	assert.False(t, ok)

	require.NoError(t, w.AddToken(tok("DG-A", 5, time.Hour)))
	active, ok := w.GetActiveToken()
	require.True(t, ok)
	assert.Equal(t, "DG-A", active.Value)

	cur, ok := w.Current()
	require.True(t, ok)
	assert.Equal(t, "DG-A", cur.Value)
}

func TestActiveUsesInsertionOrder(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-LATE", 1, 300*24*time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-SOON", 9, time.Hour)))

	active, ok := w.GetActiveToken()
	require.True(t, ok)
	assert.Equal(t, "DG-LATE", active.Value)
}

func TestActiveSkipsSpentAndExpired(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-SPENT", 0, time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-OLD", 4, -time.Minute)))
	require.NoError(t, w.AddToken(tok("DG-EDGE", 4, 0)))
	require.NoError(t, w.AddToken(tok("DG-OK", 2, time.Hour)))

	active, ok := w.GetActiveToken()
	require.True(t, ok)
	assert.Equal(t, "DG-OK", active.Value)
}

func TestAddExistingUpdatesInPlace(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-A", 1, time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-B", 1, time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-A", 7, time.Hour)))

	tokens := w.Tokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, "DG-A", tokens[0].Value)
	assert.Equal(t, 7, tokens[0].Remaining)

	cur, _ := w.Current()
	assert.Equal(t, "DG-A", cur.Value)
}

func TestRemoveCurrentClearsSelection(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-A", 1, time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-B", 1, time.Hour)))

	require.NoError(t, w.RemoveToken("DG-B"))
	_, ok := w.Current()
	assert.False(t, ok, "selection must not move to another token")
	assert.Len(t, w.Tokens(), 1)

	require.NoError(t, w.RemoveToken("DG-MISSING"))
}

func TestUpdateUsage(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-A", 10, time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-B", 3, time.Hour)))
	assert.Equal(t, 13, w.GetTotalGenerations())

	require.NoError(t, w.UpdateUsage("DG-A", 0))
	active, ok := w.GetActiveToken()
	require.True(t, ok)
	assert.Equal(t, "DG-B", active.Value)
	assert.Equal(t, 3, w.GetTotalGenerations())

	require.NoError(t, w.UpdateUsage("DG-B", 2))
	cur, _ := w.Current()
	assert.Equal(t, 2, cur.Remaining)
	assert.Equal(t, 2, w.GetTotalGenerations())
}

func TestTotalsAndClearExpired(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-OLD", 5, -time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-NEW", 2, time.Hour)))

	assert.Equal(t, 2, w.GetTotalGenerations())
	assert.Len(t, w.Tokens(), 2, "totals must not evict")

	removed, err := w.ClearExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	tokens := w.Tokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, "DG-NEW", tokens[0].Value)
}

func TestClearExpiredDropsSelection(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-OLD", 5, -time.Hour)))

	_, err := w.ClearExpired()
	require.NoError(t, err)
	_, ok := w.Current()
	assert.False(t, ok)
}

func TestTrialFlag(t *testing.T) {
	w, _ := newWallet(t)
	assert.False(t, w.TrialExhausted())

	require.NoError(t, w.MarkTrialExhausted())
	assert.True(t, w.TrialExhausted())

	require.NoError(t, w.SetTrialStatus(1))
	assert.False(t, w.TrialExhausted())

	require.NoError(t, w.SetTrialStatus(0))
	assert.True(t, w.TrialExhausted())
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	w, store := newWallet(t)
	store.FailSaves(errors.New("disk full"))

	err := w.AddToken(tok("DG-A", 1, time.Hour))
	require.Error(t, err)
	_, ok := w.GetActiveToken()
	assert.True(t, ok)
}

func TestStatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "wallet.json")
	clock := WithClock(func() time.Time { return now })

	w, err := New(NewFileStore(path), clock)
	require.NoError(t, err)
	require.NoError(t, w.AddToken(tok("DG-A", 4, time.Hour)))
	require.NoError(t, w.MarkTrialExhausted())

	reopened, err := New(NewFileStore(path), clock)
	require.NoError(t, err)
	assert.True(t, reopened.TrialExhausted())
	active, ok := reopened.GetActiveToken()
	require.True(t, ok)
	assert.Equal(t, 4, active.Remaining)
	assert.True(t, active.ExpiresAt.Equal(now.Add(time.Hour)))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := New(NewFileStore(path))
	assert.Error(t, err)
}

type fakeSource struct {
	device  []apiclient.Token
	info    map[string]apiclient.Token
	listErr error
	infoErr error
}

func (f *fakeSource) DeviceTokens(context.Context, string) ([]apiclient.Token, error) {
	return f.device, f.listErr
}

func (f *fakeSource) TokenInfo(_ context.Context, token string) (apiclient.Token, error) {
	if f.infoErr != nil {
		return apiclient.Token{}, f.infoErr
	}
	t, ok := f.info[token]
	if !ok {
		return apiclient.Token{}, &apiclient.APIError{Status: http.StatusNotFound, Code: "token_not_found"}
	}
	return t, nil
}

func apiTok(value string, remaining int) apiclient.Token {
	return apiclient.Token{Token: value, TotalGenerations: 10, RemainingGenerations: remaining, ExpiresAt: now.Add(time.Hour)}
}

func TestReconcile(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-SHARED", 10, time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-MINE", 10, time.Hour)))
	require.NoError(t, w.AddToken(tok("DG-GONE", 10, time.Hour)))

	src := &fakeSource{
		device: []apiclient.Token{apiTok("DG-MINE", 6), apiTok("DG-NEW", 10)},
		info:   map[string]apiclient.Token{"DG-SHARED": apiTok("DG-SHARED", 1)},
	}
	require.NoError(t, w.Reconcile(context.Background(), src, "dev-1"))

	tokens := w.Tokens()
	require.Len(t, tokens, 3)
	assert.Equal(t, "DG-SHARED", tokens[0].Value)
	assert.Equal(t, 1, tokens[0].Remaining)
	assert.Equal(t, "DG-MINE", tokens[1].Value)
	assert.Equal(t, 6, tokens[1].Remaining)
	assert.Equal(t, "DG-NEW", tokens[2].Value)

	_, ok := w.Current()
	assert.False(t, ok, "removed current token clears selection")
}

func TestReconcileAddsOldestFirst(t *testing.T) {
	w, _ := newWallet(t)

	src := &fakeSource{device: []apiclient.Token{apiTok("DG-NEWER", 10), apiTok("DG-OLDER", 10)}}
	require.NoError(t, w.Reconcile(context.Background(), src, "dev-1"))

	tokens := w.Tokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, "DG-OLDER", tokens[0].Value)
	assert.Equal(t, "DG-NEWER", tokens[1].Value)

	active, ok := w.GetActiveToken()
	require.True(t, ok)
	assert.Equal(t, "DG-OLDER", active.Value)
}

func TestReconcileFailureLeavesCache(t *testing.T) {
	w, _ := newWallet(t)
	require.NoError(t, w.AddToken(tok("DG-A", 5, time.Hour)))

	err := w.Reconcile(context.Background(), &fakeSource{listErr: apiclient.ErrTransport}, "dev-1")
	assert.ErrorIs(t, err, apiclient.ErrTransport)

	err = w.Reconcile(context.Background(), &fakeSource{infoErr: apiclient.ErrTransport}, "dev-1")
	assert.ErrorIs(t, err, apiclient.ErrTransport)

	tokens := w.Tokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, 5, tokens[0].Remaining)
}
