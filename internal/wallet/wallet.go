package wallet

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dukerupert/downgrader/internal/apiclient"
)

// Token is the locally cached view of a credit token.
type Token struct {
	Value      string    `json:"token"`
	Remaining  int       `json:"remaining"`
	Total      int       `json:"total"`
	ExpiresAt  time.Time `json:"expires_at"`
	ProductSKU string    `json:"product_sku,omitempty"`
}

// Usable reports whether the token can be offered as a credential at now.
func (t Token) Usable(now time.Time) bool {
	return t.Remaining > 0 && t.ExpiresAt.After(now)
}

// Expired reports whether the token's expiry is at or before now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// FromAPI converts a server token into its cached form.
func FromAPI(t apiclient.Token) Token {
	return Token{
		Value:      t.Token,
		Remaining:  t.RemainingGenerations,
		Total:      t.TotalGenerations,
		ExpiresAt:  t.ExpiresAt,
		ProductSKU: t.ProductSKU,
	}
}

// State is everything the wallet persists. Tokens are kept in insertion order.
type State struct {
	Tokens         []Token `json:"tokens"`
	Current        string  `json:"current,omitempty"`
	TrialExhausted bool    `json:"trial_exhausted"`
}

func (s State) clone() State {
	s.Tokens = slices.Clone(s.Tokens)
	return s
}

// Persister stores wallet state between runs.
type Persister interface {
	Load() (State, error)
	Save(State) error
}

// TokenSource is the server the wallet reconciles against.
type TokenSource interface {
	DeviceTokens(ctx context.Context, deviceID string) ([]apiclient.Token, error)
	TokenInfo(ctx context.Context, token string) (apiclient.Token, error)
}

// Wallet is an advisory cache of the device's credit tokens. The server is
// always authoritative; every mutation is written through the persister.
type Wallet struct {
	mu    sync.Mutex
	state State
	store Persister
	now   func() time.Time
}

type Option func(*Wallet)

func WithClock(now func() time.Time) Option {
	return func(w *Wallet) { w.now = now }
}

// New loads the wallet from store.
func New(store Persister, opts ...Option) (*Wallet, error) {
	w := &Wallet{store: store, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	w.state = st
	return w, nil
}

// save must be called with mu held. The in-memory state is kept even when
// the write fails.
func (w *Wallet) save() error {
	if err := w.store.Save(w.state.clone()); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	return nil
}

func (w *Wallet) index(value string) int {
	return slices.IndexFunc(w.state.Tokens, func(t Token) bool { return t.Value == value })
}

// AddToken caches t and selects it. A token already cached is updated in
// place and keeps its position.
func (w *Wallet) AddToken(t Token) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if i := w.index(t.Value); i >= 0 {
		w.state.Tokens[i] = t
	} else {
		w.state.Tokens = append(w.state.Tokens, t)
	}
	w.state.Current = t.Value
	return w.save()
}

// RemoveToken drops a token. Removing the current selection clears it.
func (w *Wallet) RemoveToken(value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.index(value)
	if i < 0 {
		return nil
	}
	w.state.Tokens = slices.Delete(w.state.Tokens, i, i+1)
	if w.state.Current == value {
		w.state.Current = ""
	}
	return w.save()
}

// UpdateUsage overwrites the cached remaining count with the server's value.
func (w *Wallet) UpdateUsage(value string, remaining int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.index(value)
	if i < 0 {
		return nil
	}
	w.state.Tokens[i].Remaining = max(remaining, 0)
	return w.save()
}

// GetActiveToken returns the first usable token in insertion order.
func (w *Wallet) GetActiveToken() (Token, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for _, t := range w.state.Tokens {
		if t.Usable(now) {
			return t, true
		}
	}
	return Token{}, false
}

// GetTotalGenerations sums remaining generations over unexpired tokens.
func (w *Wallet) GetTotalGenerations() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	total := 0
	for _, t := range w.state.Tokens {
		if !t.Expired(now) {
			total += t.Remaining
		}
	}
	return total
}

// ClearExpired removes expired tokens and returns how many were dropped.
func (w *Wallet) ClearExpired() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	before := len(w.state.Tokens)
	w.state.Tokens = slices.DeleteFunc(w.state.Tokens, func(t Token) bool {
		if t.Expired(now) {
			if t.Value == w.state.Current {
				w.state.Current = ""
			}
			return true
		}
		return false
	})
	removed := before - len(w.state.Tokens)
	if removed == 0 {
		return 0, nil
	}
	return removed, w.save()
}

// Tokens returns a snapshot in insertion order.
func (w *Wallet) Tokens() []Token {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.state.Tokens)
}

// Current returns the selected token, if any.
func (w *Wallet) Current() (Token, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if i := w.index(w.state.Current); w.state.Current != "" && i >= 0 {
		return w.state.Tokens[i], true
	}
	return Token{}, false
}

func (w *Wallet) TrialExhausted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.TrialExhausted
}

// MarkTrialExhausted stops the free attempt from being offered until the
// server says otherwise.
func (w *Wallet) MarkTrialExhausted() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.TrialExhausted {
		return nil
	}
	w.state.TrialExhausted = true
	return w.save()
}

// SetTrialStatus records the server-reported trial uses left.
func (w *Wallet) SetTrialStatus(usesRemaining int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	exhausted := usesRemaining <= 0
	if w.state.TrialExhausted == exhausted {
		return nil
	}
	w.state.TrialExhausted = exhausted
	return w.save()
}

// Reconcile overwrites the cache with the server's view: tokens issued to
// deviceID are added or refreshed, other cached tokens are looked up one by
// one, and tokens the server does not know are dropped. Nothing changes
// unless every lookup succeeds.
func (w *Wallet) Reconcile(ctx context.Context, src TokenSource, deviceID string) error {
	listed, err := src.DeviceTokens(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("list device tokens: %w", err)
	}

	fresh := make(map[string]Token, len(listed))
	order := make([]string, 0, len(listed))
	for _, t := range listed {
		fresh[t.Token] = FromAPI(t)
		order = append(order, t.Token)
	}

	gone := map[string]bool{}
	for _, cached := range w.Tokens() {
		if _, ok := fresh[cached.Value]; ok {
			continue
		}
		t, err := src.TokenInfo(ctx, cached.Value)
		if apiclient.IsNotFound(err) {
			gone[cached.Value] = true
			continue
		}
		if err != nil {
			return fmt.Errorf("get token info: %w", err)
		}
		fresh[cached.Value] = FromAPI(t)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tokens := make([]Token, 0, len(w.state.Tokens)+len(order))
	seen := map[string]bool{}
	for _, t := range w.state.Tokens {
		if gone[t.Value] {
			if t.Value == w.state.Current {
				w.state.Current = ""
			}
			continue
		}
		if f, ok := fresh[t.Value]; ok {
			t = f
		}
		tokens = append(tokens, t)
		seen[t.Value] = true
	}
	// The server lists newest first; append oldest first so the wallet keeps
	// insertion order and spends earlier purchases before later ones.
	for i := len(order) - 1; i >= 0; i-- {
		if v := order[i]; !seen[v] {
			tokens = append(tokens, fresh[v])
		}
	}
	w.state.Tokens = tokens
	return w.save()
}
