package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/downgrader/internal/model"
	"github.com/dukerupert/downgrader/internal/store"
)

// Config holds ledger tuning.
type Config struct {
	TrialAllowance int
	ReadRetries    uint64
	RetryBase      time.Duration
}

// TrialStatus is the answer to GetTrialStatus.
type TrialStatus struct {
	HasFreeTrial  bool `json:"has_free_trial"`
	UsesRemaining int  `json:"uses_remaining"`
}

// TrialResult is the outcome of ConsumeTrial. OK is false when no uses were
// left; that is a normal negative result, not an error.
type TrialResult struct {
	OK            bool `json:"ok"`
	UsesRemaining int  `json:"uses_remaining"`
	Replayed      bool `json:"-"`
}

// TokenResult is the outcome of ConsumeToken. OK is false when the token had
// no generations left.
type TokenResult struct {
	OK                   bool `json:"ok"`
	RemainingGenerations int  `json:"remaining_generations"`
	Replayed             bool `json:"-"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the authoritative record of trial counters and credit tokens.
type Ledger struct {
	db           *sql.DB
	trials       *store.TrialStore
	tokens       *store.TokenStore
	consumptions *store.ConsumptionStore
	cfg          Config
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a Ledger over db.
func New(db *sql.DB, cfg Config, logger *slog.Logger, opts ...Option) *Ledger {
	if cfg.TrialAllowance < 0 {
		cfg.TrialAllowance = 0
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	l := &Ledger{
		db:           db,
		trials:       store.NewTrialStore(db),
		tokens:       store.NewTokenStore(db),
		consumptions: store.NewConsumptionStore(db),
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// GetTrialStatus returns the trial counter for deviceID, creating the account
// with the default allowance on first access.
func (l *Ledger) GetTrialStatus(ctx context.Context, deviceID string) (TrialStatus, error) {
	if deviceID == "" {
		return TrialStatus{}, ErrInvalidDevice
	}
	var ta *model.TrialAccount
	err := l.withReadRetry(ctx, func(ctx context.Context) error {
		var err error
		ta, err = l.trials.GetOrCreate(ctx, deviceID, l.cfg.TrialAllowance, l.now())
		return err
	})
	if err != nil {
		return TrialStatus{}, err
	}
	return TrialStatus{HasFreeTrial: ta.UsesRemaining > 0, UsesRemaining: ta.UsesRemaining}, nil
}

// ConsumeTrial spends one trial use for deviceID. A non-empty requestID makes
// the call idempotent: a replay returns the recorded result without spending
// again.
func (l *Ledger) ConsumeTrial(ctx context.Context, deviceID, requestID string) (TrialResult, error) {
	if deviceID == "" {
		return TrialResult{}, ErrInvalidDevice
	}
	now := l.now()

	var res TrialResult
	err := store.InTx(ctx, l.db, func(tx *sql.Tx) error {
		prior, err := l.replay(ctx, tx, requestID, model.CredentialTrial, deviceID)
		if err != nil {
			return err
		}
		if prior != nil {
			res = TrialResult{OK: true, UsesRemaining: prior.Remaining, Replayed: true}
			return nil
		}

		trials := l.trials.WithTx(tx)
		if err := trials.Ensure(ctx, deviceID, l.cfg.TrialAllowance, now); err != nil {
			return err
		}
		remaining, ok, err := trials.Decrement(ctx, deviceID)
		if err != nil {
			return err
		}
		if !ok {
			res = TrialResult{OK: false, UsesRemaining: 0}
			return nil
		}
		res = TrialResult{OK: true, UsesRemaining: remaining}
		return l.record(ctx, tx, requestID, model.CredentialTrial, deviceID, remaining, now)
	})
	if err != nil {
		return TrialResult{}, l.classify("consume trial", err)
	}
	return res, nil
}

// GetTokenInfo returns the token record. Inert tokens (expired or used up)
// are still returned.
func (l *Ledger) GetTokenInfo(ctx context.Context, token string) (model.CreditToken, error) {
	if token == "" {
		return model.CreditToken{}, ErrInvalidToken
	}
	var ct *model.CreditToken
	err := l.withReadRetry(ctx, func(ctx context.Context) error {
		var err error
		ct, err = l.tokens.GetByToken(ctx, token)
		return err
	})
	if err != nil {
		return model.CreditToken{}, err
	}
	if ct == nil {
		return model.CreditToken{}, ErrTokenNotFound
	}
	return *ct, nil
}

// ConsumeToken spends one generation of token. It fails with ErrTokenExpired
// once the token is past expiry regardless of remaining generations, and
// returns OK=false when the token is used up. requestID behaves as in
// ConsumeTrial.
func (l *Ledger) ConsumeToken(ctx context.Context, token, requestID string) (TokenResult, error) {
	if token == "" {
		return TokenResult{}, ErrInvalidToken
	}
	now := l.now()

	var res TokenResult
	err := store.InTx(ctx, l.db, func(tx *sql.Tx) error {
		prior, err := l.replay(ctx, tx, requestID, model.CredentialToken, token)
		if err != nil {
			return err
		}
		if prior != nil {
			res = TokenResult{OK: true, RemainingGenerations: prior.Remaining, Replayed: true}
			return nil
		}

		tokens := l.tokens.WithTx(tx)
		remaining, ok, err := tokens.Decrement(ctx, token, now)
		if err != nil {
			return err
		}
		if ok {
			res = TokenResult{OK: true, RemainingGenerations: remaining}
			return l.record(ctx, tx, requestID, model.CredentialToken, token, remaining, now)
		}

		// The guard failed; find out why without changing anything.
		ct, err := tokens.GetByToken(ctx, token)
		if err != nil {
			return err
		}
		switch {
		case ct == nil:
			return ErrTokenNotFound
		case ct.Expired(now):
			return ErrTokenExpired
		}
		res = TokenResult{OK: false, RemainingGenerations: ct.RemainingGenerations}
		return nil
	})
	if err != nil {
		return TokenResult{}, l.classify("consume token", err)
	}
	return res, nil
}

// ListTokensByDevice returns every token minted while deviceID was the
// purchaser, newest first. The device link is advisory.
func (l *Ledger) ListTokensByDevice(ctx context.Context, deviceID string) ([]model.CreditToken, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}
	var tokens []model.CreditToken
	err := l.withReadRetry(ctx, func(ctx context.Context) error {
		var err error
		tokens, err = l.tokens.ListByDevice(ctx, deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = []model.CreditToken{}
	}
	return tokens, nil
}

// PruneConsumptions drops de-duplication records older than maxAge.
func (l *Ledger) PruneConsumptions(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := l.consumptions.DeleteBefore(ctx, l.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return n, nil
}

func (l *Ledger) replay(ctx context.Context, tx *sql.Tx, requestID string, kind model.CredentialKind, credential string) (*model.Consumption, error) {
	if requestID == "" {
		return nil, nil
	}
	prior, err := l.consumptions.WithTx(tx).Get(ctx, requestID)
	if err != nil || prior == nil {
		return nil, err
	}
	if prior.CredentialKind != kind || prior.Credential != credential {
		return nil, ErrRequestConflict
	}
	l.logger.Info("replayed consumption", "request_id", requestID, "kind", string(kind))
	return prior, nil
}

func (l *Ledger) record(ctx context.Context, tx *sql.Tx, requestID string, kind model.CredentialKind, credential string, remaining int, now time.Time) error {
	if requestID == "" {
		return nil
	}
	return l.consumptions.WithTx(tx).Record(ctx, model.Consumption{
		RequestID:      requestID,
		CredentialKind: kind,
		Credential:     credential,
		Remaining:      remaining,
		CreatedAt:      now,
	})
}

// classify passes business refusals through and marks everything else as a
// storage fault.
func (l *Ledger) classify(op string, err error) error {
	if IsEntitlementError(err) || errors.Is(err, ErrRequestConflict) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	l.logger.Error("ledger storage error", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (l *Ledger) withReadRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(l.cfg.ReadRetries, retry.NewExponential(l.cfg.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		l.logger.Error("ledger read failed", "error", err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
