package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/downgrader/internal/model"
)

type TrialStore struct {
	db DBTX
}

func NewTrialStore(db DBTX) *TrialStore {
	return &TrialStore{db: db}
}

// WithTx returns a TrialStore bound to tx.
func (s *TrialStore) WithTx(tx *sql.Tx) *TrialStore {
	return &TrialStore{db: tx}
}

func scanTrialAccount(scanner interface{ Scan(...any) error }) (*model.TrialAccount, error) {
	var ta model.TrialAccount
	var createdAt int64
	if err := scanner.Scan(&ta.DeviceID, &ta.UsesRemaining, &createdAt); err != nil {
		return nil, err
	}
	ta.CreatedAt = fromUnix(createdAt)
	return &ta, nil
}

const trialAccountCols = `device_id, uses_remaining, created_at`

// Ensure creates the account with the given allowance if it does not exist yet.
// An existing account is never reset.
func (s *TrialStore) Ensure(ctx context.Context, deviceID string, allowance int, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trial_accounts (device_id, uses_remaining, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO NOTHING`,
		deviceID, allowance, unix(now),
	)
	if err != nil {
		return fmt.Errorf("ensure trial account: %w", err)
	}
	return nil
}

// GetOrCreate returns the account for deviceID, creating it lazily.
func (s *TrialStore) GetOrCreate(ctx context.Context, deviceID string, allowance int, now time.Time) (*model.TrialAccount, error) {
	if err := s.Ensure(ctx, deviceID, allowance, now); err != nil {
		return nil, err
	}
	ta, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if ta == nil {
		return nil, fmt.Errorf("trial account %q missing after insert", deviceID)
	}
	return ta, nil
}

func (s *TrialStore) Get(ctx context.Context, deviceID string) (*model.TrialAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+trialAccountCols+` FROM trial_accounts WHERE device_id = ?`, deviceID)
	ta, err := scanTrialAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trial account: %w", err)
	}
	return ta, nil
}

// Decrement spends one use in a single conditional update. ok is false when
// the account has no uses left (or does not exist); nothing is changed then.
func (s *TrialStore) Decrement(ctx context.Context, deviceID string) (remaining int, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE trial_accounts SET uses_remaining = uses_remaining - 1
		 WHERE device_id = ? AND uses_remaining > 0
		 RETURNING uses_remaining`,
		deviceID,
	)
	err = row.Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("decrement trial: %w", err)
	}
	return remaining, true, nil
}
