package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so stores can run inside a
// caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InTx runs fn inside a transaction, committing if fn returns nil.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func unix(t time.Time) int64 {
	return t.UTC().Unix()
}

// unixCeil rounds t up to whole seconds. Guards comparing against a stored
// expiry use it so a sub-second overshoot still counts as past the expiry.
func unixCeil(t time.Time) int64 {
	sec := t.UTC().Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
