package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/downgrader/internal/model"
)

type ConsumptionStore struct {
	db DBTX
}

func NewConsumptionStore(db DBTX) *ConsumptionStore {
	return &ConsumptionStore{db: db}
}

// WithTx returns a ConsumptionStore bound to tx.
func (s *ConsumptionStore) WithTx(tx *sql.Tx) *ConsumptionStore {
	return &ConsumptionStore{db: tx}
}

const consumptionCols = `request_id, credential_kind, credential, remaining, created_at`

func (s *ConsumptionStore) Get(ctx context.Context, requestID string) (*model.Consumption, error) {
	var c model.Consumption
	var kind string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+consumptionCols+` FROM consumptions WHERE request_id = ?`, requestID,
	).Scan(&c.RequestID, &kind, &c.Credential, &c.Remaining, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consumption: %w", err)
	}
	c.CredentialKind = model.CredentialKind(kind)
	c.CreatedAt = fromUnix(createdAt)
	return &c, nil
}

func (s *ConsumptionStore) Record(ctx context.Context, c model.Consumption) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consumptions (`+consumptionCols+`) VALUES (?, ?, ?, ?, ?)`,
		c.RequestID, string(c.CredentialKind), c.Credential, c.Remaining, unix(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert consumption: %w", err)
	}
	return nil
}

// DeleteBefore removes de-duplication records created before cutoff.
func (s *ConsumptionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM consumptions WHERE created_at < ?`, unix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old consumptions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
