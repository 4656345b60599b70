package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/downgrader/internal/model"
)

type PaymentStore struct {
	db DBTX
}

func NewPaymentStore(db DBTX) *PaymentStore {
	return &PaymentStore{db: db}
}

// WithTx returns a PaymentStore bound to tx.
func (s *PaymentStore) WithTx(tx *sql.Tx) *PaymentStore {
	return &PaymentStore{db: tx}
}

const paymentSessionCols = `session_id, product_sku, device_id, created_at`

// Reserve records the session as processed. created is false when the session
// was already recorded.
func (s *PaymentStore) Reserve(ctx context.Context, ps model.PaymentSession) (created bool, err error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_sessions (`+paymentSessionCols+`) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		ps.SessionID, ps.ProductSKU, ps.DeviceID, unix(ps.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert payment session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PaymentStore) Get(ctx context.Context, sessionID string) (*model.PaymentSession, error) {
	var ps model.PaymentSession
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+paymentSessionCols+` FROM payment_sessions WHERE session_id = ?`, sessionID,
	).Scan(&ps.SessionID, &ps.ProductSKU, &ps.DeviceID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment session: %w", err)
	}
	ps.CreatedAt = fromUnix(createdAt)
	return &ps, nil
}
