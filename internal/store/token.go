package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/downgrader/internal/model"
)

type TokenStore struct {
	db DBTX
}

func NewTokenStore(db DBTX) *TokenStore {
	return &TokenStore{db: db}
}

// WithTx returns a TokenStore bound to tx.
func (s *TokenStore) WithTx(tx *sql.Tx) *TokenStore {
	return &TokenStore{db: tx}
}

func scanCreditToken(scanner interface{ Scan(...any) error }) (*model.CreditToken, error) {
	var ct model.CreditToken
	var expiresAt, createdAt int64
	err := scanner.Scan(
		&ct.Token, &ct.TotalGenerations, &ct.RemainingGenerations, &expiresAt,
		&ct.ProductSKU, &ct.IssuedToDevice, &ct.SessionID, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	ct.ExpiresAt = fromUnix(expiresAt)
	ct.CreatedAt = fromUnix(createdAt)
	return &ct, nil
}

const creditTokenCols = `token, total_generations, remaining_generations, expires_at, product_sku, issued_to_device, session_id, created_at`

// GenerateToken creates a bearer token in the format DG-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(b))
	groups := make([]string, 0, 8)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return "DG-" + strings.Join(groups, "-"), nil
}

func (s *TokenStore) Create(ctx context.Context, ct model.CreditToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_tokens (`+creditTokenCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.Token, ct.TotalGenerations, ct.RemainingGenerations, unix(ct.ExpiresAt),
		ct.ProductSKU, ct.IssuedToDevice, ct.SessionID, unix(ct.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert credit token: %w", err)
	}
	return nil
}

func (s *TokenStore) GetByToken(ctx context.Context, token string) (*model.CreditToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+creditTokenCols+` FROM credit_tokens WHERE token = ?`, token)
	ct, err := scanCreditToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credit token: %w", err)
	}
	return ct, nil
}

// ListByDevice returns tokens minted for deviceID, newest first.
func (s *TokenStore) ListByDevice(ctx context.Context, deviceID string) ([]model.CreditToken, error) {
	return s.list(ctx, `WHERE issued_to_device = ? ORDER BY created_at DESC, rowid DESC`, deviceID)
}

// ListBySession returns the tokens minted for a payment session.
func (s *TokenStore) ListBySession(ctx context.Context, sessionID string) ([]model.CreditToken, error) {
	return s.list(ctx, `WHERE session_id = ? ORDER BY rowid ASC`, sessionID)
}

func (s *TokenStore) list(ctx context.Context, where string, args ...any) ([]model.CreditToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+creditTokenCols+` FROM credit_tokens `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list credit tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.CreditToken
	for rows.Next() {
		ct, err := scanCreditToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit token: %w", err)
		}
		tokens = append(tokens, *ct)
	}
	return tokens, rows.Err()
}

// Decrement spends one generation if the token has generations left and has
// not expired at now, as a single conditional update. ok is false otherwise
// and nothing is changed.
func (s *TokenStore) Decrement(ctx context.Context, token string, now time.Time) (remaining int, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE credit_tokens SET remaining_generations = remaining_generations - 1
		 WHERE token = ? AND remaining_generations > 0 AND expires_at >= ?
		 RETURNING remaining_generations`,
		token, unixCeil(now),
	)
	err = row.Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("decrement credit token: %w", err)
	}
	return remaining, true, nil
}
