package model

import "time"

// TrialAccount tracks the free uses left for a device. UsesRemaining never
// increases.
type TrialAccount struct {
	DeviceID      string    `json:"device_id"`
	UsesRemaining int       `json:"uses_remaining"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreditToken is a purchased bundle of generations. The token value is a
// bearer credential; IssuedToDevice is advisory only.
type CreditToken struct {
	Token                string    `json:"token"`
	TotalGenerations     int       `json:"total_generations"`
	RemainingGenerations int       `json:"remaining_generations"`
	ExpiresAt            time.Time `json:"expires_at"`
	ProductSKU           string    `json:"product_sku"`
	IssuedToDevice       string    `json:"issued_to_device,omitempty"`
	SessionID            string    `json:"-"`
	CreatedAt            time.Time `json:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t CreditToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Consumable reports whether the token can still be spent at now.
func (t CreditToken) Consumable(now time.Time) bool {
	return t.RemainingGenerations > 0 && !t.Expired(now)
}

// PaymentSession is the idempotency record for a completed checkout.
type PaymentSession struct {
	SessionID  string    `json:"session_id"`
	ProductSKU string    `json:"product_sku"`
	DeviceID   string    `json:"device_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// CredentialKind names which entitlement source a consumption spent.
type CredentialKind string

const (
	CredentialTrial CredentialKind = "trial"
	CredentialToken CredentialKind = "token"
)

// Consumption is the de-duplication record for a consume request carrying a
// request id.
type Consumption struct {
	RequestID      string         `json:"request_id"`
	CredentialKind CredentialKind `json:"credential_kind"`
	Credential     string         `json:"credential"`
	Remaining      int            `json:"remaining"`
	CreatedAt      time.Time      `json:"created_at"`
}
