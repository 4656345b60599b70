package ledger

import (
	"context"

	"github.com/dukerupert/downgrader/internal/model"
)

// Credential is what a caller presents to pay for one use. Token takes
// priority; DeviceID is only used for trial accounting when Token is empty.
type Credential struct {
	Token    string
	DeviceID string
}

// Grant records which entitlement was spent and what is left of it.
type Grant struct {
	Kind      model.CredentialKind `json:"credential"`
	Remaining int                  `json:"remaining"`
	DeviceID  string               `json:"-"`
	Token     string               `json:"-"`
	Replayed  bool                 `json:"-"`
}

// Spend consumes exactly one unit from the presented credential. A token that
// is used up yields ErrInsufficientEntitlement; it never falls back to the
// device trial.
func (l *Ledger) Spend(ctx context.Context, cred Credential, requestID string) (Grant, error) {
	if cred.Token != "" {
		res, err := l.ConsumeToken(ctx, cred.Token, requestID)
		if err != nil {
			return Grant{}, err
		}
		if !res.OK {
			return Grant{}, ErrInsufficientEntitlement
		}
		return Grant{
			Kind:      model.CredentialToken,
			Remaining: res.RemainingGenerations,
			Token:     cred.Token,
			DeviceID:  cred.DeviceID,
			Replayed:  res.Replayed,
		}, nil
	}

	res, err := l.ConsumeTrial(ctx, cred.DeviceID, requestID)
	if err != nil {
		return Grant{}, err
	}
	if !res.OK {
		return Grant{}, ErrInsufficientEntitlement
	}
	return Grant{
		Kind:      model.CredentialTrial,
		Remaining: res.UsesRemaining,
		DeviceID:  cred.DeviceID,
		Replayed:  res.Replayed,
	}, nil
}
