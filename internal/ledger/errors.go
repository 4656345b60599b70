package ledger

import "errors"

var (
	// ErrInvalidDevice is returned when a trial operation has no device id.
	ErrInvalidDevice = errors.New("device id required")
	// ErrInvalidToken is returned when a token operation has no token.
	ErrInvalidToken = errors.New("token required")
	// ErrTokenNotFound is returned for a token the ledger never minted.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenExpired is returned when consuming a token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrInsufficientEntitlement means the trial is used up and no usable
	// token was presented.
	ErrInsufficientEntitlement = errors.New("insufficient entitlement")
	// ErrRequestConflict is returned when a request id is replayed against a
	// different credential.
	ErrRequestConflict = errors.New("request id already used for another credential")
	// ErrUnavailable wraps storage faults. Callers may retry with backoff.
	ErrUnavailable = errors.New("ledger storage unavailable")
)

// IsEntitlementError reports whether err is a business refusal (the caller
// needs more credit) rather than a fault.
func IsEntitlementError(err error) bool {
	return errors.Is(err, ErrInsufficientEntitlement) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrTokenExpired)
}
