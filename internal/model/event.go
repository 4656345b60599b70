package model

import "time"

// Device event types pushed over the event feed.
const (
	EventTokenMinted   = "token_minted"
	EventTokenConsumed = "token_consumed"
	EventTrialConsumed = "trial_consumed"
)

// DeviceEvent tells a device's other sessions that its entitlements changed.
// Remaining is authoritative at the moment the event was produced.
type DeviceEvent struct {
	Type             string     `json:"type"`
	Token            string     `json:"token,omitempty"`
	Remaining        int        `json:"remaining"`
	TotalGenerations int        `json:"total_generations,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	At               time.Time  `json:"at"`
}
