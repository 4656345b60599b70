package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/downgrader/internal/metrics"
	"github.com/dukerupert/downgrader/internal/model"
)

// Hub fans device events out to the connections subscribed to that device.
type Hub struct {
	mu      sync.RWMutex
	devices map[string]map[*Client]struct{}
	now     func() time.Time
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		devices: make(map[string]map[*Client]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Register subscribes a client to its device's events.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.devices[c.deviceID]
	if !ok {
		set = make(map[*Client]struct{})
		h.devices[c.deviceID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.EventSubscribers.Inc()
}

// Unregister removes a client and closes its event channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	set := h.devices[c.deviceID]
	_, ok := set[c]
	if ok {
		delete(set, c)
		close(c.events)
		if len(set) == 0 {
			delete(h.devices, c.deviceID)
		}
	}
	h.mu.Unlock()
	if ok {
		metrics.EventSubscribers.Dec()
	}
}

// Publish sends ev to every connection of deviceID. Slow clients miss events
// rather than block the publisher.
func (h *Hub) Publish(deviceID string, ev model.DeviceEvent) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.devices[deviceID] {
		select {
		case c.events <- ev:
		default:
			h.logger.Warn("dropping device event", "device_id", deviceID, "type", ev.Type)
		}
	}
}

// TokenMinted publishes a token_minted event.
func (h *Hub) TokenMinted(deviceID string, t model.CreditToken) {
	expires := t.ExpiresAt
	h.Publish(deviceID, model.DeviceEvent{
		Type:             model.EventTokenMinted,
		Token:            t.Token,
		Remaining:        t.RemainingGenerations,
		TotalGenerations: t.TotalGenerations,
		ExpiresAt:        &expires,
	})
}

// TokenConsumed publishes a token_consumed event.
func (h *Hub) TokenConsumed(deviceID, token string, remaining int) {
	h.Publish(deviceID, model.DeviceEvent{
		Type:      model.EventTokenConsumed,
		Token:     token,
		Remaining: remaining,
	})
}

// TrialConsumed publishes a trial_consumed event.
func (h *Hub) TrialConsumed(deviceID string, remaining int) {
	h.Publish(deviceID, model.DeviceEvent{
		Type:      model.EventTrialConsumed,
		Remaining: remaining,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.devices {
		n += len(set)
	}
	return n
}
