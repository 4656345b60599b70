package websocket

import (
	"context"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dukerupert/downgrader/internal/model"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one event feed connection for a device.
type Client struct {
	hub      *Hub
	conn     *ws.Conn
	deviceID string
	events   chan model.DeviceEvent
}

// NewClient creates a Client subscribed to deviceID.
func NewClient(hub *Hub, conn *ws.Conn, deviceID string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		deviceID: deviceID,
		events:   make(chan model.DeviceEvent, sendBufferSize),
	}
}

// Run streams events until the peer disconnects or ctx ends. The feed is
// one-way; anything the peer sends is discarded.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx = c.conn.CloseRead(ctx)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if err := c.write(ctx, ev); err != nil {
				c.hub.logger.Debug("event write failed", "device_id", c.deviceID, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, ev model.DeviceEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, ev)
}
