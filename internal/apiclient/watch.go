package apiclient

import (
	"context"
	"fmt"
	"net/url"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dukerupert/downgrader/internal/model"
)

// Watch subscribes to the device event feed and calls fn for each event until
// ctx is cancelled, fn returns an error, or the connection drops.
func (c *Client) Watch(ctx context.Context, deviceID string, fn func(model.DeviceEvent) error) error {
	u, err := eventsURL(c.cfg.BaseURL, deviceID)
	if err != nil {
		return err
	}

	conn, _, err := ws.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("%w: dial events: %w", ErrTransport, err)
	}
	defer conn.CloseNow()

	for {
		var ev model.DeviceEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				conn.Close(ws.StatusNormalClosure, "")
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			conn.Close(ws.StatusNormalClosure, "")
			return err
		}
	}
}

func eventsURL(base, deviceID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("api", "devices", deviceID, "events").String(), nil
}
