package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Listen claims endpoint through a push session and calls handle for every
// message delivered to it until ctx is cancelled or the connection drops.
// While the session is open the server pushes to it instead of calling the
// endpoint's webhook. Acknowledge signals with Client.Acknowledge.
//
// Listen returns ctx.Err() after a cancellation.
func (c *Client) Listen(ctx context.Context, endpoint string, handle func(context.Context, Message)) error {
	u, err := c.wsURL("/endpoints/" + url.PathEscape(endpoint) + "/ws")
	if err != nil {
		return err
	}
	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("vsmbus: dial %s: %w", u, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	})
	defer stop()

	for {
		var f pushFrame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("vsmbus: push session: %w", err)
		}
		if f.Type != "message" || len(f.Message) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(f.Message, &msg); err != nil {
			return fmt.Errorf("vsmbus: decode pushed message: %w", err)
		}
		handle(ctx, msg)
	}
}

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("vsmbus: base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return strings.TrimRight(u.String(), "/") + path, nil
}
