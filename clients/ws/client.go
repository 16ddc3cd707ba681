// Package ws provides a WebSocket client for following task log streams
// from the inkwell gateway.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	wsprotocol "github.com/doctrine-review/inkwell/internal/gateway/ws"
)

// Client follows one task's log stream.
type Client struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to a gateway log stream endpoint. hdr carries credentials
// (Authorization or X-Inkwell-User); nil is fine when auth is disabled.
func Dial(ctx context.Context, url string, hdr http.Header) (*Client, error) {
	var opts *websocket.DialOptions
	if hdr != nil {
		opts = &websocket.DialOptions{HTTPHeader: hdr}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{conn: conn, ctx: clientCtx, cancel: cancel}, nil
}

// ReadFrame returns the next protocol frame, skipping heartbeat pongs.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return wsprotocol.Frame{}, err
		}
		if string(data) == "pong" {
			continue
		}
		var f wsprotocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return wsprotocol.Frame{}, fmt.Errorf("ws frame: %w", err)
		}
		return f, nil
	}
}

// Ping sends the literal application-level ping; the server answers
// with "pong", which ReadFrame swallows.
func (c *Client) Ping() error {
	return c.conn.Write(c.ctx, websocket.MessageText, []byte("ping"))
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
