package stream

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// WSDialer opens websocket connections to the engine's event channel.
type WSDialer struct {
	url         string
	dialTimeout time.Duration
}

// NewWSDialer creates a dialer for the given stream URL
// (ws://host/ws?clientId=...).
func NewWSDialer(url string, dialTimeout time.Duration) *WSDialer {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &WSDialer{url: url, dialTimeout: dialTimeout}
}

// Dial opens a new websocket connection.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	c, _, err := websocket.Dial(dialCtx, d.url, nil)
	if err != nil {
		return nil, err
	}
	// Event payloads can carry large error traces.
	c.SetReadLimit(1 << 22)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// Read returns the next text message. Binary frames (preview images pushed on
// the same channel) are skipped.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "done")
}
