package syncengine

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
)

// Conn is one open duplex connection to a relay, scoped to a single
// OwnerId path.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Transport opens a Conn to a relay URL. The production implementation
// is WebSocketTransport; tests substitute an in-memory fake so the
// state machine can be exercised without a real network.
type Transport interface {
	Connect(ctx context.Context, url string) (Conn, error)
}

// WebSocketTransport dials relays over gorilla/websocket.
type WebSocketTransport struct {
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
}

// NewWebSocketTransport returns a transport with the library's
// default dialer and a bounded handshake timeout.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		Dialer:           websocket.DefaultDialer,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (t *WebSocketTransport) Connect(ctx context.Context, url string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	d := *dialer
	if t.HandshakeTimeout > 0 {
		d.HandshakeTimeout = t.HandshakeTimeout
	}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "dial relay", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, evoluerr.New(evoluerr.KindProtocolFrame, "expected binary websocket message")
	}
	return data, nil
}

func (c *wsConn) WriteFrame(data []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }
