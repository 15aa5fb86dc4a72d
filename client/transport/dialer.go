package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// ErrHandshakeRejected marks a dial failure where the broker refused the
// upgrade because of a missing or invalid credential. It is terminal:
// retrying the same credential cannot succeed, so auto-reconnect stops.
var ErrHandshakeRejected = errors.New("transport: handshake rejected")

// Conn is the minimal wire surface the client needs from a connection.
type Conn interface {
	// Read blocks until the next inbound frame payload or an error.
	Read(ctx context.Context) ([]byte, error)
	// Write transmits one frame payload.
	Write(ctx context.Context, data []byte) error
	// Close closes the connection with a websocket status code.
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes a Conn to a broker endpoint. The credential travels
// as the `token` query parameter of the handshake request.
type Dialer interface {
	Dial(ctx context.Context, endpoint, credential string) (Conn, error)
}

// WebsocketDialer dials a real broker over websocket.
type WebsocketDialer struct{}

// Dial connects to endpoint with the credential embedded in the
// handshake query string.
func (WebsocketDialer) Dial(ctx context.Context, endpoint, credential string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrHandshakeRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	conn.SetReadLimit(maxFrameBytes)
	return wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("transport: unsupported message type: %v", mt)
	}
	return data, nil
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}
