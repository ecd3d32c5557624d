// ABOUTME: gorilla/websocket backed Dialer and Transport implementations.
// ABOUTME: Maps HTTP 401/403 handshake rejections to ErrAuthRequired.

package channel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/jeewanjyoti/careline/internal/auth"
)

// WebsocketDialer dials real websocket endpoints.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer with gorilla defaults.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{dialer: websocket.DefaultDialer}
}

// DialContext performs the websocket handshake. A 401 or 403 rejection
// surfaces as auth.ErrAuthRequired so callers can prompt for re-login
// instead of retrying.
func (d *WebsocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with %d", auth.ErrAuthRequired, resp.StatusCode)
		}
		return nil, err
	}
	return &websocketTransport{conn: conn}, nil
}

type websocketTransport struct {
	conn *websocket.Conn
}

func (t *websocketTransport) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Control frames are handled by gorilla; anything non-text on a
		// JSON protocol is skipped.
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *websocketTransport) WriteFrame(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Close() error {
	return t.conn.Close()
}
