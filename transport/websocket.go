package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chanrpc/protocol"
)

// DefaultWebSocketMessageSize is the message limit used when none is given.
// Packets larger than a message are chunked by the channel.
const DefaultWebSocketMessageSize = 64 << 10

const closeGracePeriod = time.Second

// WebSocket carries one frame per binary message.
type WebSocket struct {
	conn       *websocket.Conn
	maxMessage int

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established connection. maxMessage bounds messages
// in both directions.
func NewWebSocket(conn *websocket.Conn, maxMessage int) *WebSocket {
	if maxMessage <= protocol.HeaderSize {
		maxMessage = DefaultWebSocketMessageSize
	}
	conn.SetReadLimit(int64(maxMessage))
	return &WebSocket{conn: conn, maxMessage: maxMessage}
}

// DialWebSocket opens a client connection to url.
func DialWebSocket(ctx context.Context, url string, header http.Header, maxMessage int) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewWebSocket(conn, maxMessage), nil
}

// UpgradeWebSocket upgrades an HTTP request on the server side.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, maxMessage int) (*WebSocket, error) {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return NewWebSocket(conn, maxMessage), nil
}

func (ws *WebSocket) WriteFrame(f *protocol.Frame) error {
	buf, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	if len(buf) > ws.maxMessage {
		return fmt.Errorf("%w: %d byte message exceeds %d", protocol.ErrFrameTooLarge, len(buf), ws.maxMessage)
	}
	return ws.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (ws *WebSocket) ReadFrame() (*protocol.Frame, error) {
	for {
		msgType, data, err := ws.conn.ReadMessage()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		} else if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, fmt.Errorf("websocket closed: %w", err)
			}
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			// Text messages are not part of the protocol.
			continue
		}
		return protocol.DecodeFrame(data)
	}
}

// MaxSize is the message limit minus the frame header.
func (ws *WebSocket) MaxSize() int { return ws.maxMessage - protocol.HeaderSize }

func (ws *WebSocket) Close() error {
	ws.closeOnce.Do(func() {
		// Best effort; the peer may already be gone.
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		ws.closeErr = ws.conn.Close()
	})
	return ws.closeErr
}
