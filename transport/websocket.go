package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wsrpc/codec"
)

// WebSocketChannel carries one frame per WebSocket message: text messages for
// the JSON codec, binary messages for the binary codec. Keepalive uses
// WebSocket ping/pong control frames, answered by the peer's read loop.
type WebSocketChannel struct {
	conn    *websocket.Conn
	msgType int

	sending sync.Mutex // gorilla allows one concurrent writer
	pong    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketChannel wraps an established connection. maxFrame bounds
// inbound messages (0 means unlimited); a larger message fails Recv.
func NewWebSocketChannel(conn *websocket.Conn, codecType codec.Type, maxFrame int) *WebSocketChannel {
	c := &WebSocketChannel{
		conn:    conn,
		msgType: websocket.TextMessage,
		pong:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	if codecType == codec.TypeBinary {
		c.msgType = websocket.BinaryMessage
	}
	if maxFrame > 0 {
		conn.SetReadLimit(int64(maxFrame))
	}
	conn.SetPongHandler(func(string) error {
		select {
		case c.pong <- struct{}{}:
		default:
		}
		return nil
	})
	return c
}

func (c *WebSocketChannel) Send(ctx context.Context, frame []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(c.msgType, frame)
}

func (c *WebSocketChannel) Recv(ctx context.Context) ([]byte, error) {
	stop := closeOnCancel(ctx, c)
	defer stop()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrChannelClosed
			default:
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, errors.Join(ErrFrameTooLarge, err)
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WebSocketChannel) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultPingWait)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	select {
	case <-c.pong:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a normal close frame and closes the connection.
func (c *WebSocketChannel) Close() error {
	err := ErrChannelClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// DialWebSocket returns a Dialer for url. header is sent with the handshake,
// e.g. an Authorization bearer token.
func DialWebSocket(url string, header http.Header, codecType codec.Type, maxFrame int) Dialer {
	return func(ctx context.Context) (Channel, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("transport: dial %s: %w (status %d)", url, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("transport: dial %s: %w", url, err)
		}
		return NewWebSocketChannel(conn, codecType, maxFrame), nil
	}
}
