// Package transport adapts WebSocket connections to the message-stream
// abstraction used by the relays.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage

	writeWait = 10 * time.Second
)

var ErrClosed = errors.New("transport: connection closed")

// Stream is the raw message stream a Conn wraps. *websocket.Conn satisfies it.
type Stream interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn serialises writes on a Stream. Reads must stay on a single goroutine.
type Conn struct {
	stream  Stream
	writeMu sync.Mutex

	closeOnce sync.Once
	markOnce  sync.Once
	closed    chan struct{}
	closeErr  error
}

func NewConn(stream Stream) *Conn {
	return &Conn{
		stream: stream,
		closed: make(chan struct{}),
	}
}

func (c *Conn) Read() (int, []byte, error) {
	messageType, data, err := c.stream.ReadMessage()
	if err != nil {
		c.markClosed()
		return 0, nil, err
	}
	return messageType, data, nil
}

func (c *Conn) WriteText(data []byte) error {
	return c.write(TextMessage, data)
}

func (c *Conn) WriteBinary(data []byte) error {
	return c.write(BinaryMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	err := c.stream.WriteMessage(messageType, data)
	c.writeMu.Unlock()
	return err
}

// Ping sends a WebSocket ping control frame.
func (c *Conn) Ping() error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.stream.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close closes the underlying stream once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

// Closed is closed once the stream has failed or been closed.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) markClosed() {
	c.markOnce.Do(func() { close(c.closed) })
}

// Dialer opens a provider connection.
type Dialer func(ctx context.Context) (*Conn, *http.Response, error)

// WebSocketDialer returns a Dialer for endpoint with the given handshake
// headers.
func WebSocketDialer(endpoint string, header func() http.Header) Dialer {
	return func(ctx context.Context) (*Conn, *http.Response, error) {
		var h http.Header
		if header != nil {
			h = header()
		}
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, h)
		if err != nil {
			return nil, resp, err
		}
		return NewConn(ws), resp, nil
	}
}

// Upgrader accepts device and worker connections. Origin checks are left to
// the fronting proxy.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an inbound HTTP request.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

// IsNormalClose reports whether err is an orderly close of the peer.
func IsNormalClose(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
