package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 10 * time.Second
	closeGrace    = time.Second
)

// Conn is the duplex transport a Session is attached to.
type Conn interface {
	// ReadMessage blocks until the next inbound frame or until the transport ends.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close ends the transport gracefully. Safe to call more than once.
	Close() error
	// Closed reports the transport's own state, which may change without Close
	// being called (peer hang-up, network error).
	Closed() bool
}

// DialOptions configure Dial.
type DialOptions struct {
	Token            string
	HandshakeTimeout time.Duration
}

// Dial opens a websocket connection to the editor at url. A non-empty token
// is sent as a bearer Authorization header on the handshake.
func Dial(ctx context.Context, url string, opts DialOptions) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(ws), nil
}

// WSConn adapts a gorilla websocket connection to Conn.
type WSConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
	once         sync.Once
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws, writeTimeout: writeDeadline}
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closed.Store(true)
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WSConn) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// A failed write leaves a partial frame on the wire; the socket is
		// unusable. Closing it ends ReadMessage so the session detaches.
		c.abort()
		return err
	}
	return nil
}

func (c *WSConn) abort() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.ws.Close()
	})
}

// Close sends a normal-closure frame and closes the socket.
func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		wasClosed := c.closed.Swap(true)
		if !wasClosed {
			// WriteControl may run concurrently with a pending WriteMessage.
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		}
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) Closed() bool {
	return c.closed.Load()
}
