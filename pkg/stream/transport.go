package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucid-vigil/hostwatch/pkg/events"
)

// Conn is one established connection to the collector.
type Conn interface {
	Send(env events.Envelope) error
	Close() error
}

// Dialer opens connections to the collector. ctx bounds the attempt.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer connects over WebSocket and frames every message as JSON.
type WSDialer struct {
	WriteTimeout time.Duration
	Header       http.Header
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &wsConn{ws: ws, writeTimeout: d.WriteTimeout, closed: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       chan struct{}
	closeOnce    sync.Once
}

// readLoop consumes control frames and notices when the peer goes away.
func (c *wsConn) readLoop() {
	defer c.markClosed()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsConn) Send(env events.Envelope) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	c.markClosed()
	return c.ws.Close()
}
