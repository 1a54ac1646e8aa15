package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is an open message-oriented connection.
type Conn interface {
	WriteText(data []byte) error
	Close() error
}

// Handler receives transport callbacks. They may arrive on any goroutine.
type Handler struct {
	OnOpen    func(c Conn)
	OnMessage func(binary bool, data []byte)
	// OnClose reports both a failed open and the end of an open connection.
	// A *websocket.CloseError with a normal or going-away code is a clean
	// close by the server; any other error is a connection failure.
	OnClose func(err error)
}

// Dialer opens connections. Dial must not block; the outcome is reported
// through h. Cancelling ctx aborts the attempt or closes the connection.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler)
}

// WSDialer is a Dialer over gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// NewWSDialer returns a websocket dialer with a 5s handshake timeout.
func NewWSDialer() *WSDialer {
	return &WSDialer{HandshakeTimeout: 5 * time.Second}
}

func (d *WSDialer) Dial(ctx context.Context, url string, h Handler) {
	go d.run(ctx, url, h)
}

func (d *WSDialer) run(ctx context.Context, url string, h Handler) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		h.OnClose(fmt.Errorf("dial %s: %w", url, err))
		return
	}

	conn := &wsConn{c: c}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	h.OnOpen(conn)
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			h.OnClose(err)
			return
		}
		switch mt {
		case websocket.TextMessage:
			h.OnMessage(false, data)
		case websocket.BinaryMessage:
			h.OnMessage(true, data)
		}
	}
}

// cleanClose reports whether err is a close frame from the server with a
// normal or going-away code.
func cleanClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

type wsConn struct {
	mu     sync.Mutex
	c      *websocket.Conn
	closed bool
}

func (w *wsConn) WriteText(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return websocket.ErrCloseSent
	}
	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.c.Close()
}
