package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/shardline"
)

const (
	writeTimeout    = 10 * time.Second
	readLimit       = 10 * 1024 * 1024
	sendBufferSize  = 256
	closeWriteGrace = time.Second
)

// Conn is one gateway socket. Writes go through a single write pump so
// heartbeats never wait on the reader; Read must only be called from one
// goroutine.
type Conn struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte
	mu     sync.RWMutex
	closed bool

	terminateOnce sync.Once
	pumpDone      chan struct{}
}

// Dial opens a socket to url.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header) (*Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(conn), nil
}

// NewConn wraps an established socket and starts its write pump.
func NewConn(conn *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(readLimit)

	c := &Conn{
		id:       uuid.New().String(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		sendCh:   make(chan []byte, sendBufferSize),
		pumpDone: make(chan struct{}),
	}

	go c.writePump()

	return c
}

// ID returns a unique identifier for the connection
func (c *Conn) ID() string {
	return c.id
}

// Context is cancelled once the connection starts closing.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send queues an encoded payload for the write pump.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return shardline.ErrNotConnected
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("%s", shardline.ErrMsgConnectionClosed)
	}
}

// Read returns the next message and whether it was a binary frame.
func (c *Conn) Read() ([]byte, bool, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, false, err
	}
	return data, mt == websocket.BinaryMessage, nil
}

// WriteClose stops the write pump and sends a close frame, leaving the
// socket open so the reader can observe the peer's close reply.
func (c *Conn) WriteClose(code int, reason string) error {
	c.cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	<-c.pumpDone
	message := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteGrace))
}

// Terminate closes the underlying socket without waiting for the peer.
func (c *Conn) Terminate() error {
	var err error
	c.terminateOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// CloseWithCode sends a close frame and terminates immediately.
func (c *Conn) CloseWithCode(code int, reason string) error {
	werr := c.WriteClose(code, reason)
	terr := c.Terminate()
	if terr != nil {
		return terr
	}
	return werr
}

// IsAlive returns true until the connection starts closing.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Conn) writePump() {
	defer close(c.pumpDone)

	for {
		select {
		case message := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// CloseCode extracts the close code from a read error, or 0 if the error is
// not a close frame.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
