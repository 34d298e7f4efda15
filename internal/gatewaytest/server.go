// Package gatewaytest runs an in-process gateway and REST endpoint for
// tests. Every connection receives Hello, heartbeats are acknowledged
// unless disabled, and Identify/Resume are answered with READY/RESUMED.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/protocol"
)

// OnConnectFn is called after Hello was sent on a new connection.
type OnConnectFn = func(c *Conn)

// Server is a scriptable fake gateway.
type Server struct {
	httpServer *httptest.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader

	heartbeatInterval time.Duration
	ackHeartbeats     atomic.Bool
	autoReady         atomic.Bool
	compress          atomic.Bool

	identifies atomic.Int32
	resumes    atomic.Int32
	sessions   atomic.Int32

	mu           sync.Mutex
	conns        []*Conn
	connCh       chan *Conn
	readyServers []shardline.Server
	onConnect    OnConnectFn
}

// NewServer starts a fake gateway on a random local port.
func NewServer(heartbeatInterval time.Duration) *Server {
	s := &Server{
		mux:               http.NewServeMux(),
		heartbeatInterval: heartbeatInterval,
		connCh:            make(chan *Conn, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.ackHeartbeats.Store(true)
	s.autoReady.Store(true)
	s.mux.HandleFunc("/gateway", s.handleWebSocket)
	s.httpServer = httptest.NewServer(s.mux)
	return s
}

// URL is the websocket URL of the gateway endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/gateway"
}

// HTTPURL is the base URL for REST handlers.
func (s *Server) HTTPURL() string {
	return s.httpServer.URL
}

// HandleREST registers a REST handler on the same server.
func (s *Server) HandleREST(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, h)
}

// Close shuts the server and every connection down.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
	s.httpServer.Close()
}

// SetAckHeartbeats toggles heartbeat acknowledgements for all connections.
func (s *Server) SetAckHeartbeats(ack bool) { s.ackHeartbeats.Store(ack) }

// SetAutoReady toggles the automatic READY/RESUMED answers.
func (s *Server) SetAutoReady(auto bool) { s.autoReady.Store(auto) }

// SetCompress makes the server send zlib compressed binary frames.
func (s *Server) SetCompress(on bool) { s.compress.Store(on) }

// SetReadyServers sets the unavailable servers listed in READY.
func (s *Server) SetReadyServers(ids ...shardline.Snowflake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyServers = s.readyServers[:0]
	for _, id := range ids {
		s.readyServers = append(s.readyServers, shardline.Server{ID: id, Unavailable: true})
	}
}

// OnConnect registers a callback for new connections.
func (s *Server) OnConnect(fn OnConnectFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

func (s *Server) Identifies() int { return int(s.identifies.Load()) }
func (s *Server) Resumes() int    { return int(s.resumes.Load()) }

// NextConn waits for the next accepted connection.
func (s *Server) NextConn(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	c := &Conn{
		ws:     ws,
		server: s,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
		query:  r.URL.Query(),
	}

	s.mu.Lock()
	s.conns = append(s.conns, c)
	onConnect := s.onConnect
	s.mu.Unlock()

	go s.handleClient(c, onConnect)
}

// handleClient sends Hello and answers the client's payloads.
func (s *Server) handleClient(c *Conn, onConnect OnConnectFn) {
	defer func() {
		close(c.closed)
		c.ws.Close()
	}()

	if err := c.Send(shardline.OpHello, protocol.Hello{HeartbeatInterval: s.heartbeatInterval.Milliseconds()}); err != nil {
		return
	}
	if onConnect != nil {
		onConnect(c)
	}
	s.connCh <- c

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setCloseErr(err)
			return
		}

		p, err := protocol.Decode(data, false)
		if err != nil {
			c.CloseWithCode(shardline.CloseDecodeError, "decode error")
			return
		}
		c.record(p)

		switch p.Op {
		case shardline.OpHeartbeat:
			if s.ackHeartbeats.Load() {
				c.Send(shardline.OpHeartbeatAck, nil)
			}
		case shardline.OpIdentify:
			s.identifies.Add(1)
			if s.autoReady.Load() {
				c.SendReady()
			}
		case shardline.OpResume:
			s.resumes.Add(1)
			if s.autoReady.Load() {
				r, _ := protocol.DecodeData[protocol.Resume](p)
				c.seq.Store(r.Sequence)
				c.Dispatch("RESUMED", map[string]any{})
			}
		}
	}
}

// Conn is the server side of one client connection.
type Conn struct {
	ws     *websocket.Conn
	server *Server
	query  map[string][]string

	writeMu sync.Mutex
	seq     atomic.Int64

	mu       sync.Mutex
	received []*protocol.Payload
	consumed []bool
	notify   chan struct{}
	closeErr error
	closed   chan struct{}
}

// Query returns the URL query the client connected with.
func (c *Conn) Query(key string) string {
	if v := c.query[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c *Conn) record(p *protocol.Payload) {
	c.mu.Lock()
	c.received = append(c.received, p)
	c.consumed = append(c.consumed, false)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) setCloseErr(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
}

// CloseErr returns the read error that ended the connection.
func (c *Conn) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed when the connection's read loop exits.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Next returns the first payload with opcode op not yet returned by Next.
func (c *Conn) Next(ctx context.Context, op int) (*protocol.Payload, error) {
	for {
		c.mu.Lock()
		for i, p := range c.received {
			if !c.consumed[i] && p.Op == op {
				c.consumed[i] = true
				c.mu.Unlock()
				return p, nil
			}
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.closed:
			return nil, fmt.Errorf("connection closed waiting for op %d", op)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Count returns how many payloads with opcode op were received.
func (c *Conn) Count(op int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.received {
		if p.Op == op {
			n++
		}
	}
	return n
}

// Send writes a payload without a sequence number.
func (c *Conn) Send(op int, data any) error {
	return c.write(map[string]any{"op": op, "d": data})
}

// Dispatch writes an op 0 payload with the next sequence number.
func (c *Conn) Dispatch(name string, data any) error {
	seq := c.seq.Add(1)
	return c.write(map[string]any{"op": shardline.OpDispatch, "t": name, "s": seq, "d": data})
}

// DispatchSeq writes an op 0 payload with an explicit sequence number.
func (c *Conn) DispatchSeq(name string, seq int64, data any) error {
	return c.write(map[string]any{"op": shardline.OpDispatch, "t": name, "s": seq, "d": data})
}

// SendReady sends READY for a new session.
func (c *Conn) SendReady() error {
	c.seq.Store(0)
	n := c.server.sessions.Add(1)
	c.server.mu.Lock()
	servers := append([]shardline.Server(nil), c.server.readyServers...)
	c.server.mu.Unlock()
	return c.Dispatch("READY", map[string]any{
		"session_id":         fmt.Sprintf("session-%d", n),
		"resume_gateway_url": c.server.URL(),
		"user":               shardline.User{ID: 1, Username: "shardline", Bot: true},
		"guilds":             servers,
	})
}

// WriteRaw writes bytes as a text or binary frame.
func (c *Conn) WriteRaw(data []byte, binary bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	return c.ws.WriteMessage(mt, data)
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.server.compress.Load() {
		data, err = deflate(data)
		if err != nil {
			return err
		}
		return c.WriteRaw(data, true)
	}
	return c.WriteRaw(data, false)
}

// CloseWithCode sends a close frame and drops the connection.
func (c *Conn) CloseWithCode(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
