// Package gateway keeps one shard's gateway session alive: handshake,
// heartbeats, reconnects and outgoing commands.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/logger"
	"github.com/luciancaetano/shardline/internal/metrics"
	"github.com/luciancaetano/shardline/internal/protocol"
	"github.com/luciancaetano/shardline/internal/websocket"
)

const (
	dialTimeout  = 30 * time.Second
	helloTimeout = 20 * time.Second
)

// Handler receives every dispatch of a session, in sequence order, from the
// session's read goroutine.
type Handler interface {
	HandleDispatch(d shardline.Dispatch)
}

type HandlerFunc func(d shardline.Dispatch)

func (f HandlerFunc) HandleDispatch(d shardline.Dispatch) { f(d) }

type Config struct {
	// Token is the raw credential sent in Identify and Resume.
	Token          string
	URL            string
	Version        int
	Compress       bool
	Shard          int
	ShardCount     int
	Intents        shardline.Intents
	LargeThreshold int
	Presence       *protocol.Presence

	ReconnectDelay shardline.ReconnectDelayFunc
	// MaxReconnectAttempts bounds consecutive failed attempts. Zero is unlimited.
	MaxReconnectAttempts int
	// ResumeStaleAfter is how long a lost session stays resumable. Zero
	// never expires it.
	ResumeStaleAfter time.Duration
	CloseTimeout     time.Duration
	// IdentifyLimiter is shared by every shard of a client. Nil does not
	// throttle.
	IdentifyLimiter *rate.Limiter

	Handler Handler
	Dialer  *gorilla.Dialer
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Session is the connection of one shard.
type Session struct {
	cfg      Config
	clock    clock.Clock
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	commands *rate.Limiter
	members  *memberQueue

	// invalidDelay is the pause before identifying after a non-resumable
	// InvalidSession.
	invalidDelay func() time.Duration

	state   atomic.Int32
	seq     atomic.Int64
	latency atomic.Int64

	mu             sync.Mutex
	conn           *websocket.Conn
	sessionID      string
	resumeURL      string
	disconnectedAt time.Time
	started        bool
	err            error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	ready     chan error
	readyOnce sync.Once
	closeOnce sync.Once
}

func New(cfg Config) *Session {
	if cfg.Version == 0 {
		cfg.Version = shardline.DefaultAPIVersion
	}
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}
	if cfg.ReconnectDelay == nil {
		cfg.ReconnectDelay = shardline.DefaultReconnectDelay
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Logger("gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("shard", cfg.Shard),
		metrics:  cfg.Metrics,
		commands: NewCommandLimiter(),
		members:  newMemberQueue(),
		invalidDelay: func() time.Duration {
			return time.Second + rand.N(4*time.Second)
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan error, 1),
	}
	s.latency.Store(int64(shardline.LatencyUnknown))
	return s
}

func (s *Session) Shard() int { return s.cfg.Shard }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	if old := State(s.state.Swap(int32(st))); old != st {
		s.log.Debugw("state changed", "from", old, "to", st)
	}
}

// Sequence is the last sequence number received in the current session.
func (s *Session) Sequence() int64 { return s.seq.Load() }

// bumpSequence keeps the sequence non-decreasing even when payloads arrive
// out of order.
func (s *Session) bumpSequence(n int64) {
	for {
		cur := s.seq.Load()
		if n <= cur || s.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Latency is the round trip of the last acknowledged heartbeat, or
// shardline.LatencyUnknown.
func (s *Session) Latency() time.Duration { return time.Duration(s.latency.Load()) }

// Done is closed when the session stops for good.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session stopped, once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Open starts the session and blocks until the first READY or RESUMED, a
// fatal error, or ctx is done. Failed attempts before that are retried.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return shardline.ErrAlreadyOpen
	}
	s.started = true
	s.mu.Unlock()

	go s.run()

	select {
	case err := <-s.ready:
		return err
	case <-ctx.Done():
		closeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
		defer cancel()
		s.Close(closeCtx)
		return ctx.Err()
	}
}

func (s *Session) signalReady(err error) {
	s.readyOnce.Do(func() { s.ready <- err })
}

// Close ends the session with a normal closure and waits for the read loop
// to see the server's reply, at most CloseTimeout. It is safe to call more
// than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		conn, started := s.conn, s.started
		s.mu.Unlock()

		if conn != nil {
			if werr := conn.WriteClose(gorilla.CloseNormalClosure, ""); werr != nil {
				s.log.Debugw("write close frame", "error", werr)
			}
		}
		if started {
			t := s.clock.Timer(s.cfg.CloseTimeout)
			select {
			case <-s.done:
			case <-t.C:
				s.log.Warnw("close handshake timed out")
			case <-ctx.Done():
				err = ctx.Err()
			}
			t.Stop()
		}
		if conn != nil {
			conn.Terminate()
		}
		if started && err == nil {
			select {
			case <-s.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		s.finish(shardline.ErrSessionClosed)
		s.log.Infow("session closed")
	})
	return err
}

// finish records the terminal error and moves to Closed.
func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.setState(StateClosed)
	s.signalReady(err)
}

// outcome describes how a connection ended.
type outcome struct {
	action        action
	code          int
	err           error
	ready         bool
	identifyDelay bool
}

func (s *Session) canResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return false
	}
	if s.cfg.ResumeStaleAfter > 0 && !s.disconnectedAt.IsZero() &&
		s.clock.Since(s.disconnectedAt) > s.cfg.ResumeStaleAfter {
		s.log.Infow("session too old to resume", "disconnected_for", s.clock.Since(s.disconnectedAt))
		return false
	}
	return true
}

func (s *Session) invalidate() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
}

func (s *Session) run() {
	defer close(s.done)

	attempt := 0
	for {
		resume := s.canResume()
		out := s.connect(resume)
		if s.ctx.Err() != nil {
			return
		}
		if out.ready {
			attempt = 0
		}

		if out.action == actionFatal {
			gerr := &shardline.GatewayError{
				Shard:  s.cfg.Shard,
				Code:   out.code,
				Reason: closeReason(out.code),
				Fatal:  true,
				Err:    out.err,
			}
			s.log.Errorw("session closed by server", "code", out.code, "reason", gerr.Reason)
			s.finish(gerr)
			return
		}
		if out.action == actionIdentify {
			s.invalidate()
		}

		attempt++
		if s.cfg.MaxReconnectAttempts > 0 && attempt > s.cfg.MaxReconnectAttempts {
			s.finish(&shardline.GatewayError{
				Shard:  s.cfg.Shard,
				Code:   out.code,
				Reason: shardline.ErrMsgReconnectExhausted,
				Err:    out.err,
			})
			return
		}

		delay := s.cfg.ReconnectDelay(attempt, s.cfg.Shard)
		if out.identifyDelay {
			delay = s.invalidDelay()
		}
		resumeNext := s.canResume()
		s.metrics.Reconnect(s.cfg.Shard, resumeNext)
		s.log.Infow("reconnecting", "attempt", attempt, "delay", delay, "resume", resumeNext, "code", out.code, "error", out.err)
		s.setState(StateReconnecting)

		t := s.clock.Timer(delay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *Session) gatewayURL(resume bool) (string, error) {
	base := s.cfg.URL
	if resume {
		s.mu.Lock()
		if s.resumeURL != "" {
			base = s.resumeURL
		}
		s.mu.Unlock()
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(s.cfg.Version))
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect runs one connection from dial to disconnect.
func (s *Session) connect(resume bool) outcome {
	s.setState(StateConnecting)
	target, err := s.gatewayURL(resume)
	if err != nil {
		return outcome{action: actionFatal, err: err}
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, dialTimeout)
	conn, err := websocket.Dial(dialCtx, s.cfg.Dialer, target, nil)
	cancel()
	if err != nil {
		return outcome{action: actionResume, err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		conn.Terminate()
	}
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.disconnectedAt = s.clock.Now()
		s.mu.Unlock()
		conn.Terminate()
	}()

	hello, err := s.readHello(conn)
	if err != nil {
		return s.lost(err, false)
	}

	hbCtx, hbCancel := context.WithCancel(s.ctx)
	defer hbCancel()

	var zombie atomic.Bool
	hb := newHeartbeater(hello.Interval(), s.clock, s.log)
	hb.send = conn.Send
	hb.sequence = s.Sequence
	hb.onZombie = func() {
		zombie.Store(true)
		conn.CloseWithCode(shardline.CloseUnknownError, "heartbeat ack missing")
	}
	hb.onLatency = func(d time.Duration) {
		s.latency.Store(int64(d))
		s.metrics.GatewayLatency(s.cfg.Shard, d)
	}
	go hb.run(hbCtx, rand.Float64())

	if resume {
		s.setState(StateResuming)
		s.mu.Lock()
		r := protocol.Resume{Token: s.cfg.Token, SessionID: s.sessionID, Sequence: s.Sequence()}
		s.mu.Unlock()
		err = s.sendNow(conn, shardline.OpResume, r)
	} else {
		if s.cfg.IdentifyLimiter != nil {
			if err := s.cfg.IdentifyLimiter.Wait(s.ctx); err != nil {
				return outcome{action: actionResume, err: err}
			}
		}
		s.setState(StateIdentifying)
		s.seq.Store(0)
		s.invalidate()
		err = s.sendNow(conn, shardline.OpIdentify, s.identify())
	}
	if err != nil {
		return s.lost(err, zombie.Load())
	}

	return s.readLoop(hbCtx, conn, hb, &zombie)
}

func (s *Session) readHello(conn *websocket.Conn) (protocol.Hello, error) {
	timer := s.clock.AfterFunc(helloTimeout, func() { conn.Terminate() })
	defer timer.Stop()

	data, binary, err := conn.Read()
	if err != nil {
		return protocol.Hello{}, err
	}
	p, err := protocol.Decode(data, binary)
	if err != nil {
		return protocol.Hello{}, err
	}
	if p.Op != shardline.OpHello {
		return protocol.Hello{}, fmt.Errorf("%s, got op %d", shardline.ErrMsgUnexpectedHello, p.Op)
	}
	hello, err := protocol.DecodeData[protocol.Hello](p)
	if err != nil {
		return protocol.Hello{}, err
	}
	if hello.HeartbeatInterval <= 0 {
		return protocol.Hello{}, errors.New("hello without heartbeat interval")
	}
	return hello, nil
}

func (s *Session) identify() protocol.Identify {
	return protocol.Identify{
		Token: s.cfg.Token,
		Properties: protocol.IdentifyProperties{
			OS:      "linux",
			Browser: "shardline",
			Device:  "shardline",
		},
		Compress:       s.cfg.Compress,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.cfg.Shard, s.cfg.ShardCount},
		Presence:       s.cfg.Presence,
		Intents:        s.cfg.Intents,
	}
}

func (s *Session) sendNow(conn *websocket.Conn, op int, data any) error {
	payload, err := protocol.Encode(op, data)
	if err != nil {
		return fmt.Errorf("%s: %w", shardline.ErrMsgFailedToEncode, err)
	}
	return conn.Send(s.ctx, payload)
}

// lost classifies a read or write error that ended the connection.
func (s *Session) lost(err error, zombie bool) outcome {
	if zombie {
		return outcome{action: actionResume, code: shardline.CloseUnknownError, err: err}
	}
	code := websocket.CloseCode(err)
	return outcome{action: classify(code), code: code, err: err}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, hb *heartbeater, zombie *atomic.Bool) outcome {
	ready := false
	for {
		data, binary, err := conn.Read()
		if err != nil {
			out := s.lost(err, zombie.Load())
			out.ready = ready
			return out
		}

		p, err := protocol.Decode(data, binary)
		if err != nil {
			s.log.Warnw("skipping malformed payload", "error", err)
			s.metrics.MalformedPayload(s.cfg.Shard)
			continue
		}

		switch p.Op {
		case shardline.OpDispatch:
			if s.handleDispatch(p) && !ready {
				ready = true
				go s.sendMemberRequests(ctx, conn)
			}
		case shardline.OpHeartbeat:
			hb.beatNow()
		case shardline.OpHeartbeatAck:
			hb.ack()
		case shardline.OpReconnect:
			s.log.Infow("server requested reconnect")
			conn.CloseWithCode(shardline.CloseUnknownError, "reconnect requested")
			return outcome{action: actionResume, ready: ready}
		case shardline.OpInvalidSession:
			if protocol.InvalidSessionResumable(p) {
				s.log.Infow("invalid session, resuming")
				conn.CloseWithCode(shardline.CloseUnknownError, "invalid session")
				return outcome{action: actionResume, ready: ready}
			}
			s.log.Infow("invalid session, identifying again")
			conn.CloseWithCode(gorilla.CloseNormalClosure, "invalid session")
			return outcome{action: actionIdentify, ready: ready, identifyDelay: true}
		case shardline.OpHello:
			s.log.Debugw("ignoring repeated hello")
		default:
			s.log.Debugw("ignoring opcode", "op", p.Op)
		}
	}
}

// handleDispatch passes an op 0 payload on and reports whether it completed
// the handshake.
func (s *Session) handleDispatch(p *protocol.Payload) bool {
	var seq int64
	if p.Sequence != nil {
		seq = *p.Sequence
		s.bumpSequence(seq)
	}
	s.metrics.GatewayEvent(s.cfg.Shard)

	handshake := false
	switch p.Type {
	case "READY":
		r, err := protocol.DecodeData[protocol.Ready](p)
		if err != nil {
			s.log.Warnw("malformed READY", "error", err)
			s.metrics.MalformedPayload(s.cfg.Shard)
			return false
		}
		s.mu.Lock()
		s.sessionID = r.SessionID
		s.resumeURL = r.ResumeGatewayURL
		s.mu.Unlock()
		s.log.Infow("session ready", "session_id", r.SessionID, "servers", len(r.Servers))
		handshake = true
	case "RESUMED":
		s.log.Infow("session resumed", "seq", s.Sequence())
		handshake = true
	}

	s.trackMembers(p.Type, p.Data)
	if s.cfg.Handler != nil {
		s.cfg.Handler.HandleDispatch(shardline.Dispatch{
			Shard:    s.cfg.Shard,
			Sequence: seq,
			Name:     p.Type,
			Data:     p.Data,
		})
	}
	if handshake {
		s.members.rewind()
		s.setState(StateConnected)
		s.signalReady(nil)
	}
	return handshake
}

// command sends a throttled gateway command on the live connection.
func (s *Session) command(ctx context.Context, op int, data any) error {
	payload, err := protocol.Encode(op, data)
	if err != nil {
		return fmt.Errorf("%s: %w", shardline.ErrMsgFailedToEncode, err)
	}
	if s.State() != StateConnected {
		return shardline.ErrNotConnected
	}
	if err := s.commands.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return shardline.ErrNotConnected
	}
	return conn.Send(ctx, payload)
}

// RequestMembers asks for the member list of a server. Members arrive as
// GUILD_MEMBERS_CHUNK dispatches tagged with the returned nonce.
func (s *Session) RequestMembers(ctx context.Context, serverID shardline.Snowflake, query string, limit int, presences bool) (string, error) {
	nonce := uuid.NewString()
	err := s.command(ctx, shardline.OpRequestGuildMembers, protocol.RequestMembers{
		ServerID:  serverID,
		Query:     query,
		Limit:     limit,
		Presences: presences,
		Nonce:     nonce,
	})
	if err != nil {
		return "", err
	}
	return nonce, nil
}

func (s *Session) UpdatePresence(ctx context.Context, p protocol.Presence) error {
	if p.Activities == nil {
		p.Activities = []protocol.Activity{}
	}
	return s.command(ctx, shardline.OpPresenceUpdate, p)
}

func (s *Session) UpdateVoiceState(ctx context.Context, v protocol.VoiceState) error {
	return s.command(ctx, shardline.OpVoiceStateUpdate, v)
}
