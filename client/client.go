// Package client assembles gateway sessions, the REST client, the entity
// cache and the event dispatcher into a shardline.Client.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/cache"
	"github.com/luciancaetano/shardline/internal/dispatch"
	"github.com/luciancaetano/shardline/internal/gateway"
	"github.com/luciancaetano/shardline/internal/logger"
	"github.com/luciancaetano/shardline/internal/metrics"
	"github.com/luciancaetano/shardline/internal/protocol"
	"github.com/luciancaetano/shardline/internal/ratelimit"
	"github.com/luciancaetano/shardline/internal/rest"
)

// Client implements shardline.Client.
type Client struct {
	cfg     shardline.Config
	opts    options
	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	rest       *rest.Client
	limiter    *ratelimit.Limiter
	state      *cache.State
	dispatcher *dispatch.Dispatcher
	registry   *dispatch.Registry
	redis      *redis.Client

	mu         sync.Mutex
	sessions   map[int]*gateway.Session
	handlers   map[int]*shardHandler
	shardIDs   []int
	shardCount int
	connected  bool
	closed     bool
	stopCache  context.CancelFunc
}

var _ shardline.Client = (*Client)(nil)

// New validates cfg and builds a client. Nothing touches the network until
// Connect.
func New(cfg shardline.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	wallClock := o.clock == nil
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.reconnectDelay == nil {
		o.reconnectDelay = shardline.DefaultReconnectDelay
	}

	c := &Client{
		cfg:      cfg,
		opts:     o,
		clock:    o.clock,
		log:      logger.Named(o.logger, "client"),
		metrics:  metrics.New(o.registerer),
		sessions: make(map[int]*gateway.Session),
		handlers: make(map[int]*shardHandler),
	}

	global := o.global
	if global == nil && cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c.redis = redis.NewClient(ropts)
		global = ratelimit.NewRedisGlobalLimiter(c.redis)
	}
	if global == nil && wallClock {
		// Clients of one token in this process share its global budget.
		global = ratelimit.ProcessGlobalLimiter(cfg.GlobalInterval)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		hc, err := rest.NewHTTPClient(cfg.ProxyURL, cfg.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		httpClient = hc
	}

	c.limiter = ratelimit.New(ratelimit.Config{
		Token:               cfg.Token,
		Global:              global,
		GlobalInterval:      cfg.GlobalInterval,
		MaxRetries:          cfg.MaxRetries,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
		RetryDelay:          o.reconnectDelay,
		Clock:               c.clock,
		Logger:              logger.Named(o.logger, "ratelimit"),
		Metrics:             c.metrics,
	})
	c.rest = rest.New(rest.Config{
		BaseURL:       cfg.APIBaseURL,
		Version:       cfg.APIVersion,
		Authorization: cfg.Authorization(),
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.RequestTimeout,
		HTTPClient:    httpClient,
		Limiter:       c.limiter,
		Clock:         c.clock,
		Logger:        logger.Named(o.logger, "rest"),
		Metrics:       c.metrics,
	})

	// Full member lists are only sent to clients holding the members intent.
	var requester cache.MemberRequester
	if cfg.Intents.Has(shardline.IntentGuildMembers) {
		requester = c.queueMembers
	}
	c.state = cache.NewState(cache.StateConfig{
		MessageCapacity:  cfg.MessageCacheCapacity,
		MessageRetention: cfg.MessageCacheRetention,
		WaitForMembers:   cfg.WaitForServersOnStartup,
		Requester:        requester,
		Clock:            c.clock,
		Logger:           logger.Named(o.logger, "cache"),
		Metrics:          c.metrics,
	})
	c.state.Servers.SetReadyHook(c.serverReady)

	dlog := logger.Named(o.logger, "dispatch")
	c.dispatcher = dispatch.New(dispatch.Config{
		Workers: cfg.DispatchWorkers,
		Logger:  dlog,
		Metrics: c.metrics,
	})
	c.registry = dispatch.NewRegistry(c.clock, dlog)
	return c, nil
}

// deliver queues ev behind earlier events with the same key.
func (c *Client) deliver(ev shardline.Event) {
	if err := c.dispatcher.Submit(ev.Key, func() { c.registry.Deliver(ev) }); err != nil {
		c.log.Debugw("event dropped", "event", ev.Type, "error", err)
		return
	}
	c.metrics.Dispatched(ev.Type.String())
}

// serverReady turns a server's ready transition into an event. While its
// shard is applying a dispatch the event is held back, so it is queued after
// the event that completed the server.
func (c *Client) serverReady(s *shardline.Server) {
	ev := shardline.Event{
		Type:     shardline.EventServerReady,
		Name:     shardline.EventServerReady.String(),
		Key:      s.ID,
		Objects:  []shardline.Snowflake{s.ID},
		Server:   s,
		ServerID: s.ID,
	}
	c.mu.Lock()
	h := c.handlers[s.ID.ShardFor(c.shardCount)]
	c.mu.Unlock()
	if h != nil && h.hold(ev) {
		return
	}
	c.deliver(ev)
}

// shardHandler applies the dispatches of one shard. A shard's read loop
// calls it sequentially.
type shardHandler struct {
	c     *Client
	shard int

	mu       sync.Mutex
	applying bool
	held     []shardline.Event
}

func (h *shardHandler) hold(ev shardline.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.applying {
		return false
	}
	ev.Shard = h.shard
	h.held = append(h.held, ev)
	return true
}

func (h *shardHandler) HandleDispatch(d shardline.Dispatch) {
	h.mu.Lock()
	h.applying = true
	h.mu.Unlock()

	ev, err := h.c.state.Apply(d)
	if err != nil {
		h.c.log.Warnw("dispatch not applied", "shard", d.Shard, "event", d.Name, "seq", d.Sequence, "error", err)
	} else {
		h.c.deliver(ev)
	}

	h.mu.Lock()
	h.applying = false
	held := h.held
	h.held = nil
	h.mu.Unlock()
	for _, ev := range held {
		h.c.deliver(ev)
	}
}

func (c *Client) On(t shardline.EventType, handler shardline.Handler, opts ...shardline.ListenOption) (shardline.Registration, error) {
	return c.registry.Register(t, handler, opts...)
}

func (c *Client) AddListener(l any, opts ...shardline.ListenOption) (shardline.Registration, error) {
	return c.registry.RegisterListener(l, opts...)
}

func (c *Client) OnServerReady(id shardline.Snowflake, fn func(*shardline.Server)) {
	c.state.Servers.OnReady(id, fn)
}

func (c *Client) Server(id shardline.Snowflake) (*shardline.Server, bool) {
	return c.state.Servers.Get(id)
}

func (c *Client) User(id shardline.Snowflake) (*shardline.User, bool) {
	return c.state.Users.Get(id)
}

func (c *Client) Message(id shardline.Snowflake) (*shardline.Message, bool) {
	return c.state.Messages.Get(id)
}

func (c *Client) FetchUser(ctx context.Context, id shardline.Snowflake) (*shardline.User, error) {
	if u, ok := c.state.Users.Get(id); ok {
		return u, nil
	}
	u, err := c.rest.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.state.Users.Put(u.ID, u), nil
}

func (c *Client) SendMessage(ctx context.Context, channelID shardline.Snowflake, content string) (*shardline.Message, error) {
	msg, err := c.rest.CreateMessage(ctx, channelID, content)
	if err != nil {
		return nil, err
	}
	if msg.Author != nil {
		msg.Author = c.state.Users.Put(msg.Author.ID, msg.Author)
	}
	return c.state.Messages.Put(msg), nil
}

// FetchMessage returns the cached message or loads it over REST.
func (c *Client) FetchMessage(ctx context.Context, channelID, id shardline.Snowflake) (*shardline.Message, error) {
	if msg, ok := c.state.Messages.Get(id); ok {
		return msg, nil
	}
	msg, err := c.rest.GetMessage(ctx, channelID, id)
	if err != nil {
		return nil, err
	}
	if msg.Author != nil {
		msg.Author = c.state.Users.Put(msg.Author.ID, msg.Author)
	}
	return c.state.Messages.Put(msg), nil
}

// DeleteMessage deletes a message and drops it from the cache.
func (c *Client) DeleteMessage(ctx context.Context, channelID, id shardline.Snowflake) error {
	if err := c.rest.DeleteMessage(ctx, channelID, id); err != nil {
		return err
	}
	c.state.Messages.Remove(id)
	return nil
}

// session returns the session receiving events of serverID.
func (c *Client) session(serverID shardline.Snowflake) (*gateway.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	shard := serverID.ShardFor(c.shardCount)
	s, ok := c.sessions[shard]
	if !ok {
		return nil, fmt.Errorf("server %s is on shard %d, which this client does not run: %w",
			serverID, shard, shardline.ErrNotConnected)
	}
	return s, nil
}

func (c *Client) RequestMembers(ctx context.Context, serverID shardline.Snowflake) error {
	s, err := c.session(serverID)
	if err != nil {
		return err
	}
	nonce, err := s.RequestMembers(ctx, serverID, "", 0, false)
	if err != nil {
		return err
	}
	c.log.Debugw("member list requested", "server", serverID, "shard", s.Shard(), "nonce", nonce)
	return nil
}

// queueMembers hands the full member list request of serverID to its shard.
// A closed session leaves the server waiting; the next Connect asks again.
func (c *Client) queueMembers(_ context.Context, serverID shardline.Snowflake) error {
	s, err := c.session(serverID)
	if err != nil {
		return err
	}
	if err := s.QueueMemberRequest(serverID); err != nil && !errors.Is(err, shardline.ErrSessionClosed) {
		return err
	}
	return nil
}

// UpdateVoiceState joins, moves between or, with a zero channelID, leaves
// voice channels of a server.
func (c *Client) UpdateVoiceState(ctx context.Context, serverID, channelID shardline.Snowflake, selfMute, selfDeaf bool) error {
	s, err := c.session(serverID)
	if err != nil {
		return err
	}
	v := protocol.VoiceState{ServerID: serverID, SelfMute: selfMute, SelfDeaf: selfDeaf}
	if channelID != 0 {
		v.ChannelID = &channelID
	}
	return s.UpdateVoiceState(ctx, v)
}

func (c *Client) GatewayLatency(shard int) time.Duration {
	c.mu.Lock()
	s, ok := c.sessions[shard]
	c.mu.Unlock()
	if !ok {
		return shardline.LatencyUnknown
	}
	return s.Latency()
}

func (c *Client) RESTLatency(ctx context.Context) (time.Duration, error) {
	return c.rest.Latency(ctx)
}

func (c *Client) Shards() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.shardIDs)
}
