package client

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/ratelimit"
)

type options struct {
	global         shardline.GlobalLimiter
	reconnectDelay shardline.ReconnectDelayFunc
	httpClient     *http.Client
	logger         *zap.Logger
	registerer     prometheus.Registerer
	clock          clock.Clock
	dialer         *gorilla.Dialer
}

// Option customizes what Config cannot express.
type Option func(*options)

// WithGlobalLimiter shares a global request budget, for example with other
// processes using the same token.
func WithGlobalLimiter(l shardline.GlobalLimiter) Option {
	return func(o *options) { o.global = l }
}

// WithReconnectDelay replaces DefaultReconnectDelay for shard reconnects and
// REST retries.
func WithReconnectDelay(fn shardline.ReconnectDelayFunc) Option {
	return func(o *options) { o.reconnectDelay = fn }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer exports the client's metrics through reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithDialer(d *gorilla.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// RedisClient is what the Redis global limiter needs from a go-redis client.
type RedisClient = ratelimit.RedisClient

type RedisOption = ratelimit.RedisOption

// WithRedisPrefix sets the key prefix of the Redis global limiter.
func WithRedisPrefix(prefix string) RedisOption { return ratelimit.WithPrefix(prefix) }

// WithRedisWindow allows limit requests per window across all processes.
func WithRedisWindow(limit int, window time.Duration) RedisOption {
	return ratelimit.WithWindow(limit, window)
}

// NewMemoryGlobalLimiter returns a process local GlobalLimiter allowing one
// request per interval for every token. Without any global limiter option,
// clients built by New already share one per GlobalInterval; a separate
// instance is only needed to isolate clients from each other.
func NewMemoryGlobalLimiter(interval time.Duration) shardline.GlobalLimiter {
	return ratelimit.NewMemoryGlobalLimiter(interval, 1, nil)
}

// NewRedisGlobalLimiter returns a GlobalLimiter shared by every process
// connected to the same Redis.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c, err := client.New(cfg, client.WithGlobalLimiter(client.NewRedisGlobalLimiter(rdb)))
func NewRedisGlobalLimiter(rdb RedisClient, opts ...RedisOption) shardline.GlobalLimiter {
	return ratelimit.NewRedisGlobalLimiter(rdb, opts...)
}
