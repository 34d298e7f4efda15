package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luciancaetano/shardline"
)

//go:embed global_window.lua
var globalWindowScript string

var globalWindow = redis.NewScript(globalWindowScript)

const (
	DefaultRedisPrefix = "shardline:global:"
	// DefaultRedisLimit per DefaultRedisWindow matches DefaultGlobalInterval.
	DefaultRedisLimit  = 9
	DefaultRedisWindow = time.Second
)

// RedisClient is the subset of the go-redis API the limiter needs.
// *redis.Client, *redis.ClusterClient and *redis.Ring satisfy it.
type RedisClient interface {
	redis.Scripter
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisGlobalLimiter shares the global budget of a token between processes
// with a fixed window counter and a penalty key set on global 429s.
type RedisGlobalLimiter struct {
	client RedisClient
	prefix string
	limit  int
	window time.Duration
}

var _ shardline.GlobalLimiter = (*RedisGlobalLimiter)(nil)

type RedisOption func(*RedisGlobalLimiter)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisGlobalLimiter) { r.prefix = prefix }
}

// WithWindow allows limit requests per window.
func WithWindow(limit int, window time.Duration) RedisOption {
	return func(r *RedisGlobalLimiter) {
		if limit > 0 && window > 0 {
			r.limit = limit
			r.window = window
		}
	}
}

func NewRedisGlobalLimiter(client RedisClient, opts ...RedisOption) *RedisGlobalLimiter {
	r := &RedisGlobalLimiter{
		client: client,
		prefix: DefaultRedisPrefix,
		limit:  DefaultRedisLimit,
		window: DefaultRedisWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisGlobalLimiter) penaltyKey(token string) string {
	return r.prefix + tokenKey(token) + ":penalty"
}

func (r *RedisGlobalLimiter) windowKey(token string) string {
	return r.prefix + tokenKey(token) + ":window"
}

// Allow implements shardline.GlobalLimiter.
func (r *RedisGlobalLimiter) Allow(ctx context.Context, token string) (shardline.Decision, error) {
	keys := []string{r.penaltyKey(token), r.windowKey(token)}
	vals, err := globalWindow.Run(ctx, r.client, keys, r.limit, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return shardline.Decision{}, err
	}
	if len(vals) != 2 {
		return shardline.Decision{}, errors.New("ratelimit: invalid script response")
	}
	if vals[0] == 1 {
		return shardline.Decision{Allow: true}, nil
	}
	return shardline.Decision{RetryAfter: time.Duration(vals[1]) * time.Millisecond}, nil
}

// Penalize implements shardline.GlobalLimiter.
func (r *RedisGlobalLimiter) Penalize(ctx context.Context, token string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.penaltyKey(token), 1, retryAfter).Err()
}
