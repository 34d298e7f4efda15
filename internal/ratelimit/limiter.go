// Package ratelimit gates REST requests through per-route buckets and a
// per-token global limit.
package ratelimit

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/logger"
	"github.com/luciancaetano/shardline/internal/metrics"
)

// SendFunc performs one HTTP attempt. Network failures should be returned as
// transient *shardline.RESTError values so they are retried.
type SendFunc func(ctx context.Context) (*http.Response, error)

type Config struct {
	Token string
	// Global is consulted before every request. Nil uses a
	// MemoryGlobalLimiter with GlobalInterval owned by this Limiter; pass
	// ProcessGlobalLimiter to share the budget with other limiters.
	Global         shardline.GlobalLimiter
	GlobalInterval time.Duration

	MaxRetries          int
	MaxRateLimitRetries int
	RetryDelay          shardline.ReconnectDelayFunc

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Limiter coordinates every REST call of one token.
type Limiter struct {
	cfg      Config
	global   shardline.GlobalLimiter
	fallback *MemoryGlobalLimiter
	clock    clock.Clock
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	buckets     map[string]*Bucket
	hashes      map[string]string
	globalUntil time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Logger("ratelimit")
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = shardline.DefaultReconnectDelay
	}
	if cfg.MaxRateLimitRetries <= 0 {
		cfg.MaxRateLimitRetries = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	l := &Limiter{
		cfg:      cfg,
		fallback: NewMemoryGlobalLimiter(cfg.GlobalInterval, 1, cfg.Clock),
		clock:    cfg.Clock,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		buckets:  make(map[string]*Bucket),
		hashes:   make(map[string]string),
	}
	l.global = cfg.Global
	if l.global == nil {
		l.global = l.fallback
	}
	return l
}

func (l *Limiter) bucketFor(r Route) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := r.key()
	if hash, ok := l.hashes[r.String()]; ok {
		hashKey := hash + "|" + r.Major
		if b, ok := l.buckets[hashKey]; ok {
			return b
		}
		if b, ok := l.buckets[key]; ok {
			l.buckets[hashKey] = b
			return b
		}
		key = hashKey
	}
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(key)
		l.buckets[key] = b
	}
	return b
}

// learnHash records the server side bucket of a route so routes sharing a
// hash share a Bucket.
func (l *Limiter) learnHash(r Route, b *Bucket, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hashes[r.String()] == hash {
		return
	}
	l.hashes[r.String()] = hash
	hashKey := hash + "|" + r.Major
	if _, ok := l.buckets[hashKey]; !ok {
		l.buckets[hashKey] = b
	}
}

// Snapshot returns the state of the bucket r currently maps to.
func (l *Limiter) Snapshot(r Route) BucketState {
	return l.bucketFor(r).State()
}

// GlobalUntil returns the end of the current global pause, if any.
func (l *Limiter) GlobalUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalUntil
}

// Do runs send once the bucket of route and the global limit allow it.
// 429 responses are absorbed and retried; the caller only sees one when the
// retry budget is spent. The response body of a returned response is the
// caller's to close.
func (l *Limiter) Do(ctx context.Context, route Route, send SendFunc) (*http.Response, error) {
	var transient, limited int
	for {
		b := l.bucketFor(route)
		waited, err := b.acquire(ctx, l.clock)
		l.metrics.RateLimitWait("bucket", waited)
		if err != nil {
			return nil, err
		}
		if err := l.waitGlobal(ctx); err != nil {
			b.release(Metadata{}, l.clock.Now(), false)
			return nil, err
		}

		resp, err := send(ctx)
		now := l.clock.Now()
		if err != nil {
			b.release(Metadata{}, now, false)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shardline.IsTransient(err) {
				return nil, err
			}
			transient++
			if transient > l.cfg.MaxRetries {
				return nil, err
			}
			delay := l.cfg.RetryDelay(transient, 0)
			l.log.Warnw("request failed, retrying", "route", route.String(), "attempt", transient, "delay", delay, "error", err)
			if err := sleep(ctx, l.clock, delay, nil); err != nil {
				return nil, err
			}
			continue
		}

		meta := ParseHeaders(resp.Header, now)
		if meta.Bucket != "" {
			l.learnHash(route, b, meta.Bucket)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			b.release(meta, now, true)
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		retryAfter, global := parseTooManyRequests(body, meta)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		b.release(meta, now, true)

		scope := "route"
		if global {
			scope = "global"
			l.penalize(ctx, now.Add(retryAfter), retryAfter)
		} else {
			b.block(now.Add(retryAfter))
		}
		l.metrics.RateLimitHit(scope)

		limited++
		if limited > l.cfg.MaxRateLimitRetries {
			return nil, &shardline.RESTError{
				Kind:       shardline.KindRateLimited,
				Route:      route.String(),
				Status:     http.StatusTooManyRequests,
				Message:    "rate limit retries exhausted",
				RetryAfter: retryAfter,
			}
		}
		l.log.Debugw("rate limited", "route", route.String(), "scope", scope, "retry_after", retryAfter)
	}
}

// waitGlobal blocks until the global pause is over and the global limiter
// admits one request. A failing injected limiter degrades to the local one.
func (l *Limiter) waitGlobal(ctx context.Context) error {
	start := l.clock.Now()
	defer func() { l.metrics.RateLimitWait("global", l.clock.Since(start)) }()

	for {
		if d := l.GlobalUntil().Sub(l.clock.Now()); d > 0 {
			if err := sleep(ctx, l.clock, d, nil); err != nil {
				return err
			}
			continue
		}

		dec, err := l.global.Allow(ctx, l.cfg.Token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warnw("global limiter failed, using local limiter", "error", err)
			dec, err = l.fallback.Allow(ctx, l.cfg.Token)
			if err != nil {
				return err
			}
		}
		if dec.Allow {
			return nil
		}
		if err := sleep(ctx, l.clock, max(dec.RetryAfter, time.Millisecond), nil); err != nil {
			return err
		}
	}
}

// penalize pauses every bucket until until and reports the pause to the
// global limiter so other processes sharing the token see it.
func (l *Limiter) penalize(ctx context.Context, until time.Time, retryAfter time.Duration) {
	l.mu.Lock()
	if until.After(l.globalUntil) {
		l.globalUntil = until
	}
	l.mu.Unlock()

	if err := l.global.Penalize(ctx, l.cfg.Token, retryAfter); err != nil {
		l.log.Warnw("global limiter penalize failed", "error", err)
	}
	l.log.Warnw("global rate limit hit", "retry_after", retryAfter)
}

func tokenKey(token string) string {
	return strconv.FormatUint(xxhash.Sum64String(token), 16)
}
