package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/gateway"
	"github.com/luciancaetano/shardline/internal/logger"
	"github.com/luciancaetano/shardline/internal/protocol"
)

// Connect bootstraps the gateway and opens every configured shard. It
// returns once all of them are connected and, with WaitForServersOnStartup,
// every server seen during startup is ready.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return shardline.ErrSessionClosed
	case c.connected:
		c.mu.Unlock()
		return shardline.ErrAlreadyOpen
	}
	c.connected = true
	c.mu.Unlock()

	bot, err := c.rest.GatewayBot(ctx)
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return fmt.Errorf("gateway bootstrap: %w", err)
	}

	count := c.cfg.ShardCount
	if count == 0 {
		count = bot.Shards
	}
	ids := c.cfg.ShardIDs
	if len(ids) == 0 {
		ids = make([]int, count)
		for i := range ids {
			ids[i] = i
		}
	}
	for _, id := range ids {
		if id >= count {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return fmt.Errorf("shard %d out of range for %d shards", id, count)
		}
	}
	if limit := bot.SessionStartLimit; limit.Total > 0 && limit.Remaining < len(ids) {
		c.log.Warnw("session start limit nearly exhausted, identifies will wait",
			"remaining", limit.Remaining, "shards", len(ids), "reset_in", limit.ResetIn())
	}
	identify := gateway.NewIdentifyLimiter(c.cfg.IdentifyInterval, bot.SessionStartLimit.MaxConcurrency)

	c.mu.Lock()
	c.shardCount = count
	c.shardIDs = ids
	for _, id := range ids {
		h := &shardHandler{c: c, shard: id}
		c.handlers[id] = h
		c.sessions[id] = gateway.New(gateway.Config{
			Token:                c.cfg.Token,
			URL:                  bot.URL,
			Version:              c.cfg.APIVersion,
			Compress:             c.cfg.Compress,
			Shard:                id,
			ShardCount:           count,
			Intents:              c.cfg.Intents,
			LargeThreshold:       c.cfg.LargeThreshold,
			ReconnectDelay:       c.opts.reconnectDelay,
			MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
			ResumeStaleAfter:     c.cfg.ResumeStaleAfter,
			CloseTimeout:         c.cfg.CloseTimeout,
			IdentifyLimiter:      identify,
			Handler:              h,
			Dialer:               c.opts.dialer,
			Clock:                c.clock,
			Logger:               logger.Named(c.opts.logger, "gateway"),
			Metrics:              c.metrics,
		})
	}
	maintenance, stop := context.WithCancel(context.Background())
	c.stopCache = stop
	sessions := c.sessionList()
	c.mu.Unlock()

	if c.cfg.CacheCleanupInterval > 0 {
		go c.state.Run(maintenance, c.cfg.CacheCleanupInterval)
	}

	c.log.Infow("connecting", "shards", ids, "shard_count", count, "gateway", bot.URL)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Open(gctx); err != nil {
				return fmt.Errorf("shard %d: %w", s.Shard(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.abort(sessions, stop)
		return err
	}

	if c.cfg.WaitForServersOnStartup {
		if err := c.state.Servers.Wait(ctx); err != nil {
			pending := c.state.Servers.NotReady()
			c.abort(sessions, stop)
			return fmt.Errorf("wait for servers %v: %w", pending, err)
		}
	}
	c.log.Infow("connected", "shards", ids)
	return nil
}

// abort closes the sessions of a failed Connect and resets the client so
// that Connect can be called again.
func (c *Client) abort(sessions []*gateway.Session, stop context.CancelFunc) {
	if err := c.closeSessions(context.Background(), sessions); err != nil {
		c.log.Warnw("closing shards after failed connect", "error", err)
	}
	stop()
	c.state.Servers.ResetRequests()

	c.mu.Lock()
	clear(c.sessions)
	clear(c.handlers)
	c.shardIDs = nil
	c.shardCount = 0
	c.stopCache = nil
	c.connected = false
	c.mu.Unlock()
}

// sessionList returns the sessions in shard order. Caller holds mu.
func (c *Client) sessionList() []*gateway.Session {
	out := make([]*gateway.Session, 0, len(c.shardIDs))
	for _, id := range c.shardIDs {
		out = append(out, c.sessions[id])
	}
	return out
}

func (c *Client) closeSessions(ctx context.Context, sessions []*gateway.Session) error {
	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("close shard %d: %w", s.Shard(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

// Disconnect closes every shard, cancels queued REST calls with
// ErrSessionClosed, stops cache maintenance and waits for listeners still
// running. Calling it again does nothing.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessionList()
	stop := c.stopCache
	c.mu.Unlock()

	errs := c.closeSessions(ctx, sessions)
	c.rest.Close()
	if stop != nil {
		stop()
	}
	errs = multierr.Append(errs, c.dispatcher.Close(ctx))
	if c.redis != nil {
		errs = multierr.Append(errs, c.redis.Close())
	}
	c.log.Infow("disconnected", "shards", len(sessions))
	return errs
}

// UpdatePresence sets status and a playing activity on every shard.
// An empty activity clears it.
func (c *Client) UpdatePresence(ctx context.Context, status, activity string) error {
	p := protocol.Presence{Status: status}
	if activity != "" {
		p.Activities = []protocol.Activity{{Name: activity}}
	}

	c.mu.Lock()
	sessions := c.sessionList()
	c.mu.Unlock()

	var errs error
	for _, s := range sessions {
		if err := s.UpdatePresence(ctx, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shard %d: %w", s.Shard(), err))
		}
	}
	return errs
}
