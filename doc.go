// Package shardline is a client library for a chat platform's real-time
// gateway and REST API.
//
// It keeps one gateway session per shard alive, gates every REST call through
// a bucket aware rate limiter and maintains an entity cache that feeds an
// ordered event dispatcher.
//
// # Architecture
//
// Data flows in one direction:
//
//	gateway bytes -> decode -> cache mutation -> dispatcher -> listeners
//
// Each shard owns a read loop and a heartbeat goroutine. Decoded dispatches
// update the cache first, so listeners always observe the post-event state.
// Outgoing gateway commands (presence, voice state, member requests) are
// written straight to the socket; REST calls go through the rate limiter.
//
// # Quick Start
//
//	cfg := shardline.DefaultConfig()
//	cfg.Token = os.Getenv("SHARDLINE_TOKEN")
//	cfg.Intents |= shardline.IntentMessageContent
//
//	c, err := client.New(cfg)
//	if err != nil { ... }
//
//	c.On(shardline.EventMessageCreate, func(ev shardline.Event) {
//	    if ev.Message.Content == "!ping" {
//	        c.SendMessage(ctx, ev.Message.ChannelID, "pong")
//	    }
//	})
//
//	if err := c.Connect(ctx); err != nil { ... }
//
// # Sessions and Reconnects
//
// A shard goes through Disconnected, Connecting, Identifying or Resuming,
// Connected, Reconnecting and finally Closed. Lost connections are resumed
// when the session is still valid and re-identified otherwise. A missing
// heartbeat acknowledgement is treated as a dead connection. The delay
// between attempts is a ReconnectDelayFunc; the default grows with the
// attempt number and is staggered by ShardStagger per shard index.
//
// A rejected token closes the shard for good and Connect returns an error
// matching ErrAuthenticationFailed.
//
// # Rate Limiting
//
// Every REST route maps to a bucket keyed by its template and major
// parameters (server, channel, webhook). Buckets learn their limit from
// response headers and hold requests once exhausted. 429 responses are
// waited out and retried without the caller noticing; a global 429 pauses
// every bucket.
//
// A GlobalLimiter shared by all shards bounds the overall request rate of a
// token. The default is process local; a Redis backed implementation
// coordinates several processes:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c, _ := client.New(cfg, client.WithGlobalLimiter(client.NewRedisGlobalLimiter(rdb)))
//
// # Caching
//
// Users and messages are held through weak pointers: once nothing else
// references an entity it disappears from the cache within one cleanup
// interval. The most recent messages per client are kept alive by a bounded,
// expiring LRU. Servers are staged: they become ready once their member
// list is synchronized, and OnServerReady callbacks fire exactly once.
//
// # Important
//
//   - Listeners run on a shared worker pool; do not block them indefinitely
//   - Events about the same entity are delivered in gateway order
//   - Entities returned from the cache are shared; treat them as read only
package shardline
