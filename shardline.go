package shardline

import (
	"context"
	"time"
)

// Client is a logged-in connection to the platform: one gateway session per
// configured shard, a rate limited REST client and the entity cache both of
// them keep up to date.
//
// Example usage:
//
//	import "github.com/luciancaetano/shardline/client"
//
//	cfg := shardline.DefaultConfig()
//	cfg.Token = os.Getenv("SHARDLINE_TOKEN")
//	c, err := client.New(cfg)
//
//	c.On(shardline.EventMessageCreate, func(ev shardline.Event) {
//	    log.Printf("%s: %s", ev.Message.Author.Username, ev.Message.Content)
//	})
//
//	if err := c.Connect(ctx); err != nil { ... }
//	defer c.Disconnect(context.Background())
type Client interface {
	// Connect bootstraps the gateway URL through the REST rate limiter and
	// opens every configured shard.
	//
	// It returns once every shard received Ready (and, when configured, every
	// server became ready). Network failures are retried in the background;
	// only fatal conditions such as a rejected token are returned.
	Connect(ctx context.Context) error

	// Disconnect closes every shard with a normal closure, cancels pending
	// REST calls with ErrSessionClosed and waits for in-flight listener
	// callbacks to finish. It is safe to call more than once.
	Disconnect(ctx context.Context) error

	// On registers handler for events of type t.
	//
	// Example:
	//
	//	reg, _ := c.On(shardline.EventMessageDelete, handler,
	//	    shardline.ForObject(messageID),
	//	    shardline.RemoveAfter(10*time.Minute))
	//	defer reg.Remove()
	On(t EventType, handler Handler, opts ...ListenOption) (Registration, error)

	// AddListener registers l once for every listener interface it implements
	// (MessageCreateListener, ServerReadyListener, ...).
	AddListener(l any, opts ...ListenOption) (Registration, error)

	// OnServerReady runs fn exactly once when the server becomes ready, or
	// synchronously if it already is.
	OnServerReady(id Snowflake, fn func(*Server))

	// Server, User and Message read the cache without touching the network.
	Server(id Snowflake) (*Server, bool)
	User(id Snowflake) (*User, bool)
	Message(id Snowflake) (*Message, bool)

	// FetchUser returns the cached user or loads it over REST.
	FetchUser(ctx context.Context, id Snowflake) (*User, error)

	// SendMessage posts a plain text message to a channel.
	SendMessage(ctx context.Context, channelID Snowflake, content string) (*Message, error)

	// RequestMembers asks the gateway for the full member list of a server.
	RequestMembers(ctx context.Context, serverID Snowflake) error

	// UpdatePresence changes the status on every shard.
	UpdatePresence(ctx context.Context, status, activity string) error

	// GatewayLatency returns the last heartbeat round trip of a shard, or
	// LatencyUnknown before the first acknowledgement.
	GatewayLatency(shard int) time.Duration

	// RESTLatency measures one lightweight REST round trip. Concurrent
	// callers share a single measurement.
	RESTLatency(ctx context.Context) (time.Duration, error)

	// Shards returns the shard ids run by this client.
	Shards() []int
}
