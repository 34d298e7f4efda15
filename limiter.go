package shardline

import (
	"context"
	"math"
	"time"
)

// Decision is the answer of a GlobalLimiter.
type Decision struct {
	// Allow reports whether the request may be sent now.
	Allow bool
	// RetryAfter is zero when allowed; otherwise the caller should ask again
	// after this long.
	RetryAfter time.Duration
}

// GlobalLimiter guards the per-credential request budget that spans every
// route. Implementations must be safe for concurrent use by every shard and
// REST caller sharing the credential.
//
// The default implementation is process local. A shared implementation (for
// example one backed by Redis) coordinates several processes using the same
// token.
type GlobalLimiter interface {
	// Allow consumes one request from the budget of token if available.
	Allow(ctx context.Context, token string) (Decision, error)

	// Penalize blocks token for retryAfter after the server reported a global
	// rate limit.
	Penalize(ctx context.Context, token string, retryAfter time.Duration) error
}

// ReconnectDelayFunc returns how long a shard waits before reconnect attempt
// number attempt (starting at 1). The same policy spaces REST retries after
// network errors.
type ReconnectDelayFunc func(attempt, shard int) time.Duration

// ShardStagger is the extra delay added per shard index by DefaultReconnectDelay.
const ShardStagger = 6 * time.Second

// DefaultReconnectDelay grows with attempt^1.5 damped by attempt/(attempt+10)
// and staggers shards by ShardStagger each.
func DefaultReconnectDelay(attempt, shard int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	a := float64(attempt)
	p := math.Pow(a, 1.5)
	secs := p - p/(1+1/(0.1*a))
	d := time.Duration(secs * float64(time.Second)).Round(time.Millisecond)
	return d + time.Duration(shard)*ShardStagger
}

// LatencyUnknown is reported before the first heartbeat acknowledgement.
const LatencyUnknown time.Duration = -1
