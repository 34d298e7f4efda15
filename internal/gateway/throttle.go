package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// CommandBurst is how many gateway commands may be sent back to back.
var CommandBurst = 5

// NewCommandLimiter throttles outgoing commands to stay below 120 per minute
// with room left for heartbeats.
func NewCommandLimiter() *rate.Limiter {
	const perMinute = 120
	return rate.NewLimiter(
		rate.Every(time.Minute/(perMinute-time.Duration(CommandBurst))),
		CommandBurst,
	)
}

// NewIdentifyLimiter returns the limiter shared by every shard of a client:
// one Identify per interval, maxConcurrency at once.
func NewIdentifyLimiter(interval time.Duration, maxConcurrency int) *rate.Limiter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return rate.NewLimiter(rate.Every(interval), maxConcurrency)
}
