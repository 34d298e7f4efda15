package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/shardline"
)

// DefaultGlobalInterval spaces requests of one token when no other global
// limiter is configured.
const DefaultGlobalInterval = 111 * time.Millisecond

// MemoryGlobalLimiter is a process local GlobalLimiter with one token bucket
// per credential.
type MemoryGlobalLimiter struct {
	interval time.Duration
	burst    int
	clock    clock.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	blocked  map[string]time.Time
}

var _ shardline.GlobalLimiter = (*MemoryGlobalLimiter)(nil)

var (
	processMu       sync.Mutex
	processLimiters = make(map[time.Duration]*MemoryGlobalLimiter)
)

// ProcessGlobalLimiter returns the wall clock MemoryGlobalLimiter shared by
// every caller in this process asking for the same interval. Clients using
// the same token through it share one budget.
func ProcessGlobalLimiter(interval time.Duration) *MemoryGlobalLimiter {
	if interval <= 0 {
		interval = DefaultGlobalInterval
	}
	processMu.Lock()
	defer processMu.Unlock()
	l, ok := processLimiters[interval]
	if !ok {
		l = NewMemoryGlobalLimiter(interval, 1, nil)
		processLimiters[interval] = l
	}
	return l
}

// NewMemoryGlobalLimiter allows one request per interval with the given burst.
// A nil clk uses the wall clock.
func NewMemoryGlobalLimiter(interval time.Duration, burst int, clk clock.Clock) *MemoryGlobalLimiter {
	if interval <= 0 {
		interval = DefaultGlobalInterval
	}
	if burst < 1 {
		burst = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryGlobalLimiter{
		interval: interval,
		burst:    burst,
		clock:    clk,
		limiters: make(map[string]*rate.Limiter),
		blocked:  make(map[string]time.Time),
	}
}

func (m *MemoryGlobalLimiter) limiter(token string) *rate.Limiter {
	l, ok := m.limiters[token]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.interval), m.burst)
		m.limiters[token] = l
	}
	return l
}

// Allow implements shardline.GlobalLimiter.
func (m *MemoryGlobalLimiter) Allow(ctx context.Context, token string) (shardline.Decision, error) {
	if err := ctx.Err(); err != nil {
		return shardline.Decision{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if until, ok := m.blocked[token]; ok {
		if now.Before(until) {
			return shardline.Decision{RetryAfter: until.Sub(now)}, nil
		}
		delete(m.blocked, token)
	}

	r := m.limiter(token).ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return shardline.Decision{RetryAfter: d}, nil
	}
	return shardline.Decision{Allow: true}, nil
}

// Penalize implements shardline.GlobalLimiter.
func (m *MemoryGlobalLimiter) Penalize(ctx context.Context, token string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	until := m.clock.Now().Add(retryAfter)
	if until.After(m.blocked[token]) {
		m.blocked[token] = until
	}
	return nil
}
