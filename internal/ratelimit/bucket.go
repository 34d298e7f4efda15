package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Bucket tracks the budget of one rate limit bucket. Callers are admitted in
// arrival order: the gate channel holds at most one waiter at the head of the
// line and everyone else queues on the channel send.
type Bucket struct {
	key  string
	gate chan struct{}

	mu           sync.Mutex
	hash         string
	known        bool
	unlimited    bool
	limit        int
	remaining    int
	resetAt      time.Time
	blockedUntil time.Time
	inFlight     int
	changed      chan struct{}
}

// BucketState is a point in time copy of a bucket.
type BucketState struct {
	Key          string
	Hash         string
	Known        bool
	Unlimited    bool
	Limit        int
	Remaining    int
	InFlight     int
	ResetAt      time.Time
	BlockedUntil time.Time
}

func newBucket(key string) *Bucket {
	return &Bucket{
		key:     key,
		gate:    make(chan struct{}, 1),
		changed: make(chan struct{}),
	}
}

// notify wakes the head of the line. Caller holds mu.
func (b *Bucket) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// acquire blocks until a request may be sent through the bucket and reserves
// an in-flight slot for it.
func (b *Bucket) acquire(ctx context.Context, clk clock.Clock) (time.Duration, error) {
	start := clk.Now()
	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-b.gate }()

	for {
		b.mu.Lock()
		now := clk.Now()
		if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
			b.remaining = b.limit
			b.resetAt = time.Time{}
		}

		var wait time.Duration
		take := false
		switch {
		case now.Before(b.blockedUntil):
			wait = b.blockedUntil.Sub(now)
		case b.unlimited:
			take = true
		case !b.known:
			// One discovery request at a time until the limit is learned.
			take = b.inFlight == 0
		case b.remaining-b.inFlight > 0:
			take = true
		case b.inFlight == 0 && !b.resetAt.IsZero():
			wait = b.resetAt.Sub(now)
		case b.inFlight == 0:
			// Exhausted with no reset time: let one request through to learn it.
			take = true
		}
		if take {
			b.inFlight++
			b.mu.Unlock()
			return clk.Since(start), nil
		}
		changed := b.changed
		b.mu.Unlock()

		if err := sleep(ctx, clk, wait, changed); err != nil {
			return clk.Since(start), err
		}
	}
}

// release returns the in-flight slot and folds the response metadata into
// the bucket. ok is false when no response was received.
func (b *Bucket) release(m Metadata, now time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight > 0 {
		b.inFlight--
	}
	if ok {
		b.update(m, now)
	}
	b.notify()
}

// update applies metadata. Responses can arrive out of order, so within one
// window the lowest remaining count wins.
func (b *Bucket) update(m Metadata, now time.Time) {
	if m.Bucket != "" {
		b.hash = m.Bucket
	}
	if !m.HasLimit {
		if !b.known && m.RetryAfter == 0 {
			b.unlimited = true
		}
		return
	}
	b.unlimited = false
	b.limit = m.Limit

	newWindow := !b.known || b.resetAt.IsZero() || m.ResetAt.After(b.resetAt.Add(time.Millisecond))
	b.known = true
	if newWindow {
		b.remaining = m.Remaining
		b.resetAt = m.ResetAt
		return
	}
	b.remaining = min(b.remaining, m.Remaining)
}

// block holds the bucket until until after a 429.
func (b *Bucket) block(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
	}
	b.remaining = 0
	b.notify()
}

// State returns a snapshot of the bucket.
func (b *Bucket) State() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketState{
		Key:          b.key,
		Hash:         b.hash,
		Known:        b.known,
		Unlimited:    b.unlimited,
		Limit:        b.limit,
		Remaining:    b.remaining,
		InFlight:     b.inFlight,
		ResetAt:      b.resetAt,
		BlockedUntil: b.blockedUntil,
	}
}

// sleep waits for d, for wake to close or for ctx. A zero d waits only on
// wake and ctx.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration, wake <-chan struct{}) error {
	var fired <-chan time.Time
	if d > 0 {
		t := clk.Timer(d)
		defer t.Stop()
		fired = t.C
	} else if wake == nil {
		return ctx.Err()
	}
	select {
	case <-fired:
		return nil
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
