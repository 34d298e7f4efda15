package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/protocol"
)

// heartbeater keeps one connection alive. A beat that is still unacknowledged
// when the next one is due marks the connection as a zombie.
type heartbeater struct {
	interval time.Duration
	clock    clock.Clock
	log      *zap.SugaredLogger

	send      func(ctx context.Context, data []byte) error
	sequence  func() int64
	onZombie  func()
	onLatency func(time.Duration)

	mu     sync.Mutex
	sentAt time.Time
	acked  bool

	now chan struct{}
}

func newHeartbeater(interval time.Duration, clk clock.Clock, log *zap.SugaredLogger) *heartbeater {
	return &heartbeater{
		interval:  interval,
		clock:     clk,
		log:       log,
		sequence:  func() int64 { return 0 },
		onZombie:  func() {},
		onLatency: func(time.Duration) {},
		acked:     true,
		now:       make(chan struct{}, 1),
	}
}

// run sends the first beat after interval*jitter and then one per interval
// until ctx is done or the connection turns out to be a zombie.
func (h *heartbeater) run(ctx context.Context, jitter float64) {
	if d := time.Duration(float64(h.interval) * jitter); d > 0 {
		t := h.clock.Timer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()
	h.beat(ctx)

	for {
		select {
		case <-ticker.C:
			if !h.isAcked() {
				h.log.Warnw("heartbeat not acknowledged, connection is a zombie", "interval", h.interval)
				h.onZombie()
				return
			}
			h.beat(ctx)
		case <-h.now:
			h.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (h *heartbeater) isAcked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acked
}

func (h *heartbeater) beat(ctx context.Context) {
	var seq any
	if s := h.sequence(); s > 0 {
		seq = s
	}
	data, err := protocol.Encode(shardline.OpHeartbeat, seq)
	if err != nil {
		h.log.Errorw("encode heartbeat", "error", err)
		return
	}

	h.mu.Lock()
	h.sentAt = h.clock.Now()
	h.acked = false
	h.mu.Unlock()

	if err := h.send(ctx, data); err != nil {
		h.log.Debugw("heartbeat send failed", "error", err)
		return
	}
	h.log.Debugw("heartbeat sent", "seq", seq)
}

// beatNow answers a heartbeat request from the server.
func (h *heartbeater) beatNow() {
	select {
	case h.now <- struct{}{}:
	default:
	}
}

// ack records the acknowledgement of the last beat.
func (h *heartbeater) ack() {
	h.mu.Lock()
	if h.acked {
		h.mu.Unlock()
		return
	}
	h.acked = true
	latency := h.clock.Since(h.sentAt)
	h.mu.Unlock()

	h.onLatency(latency)
}
