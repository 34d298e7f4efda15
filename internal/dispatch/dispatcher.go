// Package dispatch delivers events to listeners.
//
// A Dispatcher runs submitted work on a fixed pool of workers. Work sharing a
// key runs one item at a time in submission order; different keys run in
// parallel. A Registry holds the listeners and decides which of them an
// event reaches.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/logger"
	"github.com/luciancaetano/shardline/internal/metrics"
)

const (
	DefaultWorkers = 8
	// DefaultBatch is how many queued items a worker runs for one key before
	// putting the key back at the end of the run queue.
	DefaultBatch = 16
)

type Config struct {
	Workers int
	Batch   int
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

type keyQueue struct {
	items []func()
	// active is set while the key is in the run queue or held by a worker.
	active bool
}

// Dispatcher serializes work per key over a shared worker pool.
type Dispatcher struct {
	batch   int
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[shardline.Snowflake]*keyQueue
	runnable []shardline.Snowflake
	closed   bool

	wg sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Logger("dispatch")
	}
	d := &Dispatcher{
		batch:   cfg.Batch,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		queues:  make(map[shardline.Snowflake]*keyQueue),
	}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	return d
}

// Submit queues fn behind every earlier item with the same key.
func (d *Dispatcher) Submit(key shardline.Snowflake, fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return shardline.ErrDispatcherClosed
	}
	q, ok := d.queues[key]
	if !ok {
		q = &keyQueue{}
		d.queues[key] = q
	}
	q.items = append(q.items, fn)
	if !q.active {
		q.active = true
		d.runnable = append(d.runnable, key)
		d.cond.Signal()
	}
	d.metrics.Backlog(1)
	return nil
}

// next blocks until a key is runnable and takes up to one batch of its
// items. ok is false once the dispatcher is closed and drained.
func (d *Dispatcher) next() (key shardline.Snowflake, items []func(), ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.runnable) == 0 {
		if d.closed {
			return 0, nil, false
		}
		d.cond.Wait()
	}
	key = d.runnable[0]
	d.runnable = d.runnable[1:]

	q := d.queues[key]
	n := min(len(q.items), d.batch)
	items = q.items[:n:n]
	q.items = q.items[n:]
	return key, items, true
}

// done requeues key if more items arrived, or forgets it.
func (d *Dispatcher) done(key shardline.Snowflake) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[key]
	if len(q.items) == 0 {
		delete(d.queues, key)
		return
	}
	d.runnable = append(d.runnable, key)
	d.cond.Signal()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		key, items, ok := d.next()
		if !ok {
			return
		}
		for _, fn := range items {
			d.run(key, fn)
		}
		d.done(key)
	}
}

func (d *Dispatcher) run(key shardline.Snowflake, fn func()) {
	defer d.metrics.Backlog(-1)
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("listener panicked", "key", key, "panic", r)
		}
	}()
	fn()
}

// Pending returns the number of queued items not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q.items)
	}
	return n
}

// Close stops accepting work and waits until everything already queued has
// run, or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
