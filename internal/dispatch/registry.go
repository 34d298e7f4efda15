package dispatch

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/logger"
)

var (
	ErrNilHandler     = errors.New(shardline.ErrMsgNilHandler)
	ErrNilListener    = errors.New(shardline.ErrMsgNilListener)
	ErrNoCapabilities = errors.New(shardline.ErrMsgNoCapabilities)
)

// Registry holds listener registrations by event type and by target.
type Registry struct {
	clock clock.Clock
	log   *zap.SugaredLogger

	mu       sync.RWMutex
	byType   map[shardline.EventType][]*registration
	byObject map[shardline.Snowflake][]*registration
}

func NewRegistry(clk clock.Clock, log *zap.SugaredLogger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.Logger("dispatch")
	}
	return &Registry{
		clock:    clk,
		log:      log,
		byType:   make(map[shardline.EventType][]*registration),
		byObject: make(map[shardline.Snowflake][]*registration),
	}
}

type registration struct {
	id       string
	typ      shardline.EventType
	handler  shardline.Handler
	target   shardline.Snowflake
	registry *Registry

	removed atomic.Bool
	mu      sync.Mutex
	hooks   []func()
	timer   *clock.Timer
}

func (r *registration) ID() string    { return r.id }
func (r *registration) Removed() bool { return r.removed.Load() }

func (r *registration) Remove() {
	if !r.removed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	hooks, timer := r.hooks, r.timer
	r.hooks, r.timer = nil, nil
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	r.registry.detach(r)
	for _, fn := range hooks {
		fn()
	}
}

func (r *registration) OnRemoved(fn func()) {
	r.mu.Lock()
	if !r.removed.Load() {
		r.hooks = append(r.hooks, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

func (r *registration) removeAfter(clk clock.Clock, o shardline.ListenOptions) {
	if o.RemoveAfter <= 0 {
		return
	}
	t := clk.AfterFunc(o.RemoveAfter, r.Remove)
	r.mu.Lock()
	if r.removed.Load() {
		r.mu.Unlock()
		t.Stop()
		return
	}
	r.timer = t
	r.mu.Unlock()
}

// Register adds handler for events of type t.
func (reg *Registry) Register(t shardline.EventType, handler shardline.Handler, opts ...shardline.ListenOption) (shardline.Registration, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	o := shardline.ApplyListenOptions(opts...)
	r := reg.add(t, handler, o.Target)
	for _, fn := range o.OnRemoved {
		r.OnRemoved(fn)
	}
	r.removeAfter(reg.clock, o)
	return r, nil
}

func (reg *Registry) add(t shardline.EventType, handler shardline.Handler, target shardline.Snowflake) *registration {
	r := &registration{
		id:       uuid.NewString(),
		typ:      t,
		handler:  handler,
		target:   target,
		registry: reg,
	}
	reg.mu.Lock()
	reg.byType[t] = append(reg.byType[t], r)
	if target != 0 {
		reg.byObject[target] = append(reg.byObject[target], r)
	}
	reg.mu.Unlock()
	return r
}

func (reg *Registry) detach(r *registration) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	drop := func(o *registration) bool { return o == r }

	reg.byType[r.typ] = slices.DeleteFunc(reg.byType[r.typ], drop)
	if len(reg.byType[r.typ]) == 0 {
		delete(reg.byType, r.typ)
	}
	if r.target != 0 {
		reg.byObject[r.target] = slices.DeleteFunc(reg.byObject[r.target], drop)
		if len(reg.byObject[r.target]) == 0 {
			delete(reg.byObject, r.target)
		}
	}
}

// RemoveObject removes every registration scoped to id.
func (reg *Registry) RemoveObject(id shardline.Snowflake) int {
	reg.mu.RLock()
	regs := slices.Clone(reg.byObject[id])
	reg.mu.RUnlock()
	for _, r := range regs {
		r.Remove()
	}
	return len(regs)
}

// Len counts live registrations.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	n := 0
	for _, regs := range reg.byType {
		n += len(regs)
	}
	return n
}

// Deliver calls every matching listener in registration order, then drops
// the listeners scoped to entities the event deleted.
func (reg *Registry) Deliver(ev shardline.Event) {
	reg.mu.RLock()
	regs := slices.Clone(reg.byType[ev.Type])
	reg.mu.RUnlock()

	for _, r := range regs {
		if r.Removed() {
			continue
		}
		if r.target != 0 && !ev.Concerns(r.target) {
			continue
		}
		reg.call(r, ev)
	}
	for _, id := range ev.Deleted {
		reg.RemoveObject(id)
	}
}

func (reg *Registry) call(r *registration, ev shardline.Event) {
	defer func() {
		if p := recover(); p != nil {
			reg.log.Errorw("listener panicked", "event", ev.Type, "registration", r.id, "panic", p)
		}
	}()
	r.handler(ev)
}
