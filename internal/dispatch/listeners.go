package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/luciancaetano/shardline"
)

type capability struct {
	typ  shardline.EventType
	bind func(any) (shardline.Handler, bool)
}

func handles[L any](t shardline.EventType, method func(L) shardline.Handler) capability {
	return capability{typ: t, bind: func(l any) (shardline.Handler, bool) {
		v, ok := l.(L)
		if !ok {
			return nil, false
		}
		return method(v), true
	}}
}

var capabilities = []capability{
	handles(shardline.EventReady, func(l shardline.ReadyListener) shardline.Handler { return l.OnReady }),
	handles(shardline.EventResumed, func(l shardline.ResumedListener) shardline.Handler { return l.OnResumed }),
	handles(shardline.EventServerCreate, func(l shardline.ServerCreateListener) shardline.Handler { return l.OnServerCreate }),
	handles(shardline.EventServerUpdate, func(l shardline.ServerUpdateListener) shardline.Handler { return l.OnServerUpdate }),
	handles(shardline.EventServerDelete, func(l shardline.ServerDeleteListener) shardline.Handler { return l.OnServerDelete }),
	handles(shardline.EventServerReady, func(l shardline.ServerReadyListener) shardline.Handler { return l.OnServerReady }),
	handles(shardline.EventMemberAdd, func(l shardline.MemberAddListener) shardline.Handler { return l.OnMemberAdd }),
	handles(shardline.EventMemberUpdate, func(l shardline.MemberUpdateListener) shardline.Handler { return l.OnMemberUpdate }),
	handles(shardline.EventMemberRemove, func(l shardline.MemberRemoveListener) shardline.Handler { return l.OnMemberRemove }),
	handles(shardline.EventMembersChunk, func(l shardline.MembersChunkListener) shardline.Handler { return l.OnMembersChunk }),
	handles(shardline.EventChannelCreate, func(l shardline.ChannelCreateListener) shardline.Handler { return l.OnChannelCreate }),
	handles(shardline.EventChannelUpdate, func(l shardline.ChannelUpdateListener) shardline.Handler { return l.OnChannelUpdate }),
	handles(shardline.EventChannelDelete, func(l shardline.ChannelDeleteListener) shardline.Handler { return l.OnChannelDelete }),
	handles(shardline.EventMessageCreate, func(l shardline.MessageCreateListener) shardline.Handler { return l.OnMessageCreate }),
	handles(shardline.EventMessageUpdate, func(l shardline.MessageUpdateListener) shardline.Handler { return l.OnMessageUpdate }),
	handles(shardline.EventMessageDelete, func(l shardline.MessageDeleteListener) shardline.Handler { return l.OnMessageDelete }),
	handles(shardline.EventUserUpdate, func(l shardline.UserUpdateListener) shardline.Handler { return l.OnUserUpdate }),
}

// group is the registration returned for a listener registered under
// several capabilities. Removing any part removes all of them.
type group struct {
	id    string
	parts []*registration

	removed atomic.Bool
	mu      sync.Mutex
	hooks   []func()
	timer   *clock.Timer
}

func (g *group) ID() string    { return g.id }
func (g *group) Removed() bool { return g.removed.Load() }

func (g *group) Remove() {
	if !g.removed.CompareAndSwap(false, true) {
		return
	}
	g.mu.Lock()
	hooks, timer := g.hooks, g.timer
	g.hooks, g.timer = nil, nil
	g.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, p := range g.parts {
		p.Remove()
	}
	for _, fn := range hooks {
		fn()
	}
}

func (g *group) OnRemoved(fn func()) {
	g.mu.Lock()
	if !g.removed.Load() {
		g.hooks = append(g.hooks, fn)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	fn()
}

// RegisterListener registers l once for every listener interface it
// implements.
func (reg *Registry) RegisterListener(l any, opts ...shardline.ListenOption) (shardline.Registration, error) {
	if l == nil {
		return nil, ErrNilListener
	}
	o := shardline.ApplyListenOptions(opts...)

	g := &group{id: uuid.NewString()}
	for _, c := range capabilities {
		if h, ok := c.bind(l); ok {
			g.parts = append(g.parts, reg.add(c.typ, h, o.Target))
		}
	}
	if len(g.parts) == 0 {
		return nil, ErrNoCapabilities
	}
	for _, p := range g.parts {
		p.OnRemoved(g.Remove)
	}
	for _, fn := range o.OnRemoved {
		g.OnRemoved(fn)
	}
	if o.RemoveAfter > 0 {
		t := reg.clock.AfterFunc(o.RemoveAfter, g.Remove)
		g.mu.Lock()
		g.timer = t
		g.mu.Unlock()
	}
	reg.log.Debugw("listener registered", "registration", g.id, "capabilities", len(g.parts), "target", o.Target)
	return g, nil
}
