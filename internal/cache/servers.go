package cache

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
)

// MemberRequester queues a request for the full member list of a server.
// It must not block on the command budget. An error means the request can
// never be answered, and the server becomes ready without its members.
type MemberRequester func(ctx context.Context, serverID shardline.Snowflake) error

type serverRecord struct {
	server    *shardline.Server
	ready     bool
	members   map[shardline.Snowflake]*shardline.Member
	expected  int
	callbacks []func(*shardline.Server)
	requested bool
}

// ServerCache stages servers: a server is not ready until it was received
// in full and, when waiting for members, its member list is synchronized.
type ServerCache struct {
	waitForMembers bool
	requester      MemberRequester
	log            *zap.SugaredLogger

	mu      sync.Mutex
	records map[shardline.Snowflake]*serverRecord
	hook    func(*shardline.Server)
	changed chan struct{}
}

// NewServerCache returns a cache that waits for full member lists when
// waitForMembers is set. A nil requester means member lists cannot be
// obtained, and servers become ready as soon as they arrive.
func NewServerCache(waitForMembers bool, requester MemberRequester, log *zap.SugaredLogger) *ServerCache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ServerCache{
		waitForMembers: waitForMembers,
		requester:      requester,
		log:            log,
		records:        make(map[shardline.Snowflake]*serverRecord),
		changed:        make(chan struct{}),
	}
}

// SetReadyHook registers fn to run on every not-ready to ready transition,
// before the per-server callbacks.
func (c *ServerCache) SetReadyHook(fn func(*shardline.Server)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
}

// record returns the record for id, creating it. Caller holds mu.
func (c *ServerCache) record(id shardline.Snowflake) *serverRecord {
	rec, ok := c.records[id]
	if !ok {
		rec = &serverRecord{members: make(map[shardline.Snowflake]*shardline.Member)}
		c.records[id] = rec
	}
	return rec
}

// markReady flips rec to ready and hands back the callbacks to run once mu
// is released. Caller holds mu.
func (c *ServerCache) markReady(rec *serverRecord) []func(*shardline.Server) {
	if rec.ready || rec.server == nil {
		return nil
	}
	rec.ready = true
	var cbs []func(*shardline.Server)
	if c.hook != nil {
		cbs = append(cbs, c.hook)
	}
	cbs = append(cbs, rec.callbacks...)
	rec.callbacks = nil
	c.notify()
	return cbs
}

func (c *ServerCache) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func run(cbs []func(*shardline.Server), s *shardline.Server) {
	for _, fn := range cbs {
		fn(s)
	}
}

// Observe records a server received over the gateway. Unavailable servers
// are only staged.
func (c *ServerCache) Observe(s *shardline.Server) {
	c.mu.Lock()
	rec := c.record(s.ID)
	if s.Unavailable {
		if rec.server == nil {
			rec.server = s
		}
		c.mu.Unlock()
		return
	}

	rec.server = s
	for _, m := range s.Members {
		if m.User != nil {
			rec.members[m.User.ID] = m
		}
	}
	rec.expected = s.MemberCount

	var cbs []func(*shardline.Server)
	request := false
	switch {
	case rec.ready:
	case !c.waitForMembers || len(rec.members) >= rec.expected:
		cbs = c.markReady(rec)
	case c.requester == nil:
		c.log.Debugw("member list not obtainable, server ready without it", "server", s.ID)
		cbs = c.markReady(rec)
	case !rec.requested:
		rec.requested = true
		request = true
	}
	c.mu.Unlock()

	run(cbs, s)
	if request {
		c.requestMembers(s.ID)
	}
}

func (c *ServerCache) requestMembers(id shardline.Snowflake) {
	if err := c.requester(context.Background(), id); err != nil {
		c.log.Warnw("member request failed, server ready without full member list", "server", id, "error", err)
		c.ForceReady(id)
	}
}

// Update applies a server update, keeping the members and channels known.
func (c *ServerCache) Update(s *shardline.Server) *shardline.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.record(s.ID)
	next := *s
	if rec.server != nil {
		if next.Channels == nil {
			next.Channels = rec.server.Channels
		}
		if next.MemberCount == 0 {
			next.MemberCount = rec.server.MemberCount
		}
	}
	rec.server = &next
	return &next
}

// AddMembers caches a batch of members. last marks the final chunk of a
// member request; the server becomes ready then even if the reported total
// was not reached.
func (c *ServerCache) AddMembers(serverID shardline.Snowflake, members []*shardline.Member, last bool) {
	c.mu.Lock()
	rec := c.record(serverID)
	for _, m := range members {
		if m.User != nil {
			rec.members[m.User.ID] = m
		}
	}
	var cbs []func(*shardline.Server)
	if !rec.ready && (last || len(rec.members) >= rec.expected) {
		cbs = c.markReady(rec)
	}
	srv := rec.server
	c.mu.Unlock()
	run(cbs, srv)
}

// MemberJoined caches a member that just joined; the expected total grows
// with it.
func (c *ServerCache) MemberJoined(m *shardline.Member) {
	if m.User == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.record(m.ServerID)
	if _, ok := rec.members[m.User.ID]; !ok {
		rec.expected++
	}
	rec.members[m.User.ID] = m
}

// UpdateMember replaces a cached member.
func (c *ServerCache) UpdateMember(m *shardline.Member) {
	if m.User == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(m.ServerID).members[m.User.ID] = m
}

// RemoveMember drops a member and returns it if it was cached.
func (c *ServerCache) RemoveMember(serverID, userID shardline.Snowflake) (*shardline.Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[serverID]
	if !ok {
		return nil, false
	}
	m, ok := rec.members[userID]
	if ok {
		delete(rec.members, userID)
		rec.expected = max(rec.expected-1, 0)
	}
	return m, ok
}

// OnReady runs fn exactly once: now if the server is ready, otherwise when it
// becomes ready.
func (c *ServerCache) OnReady(id shardline.Snowflake, fn func(*shardline.Server)) {
	c.mu.Lock()
	rec := c.record(id)
	if rec.ready {
		s := rec.server
		c.mu.Unlock()
		fn(s)
		return
	}
	rec.callbacks = append(rec.callbacks, fn)
	c.mu.Unlock()
}

// ForceReady marks a server ready regardless of its member count.
func (c *ServerCache) ForceReady(id shardline.Snowflake) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	cbs := c.markReady(rec)
	srv := rec.server
	c.mu.Unlock()
	run(cbs, srv)
}

func (c *ServerCache) Ready(id shardline.Snowflake) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	return ok && rec.ready
}

// Get returns a ready server.
func (c *ServerCache) Get(id shardline.Snowflake) (*shardline.Server, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok || !rec.ready {
		return nil, false
	}
	return rec.server, true
}

// Lookup returns a server whether or not it is ready.
func (c *ServerCache) Lookup(id shardline.Snowflake) (*shardline.Server, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok || rec.server == nil {
		return nil, false
	}
	return rec.server, true
}

func (c *ServerCache) Member(serverID, userID shardline.Snowflake) (*shardline.Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[serverID]
	if !ok {
		return nil, false
	}
	m, ok := rec.members[userID]
	return m, ok
}

// MemberCount returns the cached and the expected member count.
func (c *ServerCache) MemberCount(id shardline.Snowflake) (cached, expected int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[id]; ok {
		return len(rec.members), rec.expected
	}
	return 0, 0
}

// SetChannel adds or replaces a channel of its server.
func (c *ServerCache) SetChannel(ch *shardline.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[ch.ServerID]
	if !ok || rec.server == nil {
		return
	}
	next := *rec.server
	next.Channels = slices.Clone(rec.server.Channels)
	if i := slices.IndexFunc(next.Channels, func(o *shardline.Channel) bool { return o.ID == ch.ID }); i >= 0 {
		next.Channels[i] = ch
	} else {
		next.Channels = append(next.Channels, ch)
	}
	rec.server = &next
}

func (c *ServerCache) RemoveChannel(serverID, channelID shardline.Snowflake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[serverID]
	if !ok || rec.server == nil {
		return
	}
	next := *rec.server
	next.Channels = slices.DeleteFunc(slices.Clone(rec.server.Channels), func(o *shardline.Channel) bool { return o.ID == channelID })
	rec.server = &next
}

// Remove forgets a deleted server. Pending ready callbacks are dropped.
func (c *ServerCache) Remove(id shardline.Snowflake) (*shardline.Server, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return nil, false
	}
	delete(c.records, id)
	c.notify()
	return rec.server, true
}

// ResetRequests forgets which servers had their member list requested, so
// the next Observe of a server still not ready requests it again.
func (c *ServerCache) ResetRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.records {
		if !rec.ready {
			rec.requested = false
		}
	}
}

// NotReady lists servers still waiting to become ready.
func (c *ServerCache) NotReady() []shardline.Snowflake {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []shardline.Snowflake
	for id, rec := range c.records {
		if !rec.ready && rec.server != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Wait blocks until every observed server is ready.
func (c *ServerCache) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		pending := false
		for _, rec := range c.records {
			if !rec.ready && rec.server != nil {
				pending = true
				break
			}
		}
		changed := c.changed
		c.mu.Unlock()

		if !pending {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *ServerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
