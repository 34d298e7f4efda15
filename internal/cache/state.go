package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardline"
	"github.com/luciancaetano/shardline/internal/logger"
	"github.com/luciancaetano/shardline/internal/metrics"
	"github.com/luciancaetano/shardline/internal/protocol"
)

type StateConfig struct {
	MessageCapacity  int
	MessageRetention time.Duration
	WaitForMembers   bool
	Requester        MemberRequester
	Clock            clock.Clock
	Logger           *zap.SugaredLogger
	Metrics          *metrics.Metrics
}

// State applies gateway dispatches to the caches and turns them into events.
type State struct {
	Users    *WeakCache[shardline.User]
	Channels *WeakCache[shardline.Channel]
	Messages *MessageCache
	Servers  *ServerCache

	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewState(cfg StateConfig) *State {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Logger("cache")
	}
	return &State{
		Users:    NewWeakCache[shardline.User](),
		Channels: NewWeakCache[shardline.Channel](),
		Messages: NewMessageCache(cfg.MessageCapacity, cfg.MessageRetention),
		Servers:  NewServerCache(cfg.WaitForMembers, cfg.Requester, cfg.Logger),
		clock:    cfg.Clock,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Cleanup runs one maintenance pass over the weak caches.
func (s *State) Cleanup() int {
	n := s.Users.Cleanup() + s.Channels.Cleanup() + s.Messages.Cleanup()
	s.metrics.CacheSize("users", s.Users.Len())
	s.metrics.CacheSize("channels", s.Channels.Len())
	s.metrics.CacheSize("messages", s.Messages.Len())
	s.metrics.CacheSize("servers", s.Servers.Len())
	if n > 0 {
		s.log.Debugw("cache cleanup", "removed", n)
	}
	return n
}

// Run calls Cleanup every interval until ctx is done.
func (s *State) Run(ctx context.Context, interval time.Duration) {
	t := s.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (s *State) internUser(u *shardline.User) *shardline.User {
	if u == nil || u.ID == 0 {
		return u
	}
	return s.Users.Put(u.ID, u)
}

func (s *State) internMember(serverID shardline.Snowflake, m *shardline.Member) {
	m.ServerID = serverID
	m.User = s.internUser(m.User)
}

type deletedServer struct {
	ID          shardline.Snowflake `json:"id"`
	Unavailable bool                `json:"unavailable"`
}

type memberRemove struct {
	ServerID shardline.Snowflake `json:"guild_id"`
	User     *shardline.User     `json:"user"`
}

type membersChunk struct {
	ServerID   shardline.Snowflake `json:"guild_id"`
	Members    []*shardline.Member `json:"members"`
	ChunkIndex int                 `json:"chunk_index"`
	ChunkCount int                 `json:"chunk_count"`
	Nonce      string              `json:"nonce"`
}

type messageUpdate struct {
	ID        shardline.Snowflake `json:"id"`
	ChannelID shardline.Snowflake `json:"channel_id"`
	ServerID  shardline.Snowflake `json:"guild_id"`
	Author    *shardline.User     `json:"author"`
	Content   *string             `json:"content"`
	EditedAt  *time.Time          `json:"edited_timestamp"`
}

type messageDelete struct {
	ID        shardline.Snowflake `json:"id"`
	ChannelID shardline.Snowflake `json:"channel_id"`
	ServerID  shardline.Snowflake `json:"guild_id"`
}

type routing struct {
	ServerID  shardline.Snowflake `json:"guild_id"`
	ChannelID shardline.Snowflake `json:"channel_id"`
}

func decode[T any](d shardline.Dispatch) (T, error) {
	var v T
	if err := json.Unmarshal(d.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", d.Name, err)
	}
	return v, nil
}

func keyOf(serverID, channelID, object shardline.Snowflake) shardline.Snowflake {
	switch {
	case serverID != 0:
		return serverID
	case channelID != 0:
		return channelID
	}
	return object
}

func objects(ids ...shardline.Snowflake) []shardline.Snowflake {
	out := ids[:0:0]
	for _, id := range ids {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// Apply updates the caches from d and returns the event to deliver. Events
// about one server share its id as key, other events use their channel, the
// object itself, or the global key.
func (s *State) Apply(d shardline.Dispatch) (shardline.Event, error) {
	ev := shardline.Event{
		Type:     shardline.EventTypeOf(d.Name),
		Name:     d.Name,
		Shard:    d.Shard,
		Sequence: d.Sequence,
		Raw:      d.Data,
	}

	switch ev.Type {
	case shardline.EventReady:
		r, err := decode[protocol.Ready](d)
		if err != nil {
			return ev, err
		}
		if r.User != nil {
			s.Users.Replace(r.User.ID, r.User)
			ev.User = r.User
		}
		for i := range r.Servers {
			srv := r.Servers[i]
			srv.Unavailable = true
			s.Servers.Observe(&srv)
		}

	case shardline.EventResumed:

	case shardline.EventServerCreate:
		srv, err := decode[*shardline.Server](d)
		if err != nil {
			return ev, err
		}
		for _, m := range srv.Members {
			s.internMember(srv.ID, m)
		}
		for i, ch := range srv.Channels {
			ch.ServerID = srv.ID
			srv.Channels[i] = s.Channels.Put(ch.ID, ch)
		}
		s.Servers.Observe(srv)
		ev.Server, ev.ServerID = srv, srv.ID
		ev.Key, ev.Objects = srv.ID, objects(srv.ID)

	case shardline.EventServerUpdate:
		srv, err := decode[*shardline.Server](d)
		if err != nil {
			return ev, err
		}
		ev.Server = s.Servers.Update(srv)
		ev.ServerID = srv.ID
		ev.Key, ev.Objects = srv.ID, objects(srv.ID)

	case shardline.EventServerDelete:
		del, err := decode[deletedServer](d)
		if err != nil {
			return ev, err
		}
		ev.ServerID = del.ID
		ev.Key, ev.Objects = del.ID, objects(del.ID)
		if del.Unavailable {
			if srv, ok := s.Servers.Lookup(del.ID); ok {
				ev.Server = srv
			}
			break
		}
		if srv, ok := s.Servers.Remove(del.ID); ok {
			ev.Server = srv
			for _, ch := range srv.Channels {
				s.Channels.Remove(ch.ID)
			}
		}
		ev.Deleted = objects(del.ID)

	case shardline.EventMemberAdd, shardline.EventMemberUpdate:
		m, err := decode[*shardline.Member](d)
		if err != nil {
			return ev, err
		}
		if ev.Type == shardline.EventMemberUpdate && m.User != nil {
			s.Users.Replace(m.User.ID, m.User)
		}
		s.internMember(m.ServerID, m)
		if ev.Type == shardline.EventMemberAdd {
			s.Servers.MemberJoined(m)
		} else {
			s.Servers.UpdateMember(m)
		}
		ev.Member, ev.User, ev.ServerID = m, m.User, m.ServerID
		ev.Key = m.ServerID
		if m.User != nil {
			ev.Objects = objects(m.ServerID, m.User.ID)
		}

	case shardline.EventMemberRemove:
		rm, err := decode[memberRemove](d)
		if err != nil {
			return ev, err
		}
		ev.ServerID, ev.Key = rm.ServerID, rm.ServerID
		if rm.User != nil {
			ev.User = s.internUser(rm.User)
			if m, ok := s.Servers.RemoveMember(rm.ServerID, rm.User.ID); ok {
				ev.Member = m
			}
			ev.Objects = objects(rm.ServerID, rm.User.ID)
		}

	case shardline.EventMembersChunk:
		chunk, err := decode[membersChunk](d)
		if err != nil {
			return ev, err
		}
		for _, m := range chunk.Members {
			s.internMember(chunk.ServerID, m)
		}
		s.Servers.AddMembers(chunk.ServerID, chunk.Members, chunk.ChunkIndex >= chunk.ChunkCount-1)
		ev.Members, ev.ServerID = chunk.Members, chunk.ServerID
		ev.Key, ev.Objects = chunk.ServerID, objects(chunk.ServerID)

	case shardline.EventChannelCreate, shardline.EventChannelUpdate:
		ch, err := decode[*shardline.Channel](d)
		if err != nil {
			return ev, err
		}
		if ev.Type == shardline.EventChannelCreate {
			ch = s.Channels.Put(ch.ID, ch)
		} else {
			s.Channels.Replace(ch.ID, ch)
		}
		s.Servers.SetChannel(ch)
		ev.Channel, ev.ChannelID, ev.ServerID = ch, ch.ID, ch.ServerID
		ev.Key, ev.Objects = keyOf(ch.ServerID, ch.ID, 0), objects(ch.ID, ch.ServerID)

	case shardline.EventChannelDelete:
		ch, err := decode[*shardline.Channel](d)
		if err != nil {
			return ev, err
		}
		s.Channels.Remove(ch.ID)
		s.Servers.RemoveChannel(ch.ServerID, ch.ID)
		ev.Channel, ev.ChannelID, ev.ServerID = ch, ch.ID, ch.ServerID
		ev.Key, ev.Objects = keyOf(ch.ServerID, ch.ID, 0), objects(ch.ID, ch.ServerID)
		ev.Deleted = objects(ch.ID)

	case shardline.EventMessageCreate:
		msg, err := decode[*shardline.Message](d)
		if err != nil {
			return ev, err
		}
		msg.Author = s.internUser(msg.Author)
		msg = s.Messages.Put(msg)
		ev.Message, ev.User = msg, msg.Author
		ev.MessageID, ev.ChannelID, ev.ServerID = msg.ID, msg.ChannelID, msg.ServerID
		ev.Key = keyOf(msg.ServerID, msg.ChannelID, msg.ID)
		ev.Objects = objects(msg.ID, msg.ChannelID, msg.ServerID)

	case shardline.EventMessageUpdate:
		upd, err := decode[messageUpdate](d)
		if err != nil {
			return ev, err
		}
		var next shardline.Message
		if old, ok := s.Messages.Get(upd.ID); ok {
			next = *old
		} else {
			next = shardline.Message{ID: upd.ID, ChannelID: upd.ChannelID, ServerID: upd.ServerID}
		}
		if upd.Author != nil {
			next.Author = s.internUser(upd.Author)
		}
		if upd.Content != nil {
			next.Content = *upd.Content
		}
		if upd.EditedAt != nil {
			next.EditedAt = upd.EditedAt
		}
		s.Messages.Replace(&next)
		ev.Message, ev.User = &next, next.Author
		ev.MessageID, ev.ChannelID, ev.ServerID = next.ID, next.ChannelID, next.ServerID
		ev.Key = keyOf(next.ServerID, next.ChannelID, next.ID)
		ev.Objects = objects(next.ID, next.ChannelID, next.ServerID)

	case shardline.EventMessageDelete:
		del, err := decode[messageDelete](d)
		if err != nil {
			return ev, err
		}
		if msg, ok := s.Messages.Get(del.ID); ok {
			ev.Message = msg
		}
		s.Messages.Remove(del.ID)
		ev.MessageID, ev.ChannelID, ev.ServerID = del.ID, del.ChannelID, del.ServerID
		ev.Key = keyOf(del.ServerID, del.ChannelID, del.ID)
		ev.Objects = objects(del.ID, del.ChannelID, del.ServerID)
		ev.Deleted = objects(del.ID)

	case shardline.EventUserUpdate:
		u, err := decode[*shardline.User](d)
		if err != nil {
			return ev, err
		}
		s.Users.Replace(u.ID, u)
		ev.User = u
		ev.Key, ev.Objects = u.ID, objects(u.ID)

	default:
		var r routing
		_ = json.Unmarshal(d.Data, &r)
		ev.ServerID, ev.ChannelID = r.ServerID, r.ChannelID
		ev.Key = keyOf(r.ServerID, r.ChannelID, 0)
		ev.Objects = objects(r.ServerID, r.ChannelID)
	}
	return ev, nil
}
