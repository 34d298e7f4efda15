package cache

import (
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/shardline"
)

func dispatch(name, data string) shardline.Dispatch {
	return shardline.Dispatch{Shard: 1, Sequence: 42, Name: name, Data: json.RawMessage(data)}
}

func apply(t *testing.T, s *State, name, data string) shardline.Event {
	t.Helper()
	ev, err := s.Apply(dispatch(name, data))
	require.NoError(t, err)
	return ev
}

func newState() *State {
	return NewState(StateConfig{MessageCapacity: 10, MessageRetention: time.Hour})
}

func TestApplyReadyStagesServers(t *testing.T) {
	t.Parallel()
	s := newState()
	ev := apply(t, s, "READY", `{"session_id":"abc","user":{"id":"1","username":"bot"},"guilds":[{"id":"10","unavailable":true},{"id":"11","unavailable":true}]}`)

	assert.Equal(t, shardline.EventReady, ev.Type)
	assert.Equal(t, 1, ev.Shard)
	assert.Equal(t, int64(42), ev.Sequence)
	assert.Equal(t, shardline.GlobalKey, ev.Key)
	require.NotNil(t, ev.User)
	assert.Equal(t, "bot", ev.User.Username)
	assert.Equal(t, []shardline.Snowflake{10, 11}, s.Servers.NotReady())
}

func TestApplyServerLifecycle(t *testing.T) {
	t.Parallel()
	s := newState()
	ev := apply(t, s, "GUILD_CREATE", `{"id":"10","name":"test","member_count":1,
		"channels":[{"id":"20","name":"general"}],
		"members":[{"user":{"id":"1","username":"a"}}]}`)

	assert.Equal(t, shardline.EventServerCreate, ev.Type)
	assert.Equal(t, shardline.Snowflake(10), ev.Key)
	assert.Equal(t, []shardline.Snowflake{10}, ev.Objects)
	require.True(t, s.Servers.Ready(10))

	ch, ok := s.Channels.Get(20)
	require.True(t, ok)
	assert.Equal(t, shardline.Snowflake(10), ch.ServerID)
	u, ok := s.Users.Get(1)
	require.True(t, ok)
	m, ok := s.Servers.Member(10, 1)
	require.True(t, ok)
	assert.Same(t, u, m.User)
	assert.Equal(t, shardline.Snowflake(10), m.ServerID)

	ev = apply(t, s, "GUILD_UPDATE", `{"id":"10","name":"renamed"}`)
	assert.Equal(t, "renamed", ev.Server.Name)
	assert.Len(t, ev.Server.Channels, 1)

	ev = apply(t, s, "GUILD_DELETE", `{"id":"10","unavailable":true}`)
	assert.Empty(t, ev.Deleted, "outages keep the server")
	_, ok = s.Servers.Lookup(10)
	assert.True(t, ok)

	ev = apply(t, s, "GUILD_DELETE", `{"id":"10"}`)
	assert.Equal(t, []shardline.Snowflake{10}, ev.Deleted)
	require.NotNil(t, ev.Server)
	_, ok = s.Servers.Lookup(10)
	assert.False(t, ok)
	_, ok = s.Channels.Get(20)
	assert.False(t, ok)
	runtime.KeepAlive(ch)
	runtime.KeepAlive(u)
}

func TestApplyMembers(t *testing.T) {
	t.Parallel()
	s := NewState(StateConfig{WaitForMembers: true, Requester: (&requests{}).request})
	apply(t, s, "GUILD_CREATE", `{"id":"10","member_count":3,"members":[{"user":{"id":"1"}}]}`)
	require.False(t, s.Servers.Ready(10))

	ev := apply(t, s, "GUILD_MEMBERS_CHUNK", `{"guild_id":"10","chunk_index":0,"chunk_count":2,"members":[{"user":{"id":"2"}}]}`)
	assert.Equal(t, shardline.EventMembersChunk, ev.Type)
	assert.Len(t, ev.Members, 1)
	assert.False(t, s.Servers.Ready(10))
	apply(t, s, "GUILD_MEMBERS_CHUNK", `{"guild_id":"10","chunk_index":1,"chunk_count":2,"members":[]}`)
	assert.True(t, s.Servers.Ready(10), "the last chunk completes the sync")

	ev = apply(t, s, "GUILD_MEMBER_ADD", `{"guild_id":"10","user":{"id":"4","username":"new"}}`)
	assert.Equal(t, shardline.Snowflake(10), ev.Key)
	assert.Equal(t, []shardline.Snowflake{10, 4}, ev.Objects)

	ev = apply(t, s, "GUILD_MEMBER_UPDATE", `{"guild_id":"10","nick":"nick","user":{"id":"4","username":"renamed"}}`)
	m, ok := s.Servers.Member(10, 4)
	require.True(t, ok)
	assert.Equal(t, "nick", m.Nick)
	u, _ := s.Users.Get(4)
	assert.Equal(t, "renamed", u.Username)

	ev = apply(t, s, "GUILD_MEMBER_REMOVE", `{"guild_id":"10","user":{"id":"4"}}`)
	require.NotNil(t, ev.Member)
	_, ok = s.Servers.Member(10, 4)
	assert.False(t, ok)
	runtime.KeepAlive(u)
}

func TestApplyChannels(t *testing.T) {
	t.Parallel()
	s := newState()
	apply(t, s, "GUILD_CREATE", `{"id":"10"}`)

	ev := apply(t, s, "CHANNEL_CREATE", `{"id":"20","guild_id":"10","name":"general"}`)
	assert.Equal(t, shardline.Snowflake(10), ev.Key)
	assert.Equal(t, []shardline.Snowflake{20, 10}, ev.Objects)
	srv, _ := s.Servers.Get(10)
	require.Len(t, srv.Channels, 1)

	ev = apply(t, s, "CHANNEL_UPDATE", `{"id":"20","guild_id":"10","name":"renamed"}`)
	ch, ok := s.Channels.Get(20)
	require.True(t, ok)
	assert.Equal(t, "renamed", ch.Name)

	ev = apply(t, s, "CHANNEL_DELETE", `{"id":"20","guild_id":"10"}`)
	assert.Equal(t, []shardline.Snowflake{20}, ev.Deleted)
	srv, _ = s.Servers.Get(10)
	assert.Empty(t, srv.Channels)

	ev = apply(t, s, "CHANNEL_CREATE", `{"id":"30","type":1}`)
	assert.Equal(t, shardline.Snowflake(30), ev.Key, "private channels key on themselves")
	runtime.KeepAlive(ch)
}

func TestApplyMessages(t *testing.T) {
	t.Parallel()
	s := newState()
	ev := apply(t, s, "MESSAGE_CREATE", `{"id":"100","channel_id":"20","guild_id":"10","content":"hello","author":{"id":"1","username":"a"}}`)

	assert.Equal(t, shardline.Snowflake(10), ev.Key)
	assert.Equal(t, []shardline.Snowflake{100, 20, 10}, ev.Objects)
	require.NotNil(t, ev.Message)
	author, ok := s.Users.Get(1)
	require.True(t, ok)
	assert.Same(t, author, ev.Message.Author)

	ev = apply(t, s, "MESSAGE_UPDATE", `{"id":"100","channel_id":"20","guild_id":"10","content":"edited","edited_timestamp":"2024-01-01T00:00:00Z"}`)
	assert.Equal(t, "edited", ev.Message.Content)
	assert.Same(t, author, ev.Message.Author, "fields missing from the update are kept")
	require.NotNil(t, ev.Message.EditedAt)
	cached, _ := s.Messages.Get(100)
	assert.Equal(t, "edited", cached.Content)

	ev = apply(t, s, "MESSAGE_DELETE", `{"id":"100","channel_id":"20","guild_id":"10"}`)
	assert.Equal(t, []shardline.Snowflake{100}, ev.Deleted)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "edited", ev.Message.Content)
	_, ok = s.Messages.Get(100)
	assert.False(t, ok)

	ev = apply(t, s, "MESSAGE_CREATE", `{"id":"101","channel_id":"30","content":"dm"}`)
	assert.Equal(t, shardline.Snowflake(30), ev.Key)
	runtime.KeepAlive(author)
}

func TestApplyUserUpdate(t *testing.T) {
	t.Parallel()
	s := newState()
	ev := apply(t, s, "USER_UPDATE", `{"id":"1","username":"new"}`)
	assert.Equal(t, shardline.Snowflake(1), ev.Key)
	u, ok := s.Users.Get(1)
	require.True(t, ok)
	assert.Same(t, ev.User, u)
}

func TestApplyUnknownEvent(t *testing.T) {
	t.Parallel()
	s := newState()
	ev := apply(t, s, "TYPING_START", `{"channel_id":"20","guild_id":"10","user_id":"1"}`)
	assert.Equal(t, shardline.EventRaw, ev.Type)
	assert.Equal(t, "TYPING_START", ev.Name)
	assert.Equal(t, shardline.Snowflake(10), ev.Key)
	assert.JSONEq(t, `{"channel_id":"20","guild_id":"10","user_id":"1"}`, string(ev.Raw))

	ev = apply(t, s, "PRESENCES_REPLACE", `[]`)
	assert.Equal(t, shardline.GlobalKey, ev.Key)
}

func TestApplyMalformed(t *testing.T) {
	t.Parallel()
	s := newState()
	_, err := s.Apply(dispatch("MESSAGE_CREATE", `{"id":`))
	assert.Error(t, err)
}
