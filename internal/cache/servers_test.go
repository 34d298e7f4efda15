package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/shardline"
)

func members(serverID shardline.Snowflake, from, n int) []*shardline.Member {
	out := make([]*shardline.Member, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, &shardline.Member{
			ServerID: serverID,
			User:     &shardline.User{ID: shardline.Snowflake(1000 + i)},
		})
	}
	return out
}

type requests struct {
	mu  sync.Mutex
	ids []shardline.Snowflake
	err error
}

func (r *requests) request(_ context.Context, id shardline.Snowflake) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func (r *requests) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestServerReadyAfterMemberSync(t *testing.T) {
	t.Parallel()
	req := &requests{}
	c := NewServerCache(true, req.request, nil)

	var hooks, fired atomic.Int32
	c.SetReadyHook(func(*shardline.Server) { hooks.Add(1) })
	c.OnReady(7, func(s *shardline.Server) {
		assert.Equal(t, shardline.Snowflake(7), s.ID)
		fired.Add(1)
	})

	c.Observe(&shardline.Server{ID: 7, MemberCount: 100, Members: members(7, 0, 40)})
	assert.False(t, c.Ready(7))
	require.Eventually(t, func() bool { return req.count() == 1 }, time.Second, 5*time.Millisecond)

	_, ok := c.Get(7)
	assert.False(t, ok, "not ready servers are hidden")
	_, ok = c.Lookup(7)
	assert.True(t, ok)
	assert.Equal(t, []shardline.Snowflake{7}, c.NotReady())

	c.AddMembers(7, members(7, 40, 30), false)
	assert.False(t, c.Ready(7))
	c.AddMembers(7, members(7, 70, 30), false)
	assert.True(t, c.Ready(7))

	cached, expected := c.MemberCount(7)
	assert.Equal(t, 100, cached)
	assert.Equal(t, 100, expected)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(1), hooks.Load())

	// Later chunks and updates do not fire again.
	c.AddMembers(7, members(7, 100, 1), true)
	c.Observe(&shardline.Server{ID: 7, MemberCount: 101})
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(1), hooks.Load())
	assert.Equal(t, 1, req.count())
	assert.Empty(t, c.NotReady())
}

func TestServerReadyOnLastChunk(t *testing.T) {
	t.Parallel()
	req := &requests{}
	c := NewServerCache(true, req.request, nil)
	c.Observe(&shardline.Server{ID: 8, MemberCount: 50})
	c.AddMembers(8, members(8, 0, 10), true)
	assert.True(t, c.Ready(8))
}

func TestServerReadyWithoutWaiting(t *testing.T) {
	t.Parallel()
	req := &requests{}
	c := NewServerCache(false, req.request, nil)
	c.Observe(&shardline.Server{ID: 9, MemberCount: 100})
	assert.True(t, c.Ready(9))
	assert.Zero(t, req.count())
}

func TestServerReadyWithoutRequester(t *testing.T) {
	t.Parallel()
	c := NewServerCache(true, nil, nil)
	c.Observe(&shardline.Server{ID: 10, MemberCount: 100})
	assert.True(t, c.Ready(10))
}

func TestServerForcedReadyWhenRequestFails(t *testing.T) {
	t.Parallel()
	req := &requests{err: errors.New("shard closed")}
	c := NewServerCache(true, req.request, nil)
	c.Observe(&shardline.Server{ID: 11, MemberCount: 100})
	require.Eventually(t, func() bool { return c.Ready(11) }, time.Second, 5*time.Millisecond)
}

func TestServerRequestedAgainAfterReset(t *testing.T) {
	t.Parallel()
	req := &requests{}
	c := NewServerCache(true, req.request, nil)
	c.Observe(&shardline.Server{ID: 20, MemberCount: 5})
	c.Observe(&shardline.Server{ID: 20, MemberCount: 5})
	assert.Equal(t, 1, req.count())
	assert.False(t, c.Ready(20))

	c.ResetRequests()
	c.Observe(&shardline.Server{ID: 20, MemberCount: 5})
	assert.Equal(t, 2, req.count())
	assert.False(t, c.Ready(20))
}

func TestServerUnavailableIsStaged(t *testing.T) {
	t.Parallel()
	c := NewServerCache(false, nil, nil)
	c.Observe(&shardline.Server{ID: 12, Unavailable: true})
	assert.False(t, c.Ready(12))
	assert.Equal(t, []shardline.Snowflake{12}, c.NotReady())

	c.Observe(&shardline.Server{ID: 12, Name: "back"})
	s, ok := c.Get(12)
	require.True(t, ok)
	assert.Equal(t, "back", s.Name)
}

func TestOnReadyAlreadyReadyRunsSynchronously(t *testing.T) {
	t.Parallel()
	c := NewServerCache(false, nil, nil)
	c.Observe(&shardline.Server{ID: 13})

	calls := 0
	c.OnReady(13, func(*shardline.Server) { calls++ })
	assert.Equal(t, 1, calls)
	c.ForceReady(13)
	assert.Equal(t, 1, calls)
}

func TestOnReadyRacingTransitionRunsOnce(t *testing.T) {
	t.Parallel()
	for range 50 {
		c := NewServerCache(true, nil, nil)
		c.mu.Lock()
		c.record(14).server = &shardline.Server{ID: 14}
		c.mu.Unlock()

		var fired atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				c.OnReady(14, func(*shardline.Server) { fired.Add(1) })
			}()
			go func() {
				defer wg.Done()
				c.ForceReady(14)
			}()
		}
		wg.Wait()
		require.Equal(t, int32(8), fired.Load(), "every callback runs exactly once")
	}
}

func TestServerWait(t *testing.T) {
	t.Parallel()
	c := NewServerCache(true, nil, nil)
	c.Observe(&shardline.Server{ID: 15, Unavailable: true})
	c.Observe(&shardline.Server{ID: 16, Unavailable: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()
	c.Observe(&shardline.Server{ID: 15})
	c.Remove(16)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestServerChannelsAndMembers(t *testing.T) {
	t.Parallel()
	c := NewServerCache(false, nil, nil)
	c.Observe(&shardline.Server{ID: 17, MemberCount: 1, Members: members(17, 0, 1)})

	c.SetChannel(&shardline.Channel{ID: 1, ServerID: 17, Name: "general"})
	c.SetChannel(&shardline.Channel{ID: 1, ServerID: 17, Name: "renamed"})
	c.SetChannel(&shardline.Channel{ID: 2, ServerID: 17})
	s, _ := c.Get(17)
	require.Len(t, s.Channels, 2)
	assert.Equal(t, "renamed", s.Channels[0].Name)

	c.RemoveChannel(17, 1)
	s, _ = c.Get(17)
	require.Len(t, s.Channels, 1)

	updated := c.Update(&shardline.Server{ID: 17, Name: "new name"})
	assert.Equal(t, "new name", updated.Name)
	assert.Len(t, updated.Channels, 1)
	assert.Equal(t, 1, updated.MemberCount)

	c.MemberJoined(&shardline.Member{ServerID: 17, User: &shardline.User{ID: 5}})
	_, expected := c.MemberCount(17)
	assert.Equal(t, 2, expected)
	_, ok := c.Member(17, 5)
	assert.True(t, ok)

	_, ok = c.RemoveMember(17, 5)
	assert.True(t, ok)
	cached, expected := c.MemberCount(17)
	assert.Equal(t, 1, cached)
	assert.Equal(t, 1, expected)

	removed, ok := c.Remove(17)
	require.True(t, ok)
	assert.Equal(t, shardline.Snowflake(17), removed.ID)
	assert.Zero(t, c.Len())
}
