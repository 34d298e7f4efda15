package dispatch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luciancaetano/shardline"
)

func newRegistry(t *testing.T, clk clock.Clock) *Registry {
	t.Helper()
	return NewRegistry(clk, zaptest.NewLogger(t).Sugar())
}

func counter(n *atomic.Int32) shardline.Handler {
	return func(shardline.Event) { n.Add(1) }
}

func TestRegisterGlobalAndScoped(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)

	var global, scoped atomic.Int32
	_, err := reg.Register(shardline.EventMessageCreate, counter(&global))
	require.NoError(t, err)
	_, err = reg.Register(shardline.EventMessageCreate, counter(&scoped), shardline.ForObject(20))
	require.NoError(t, err)

	reg.Deliver(shardline.Event{Type: shardline.EventMessageCreate, Objects: []shardline.Snowflake{100, 20}})
	reg.Deliver(shardline.Event{Type: shardline.EventMessageCreate, Objects: []shardline.Snowflake{101, 21}})
	reg.Deliver(shardline.Event{Type: shardline.EventMessageDelete, Objects: []shardline.Snowflake{100, 20}})

	assert.Equal(t, int32(2), global.Load())
	assert.Equal(t, int32(1), scoped.Load())
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)

	var calls, hooks atomic.Int32
	r, err := reg.Register(shardline.EventReady, counter(&calls), shardline.WithRemovedHook(func() { hooks.Add(1) }))
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID())

	r.Remove()
	r.Remove()
	assert.True(t, r.Removed())
	assert.Equal(t, int32(1), hooks.Load())
	assert.Zero(t, reg.Len())

	reg.Deliver(shardline.Event{Type: shardline.EventReady})
	assert.Zero(t, calls.Load())

	late := false
	r.OnRemoved(func() { late = true })
	assert.True(t, late, "hooks added after removal run at once")
}

func TestScopedListenerDroppedWhenObjectDeleted(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)

	var calls atomic.Int32
	removed := make(chan struct{})
	r, err := reg.Register(shardline.EventMessageDelete, counter(&calls),
		shardline.ForObject(100),
		shardline.WithRemovedHook(func() { close(removed) }))
	require.NoError(t, err)

	reg.Deliver(shardline.Event{
		Type:    shardline.EventMessageDelete,
		Objects: []shardline.Snowflake{100, 20},
		Deleted: []shardline.Snowflake{100},
	})
	assert.Equal(t, int32(1), calls.Load(), "the deleting event is still delivered")
	assert.True(t, r.Removed())
	<-removed
}

func TestTimedRemoval(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	reg := newRegistry(t, clk)

	r, err := reg.Register(shardline.EventReady, func(shardline.Event) {}, shardline.RemoveAfter(time.Minute))
	require.NoError(t, err)

	clk.Add(59 * time.Second)
	assert.False(t, r.Removed())
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return r.Removed() && reg.Len() == 0 }, time.Second, time.Millisecond)
}

func TestRegisterRejectsNilHandler(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)
	_, err := reg.Register(shardline.EventReady, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestListenerPanicIsContained(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)
	var calls atomic.Int32
	_, _ = reg.Register(shardline.EventReady, func(shardline.Event) { panic("boom") })
	_, _ = reg.Register(shardline.EventReady, counter(&calls))

	reg.Deliver(shardline.Event{Type: shardline.EventReady})
	assert.Equal(t, int32(1), calls.Load())
}

type messageWatcher struct {
	created, deleted atomic.Int32
}

func (w *messageWatcher) OnMessageCreate(shardline.Event) { w.created.Add(1) }
func (w *messageWatcher) OnMessageDelete(shardline.Event) { w.deleted.Add(1) }

func TestRegisterListenerByCapability(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)
	w := &messageWatcher{}

	var hooks atomic.Int32
	r, err := reg.RegisterListener(w, shardline.WithRemovedHook(func() { hooks.Add(1) }))
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	reg.Deliver(shardline.Event{Type: shardline.EventMessageCreate})
	reg.Deliver(shardline.Event{Type: shardline.EventMessageDelete})
	reg.Deliver(shardline.Event{Type: shardline.EventServerCreate})
	assert.Equal(t, int32(1), w.created.Load())
	assert.Equal(t, int32(1), w.deleted.Load())

	r.Remove()
	r.Remove()
	assert.Zero(t, reg.Len())
	assert.Equal(t, int32(1), hooks.Load())
}

func TestScopedCapabilityListenerDetachesTogether(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)
	w := &messageWatcher{}

	r, err := reg.RegisterListener(w, shardline.ForObject(100))
	require.NoError(t, err)

	reg.Deliver(shardline.Event{
		Type:    shardline.EventMessageDelete,
		Objects: []shardline.Snowflake{100},
		Deleted: []shardline.Snowflake{100},
	})
	assert.True(t, r.Removed())
	assert.Zero(t, reg.Len(), "every capability of the listener is gone")

	reg.Deliver(shardline.Event{Type: shardline.EventMessageCreate, Objects: []shardline.Snowflake{100}})
	assert.Zero(t, w.created.Load())
}

func TestTimedRemovalOfCapabilityListener(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	reg := newRegistry(t, clk)

	r, err := reg.RegisterListener(&messageWatcher{}, shardline.RemoveAfter(time.Second))
	require.NoError(t, err)
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return r.Removed() && reg.Len() == 0 }, time.Second, time.Millisecond)
}

type syncWatcher struct {
	channels, chunks atomic.Int32
}

func (w *syncWatcher) OnChannelUpdate(shardline.Event) { w.channels.Add(1) }
func (w *syncWatcher) OnMembersChunk(shardline.Event) { w.chunks.Add(1) }

func TestRegisterListenerForChannelUpdatesAndChunks(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)
	w := &syncWatcher{}

	_, err := reg.RegisterListener(w)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	reg.Deliver(shardline.Event{Type: shardline.EventChannelUpdate})
	reg.Deliver(shardline.Event{Type: shardline.EventMembersChunk})
	reg.Deliver(shardline.Event{Type: shardline.EventChannelCreate})
	assert.Equal(t, int32(1), w.channels.Load())
	assert.Equal(t, int32(1), w.chunks.Load())
}

func TestRegisterListenerWithoutCapabilities(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, nil)

	_, err := reg.RegisterListener(struct{}{})
	assert.ErrorIs(t, err, ErrNoCapabilities)
	_, err = reg.RegisterListener(nil)
	assert.ErrorIs(t, err, ErrNilListener)
	assert.Zero(t, reg.Len())
}
