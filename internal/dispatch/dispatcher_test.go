package dispatch

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luciancaetano/shardline"
)

func newDispatcher(t *testing.T, workers, batch int) *Dispatcher {
	t.Helper()
	d := New(Config{Workers: workers, Batch: batch, Logger: zaptest.NewLogger(t).Sugar()})
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestPerKeyOrderUnderConcurrency(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, 8, 3)

	const keys, perKey = 10, 200
	var mu sync.Mutex
	seen := make(map[shardline.Snowflake][]int)
	var wg sync.WaitGroup
	wg.Add(keys * perKey)

	for i := range perKey {
		for k := range keys {
			key := shardline.Snowflake(k + 1)
			require.NoError(t, d.Submit(key, func() {
				defer wg.Done()
				// Uneven run times must not reorder a key.
				if rand.IntN(10) == 0 {
					time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
				}
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			}))
		}
	}
	wg.Wait()

	for k := range keys {
		got := seen[shardline.Snowflake(k+1)]
		require.Len(t, got, perKey)
		for i, v := range got {
			require.Equal(t, i, v, "key %d out of order", k+1)
		}
	}
}

func TestUnrelatedKeysRunConcurrently(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, 4, 1)

	release := make(chan struct{})
	var running atomic.Int32
	for k := range 3 {
		require.NoError(t, d.Submit(shardline.Snowflake(k+1), func() {
			running.Add(1)
			<-release
		}))
	}
	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, time.Millisecond)
	close(release)
}

func TestBlockedKeyDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, 2, 1)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, d.Submit(1, func() { <-release }))
	for range 5 {
		require.NoError(t, d.Submit(1, func() {}))
	}

	done := make(chan struct{})
	require.NoError(t, d.Submit(2, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("other key was starved")
	}
}

func TestPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, 1, 4)

	done := make(chan struct{})
	require.NoError(t, d.Submit(1, func() { panic("boom") }))
	require.NoError(t, d.Submit(1, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery stopped after panic")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	t.Parallel()
	d := New(Config{Workers: 2, Logger: zaptest.NewLogger(t).Sugar()})

	var ran atomic.Int32
	for i := range 50 {
		require.NoError(t, d.Submit(shardline.Snowflake(i%3), func() {
			time.Sleep(100 * time.Microsecond)
			ran.Add(1)
		}))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(50), ran.Load())
	assert.Zero(t, d.Pending())

	assert.ErrorIs(t, d.Submit(1, func() {}), shardline.ErrDispatcherClosed)
	assert.NoError(t, d.Close(context.Background()))
}

func TestCloseHonoursContext(t *testing.T) {
	t.Parallel()
	d := New(Config{Workers: 1, Logger: zaptest.NewLogger(t).Sugar()})
	release := make(chan struct{})
	require.NoError(t, d.Submit(1, func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, d.Close(context.Background()))
}
