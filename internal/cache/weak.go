// Package cache holds the entities seen over the gateway and REST.
//
// Users, channels and messages live in weak caches: an entry stays only as
// long as something else references the entity. Servers are staged and
// become ready once their member list is synchronized.
package cache

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/luciancaetano/shardline"
)

const reclaimBuffer = 1024

type reclaimed[T any] struct {
	id shardline.Snowflake
	wp weak.Pointer[T]
}

// WeakCache maps ids to entities without keeping them alive.
type WeakCache[T any] struct {
	mu    sync.Mutex
	byID  map[shardline.Snowflake]weak.Pointer[T]
	byPtr map[weak.Pointer[T]]shardline.Snowflake

	reclaimed chan reclaimed[T]
	overflow  atomic.Bool
}

func NewWeakCache[T any]() *WeakCache[T] {
	return &WeakCache[T]{
		byID:      make(map[shardline.Snowflake]weak.Pointer[T]),
		byPtr:     make(map[weak.Pointer[T]]shardline.Snowflake),
		reclaimed: make(chan reclaimed[T], reclaimBuffer),
	}
}

// track stores wp for id and arranges for its reclamation to be reported.
// Caller holds mu.
func (c *WeakCache[T]) track(id shardline.Snowflake, v *T) {
	wp := weak.Make(v)
	c.byID[id] = wp
	c.byPtr[wp] = id
	runtime.AddCleanup(v, c.notify, reclaimed[T]{id: id, wp: wp})
}

// notify runs on the runtime's cleanup goroutine and must not block.
func (c *WeakCache[T]) notify(r reclaimed[T]) {
	select {
	case c.reclaimed <- r:
	default:
		c.overflow.Store(true)
	}
}

// Put caches v under id unless a live instance is already cached, in which
// case that instance is returned instead.
func (c *WeakCache[T]) Put(id shardline.Snowflake, v *T) *T {
	if v == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if wp, ok := c.byID[id]; ok {
		if live := wp.Value(); live != nil {
			return live
		}
		delete(c.byPtr, wp)
	}
	c.track(id, v)
	return v
}

// Replace caches v under id even if another instance is live. Used for
// updates, where the new instance carries newer data.
func (c *WeakCache[T]) Replace(id shardline.Snowflake, v *T) {
	if v == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if wp, ok := c.byID[id]; ok {
		if wp.Value() == v {
			return
		}
		delete(c.byPtr, wp)
	}
	c.track(id, v)
}

func (c *WeakCache[T]) Get(id shardline.Snowflake) (*T, bool) {
	c.mu.Lock()
	wp, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	v := wp.Value()
	return v, v != nil
}

// Key returns the id v is cached under.
func (c *WeakCache[T]) Key(v *T) (shardline.Snowflake, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPtr[weak.Make(v)]
	return id, ok
}

func (c *WeakCache[T]) Remove(id shardline.Snowflake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wp, ok := c.byID[id]; ok {
		delete(c.byID, id)
		delete(c.byPtr, wp)
	}
}

// Len counts entries, including reclaimed ones not yet cleaned up.
func (c *WeakCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Cleanup removes entries whose entity was reclaimed and returns how many
// were removed. An entry is only removed if it still holds the reclaimed
// pointer; a newer instance under the same id is kept.
func (c *WeakCache[T]) Cleanup() int {
	removed := 0
drain:
	for {
		select {
		case r := <-c.reclaimed:
			c.mu.Lock()
			if cur, ok := c.byID[r.id]; ok && cur == r.wp {
				delete(c.byID, r.id)
				removed++
			}
			delete(c.byPtr, r.wp)
			c.mu.Unlock()
		default:
			break drain
		}
	}

	if c.overflow.Swap(false) {
		removed += c.sweep()
	}
	return removed
}

// sweep checks every entry. It runs after reclaim notifications were lost.
func (c *WeakCache[T]) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, wp := range c.byID {
		if wp.Value() == nil {
			delete(c.byID, id)
			delete(c.byPtr, wp)
			removed++
		}
	}
	for wp := range c.byPtr {
		if wp.Value() == nil {
			delete(c.byPtr, wp)
		}
	}
	return removed
}
