package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/luciancaetano/shardline"
)

// MessageCache keeps the most recent messages alive for a while and indexes
// every other message weakly, so messages still referenced elsewhere stay
// resolvable.
type MessageCache struct {
	recent *expirable.LRU[shardline.Snowflake, *shardline.Message]
	index  *WeakCache[shardline.Message]
}

// NewMessageCache retains up to capacity messages for retention. A zero
// capacity retains nothing and relies on the weak index alone.
func NewMessageCache(capacity int, retention time.Duration) *MessageCache {
	m := &MessageCache{index: NewWeakCache[shardline.Message]()}
	if capacity > 0 {
		m.recent = expirable.NewLRU[shardline.Snowflake, *shardline.Message](capacity, nil, retention)
	}
	return m
}

// Put caches msg and returns the canonical instance for its id.
func (m *MessageCache) Put(msg *shardline.Message) *shardline.Message {
	msg = m.index.Put(msg.ID, msg)
	if m.recent != nil {
		m.recent.Add(msg.ID, msg)
	}
	return msg
}

// Replace stores an edited message in place of the previous instance.
func (m *MessageCache) Replace(msg *shardline.Message) {
	m.index.Replace(msg.ID, msg)
	if m.recent != nil {
		m.recent.Add(msg.ID, msg)
	}
}

func (m *MessageCache) Get(id shardline.Snowflake) (*shardline.Message, bool) {
	if m.recent != nil {
		if msg, ok := m.recent.Get(id); ok {
			return msg, true
		}
	}
	return m.index.Get(id)
}

func (m *MessageCache) Remove(id shardline.Snowflake) {
	if m.recent != nil {
		m.recent.Remove(id)
	}
	m.index.Remove(id)
}

// Retained is the number of messages held strongly.
func (m *MessageCache) Retained() int {
	if m.recent == nil {
		return 0
	}
	return m.recent.Len()
}

func (m *MessageCache) Len() int { return m.index.Len() }

func (m *MessageCache) Cleanup() int { return m.index.Cleanup() }
