package shardline

import "time"

// Handler receives events of the type it was registered for.
//
// Handlers run on a shared worker pool. Events with the same dispatch key
// are delivered one at a time in gateway order, so a slow handler delays
// later events for that key. Long work should be handed off to another
// goroutine.
type Handler func(Event)

// Registration is returned by every listener registration.
type Registration interface {
	// ID returns the unique id of the registration.
	ID() string

	// Remove detaches the listener. It is safe to call more than once; only
	// the first call has an effect.
	Remove()

	// OnRemoved adds a hook that runs once when the registration is removed.
	// If it was already removed, fn runs immediately.
	OnRemoved(fn func())

	// Removed reports whether Remove has run.
	Removed() bool
}

// ListenOptions controls how a listener is registered.
type ListenOptions struct {
	// Target restricts the listener to events concerning one entity. Zero
	// means global.
	Target Snowflake
	// RemoveAfter removes the listener automatically after the duration.
	RemoveAfter time.Duration
	// OnRemoved hooks run when the listener is removed.
	OnRemoved []func()
}

type ListenOption func(*ListenOptions)

// ForObject scopes a listener to events about id. The listener is removed
// when the entity is deleted.
func ForObject(id Snowflake) ListenOption {
	return func(o *ListenOptions) { o.Target = id }
}

// RemoveAfter removes the listener after d.
func RemoveAfter(d time.Duration) ListenOption {
	return func(o *ListenOptions) { o.RemoveAfter = d }
}

// WithRemovedHook registers fn to run when the listener is removed.
func WithRemovedHook(fn func()) ListenOption {
	return func(o *ListenOptions) { o.OnRemoved = append(o.OnRemoved, fn) }
}

// ApplyListenOptions folds opts into a ListenOptions value.
func ApplyListenOptions(opts ...ListenOption) ListenOptions {
	var o ListenOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Capability interfaces. A value passed to AddListener is registered once
// for each interface it implements.

type ReadyListener interface{ OnReady(Event) }

type ResumedListener interface{ OnResumed(Event) }

type ServerCreateListener interface{ OnServerCreate(Event) }

type ServerUpdateListener interface{ OnServerUpdate(Event) }

type ServerDeleteListener interface{ OnServerDelete(Event) }

type ServerReadyListener interface{ OnServerReady(Event) }

type MemberAddListener interface{ OnMemberAdd(Event) }

type MemberUpdateListener interface{ OnMemberUpdate(Event) }

type MemberRemoveListener interface{ OnMemberRemove(Event) }

type MembersChunkListener interface{ OnMembersChunk(Event) }

type ChannelCreateListener interface{ OnChannelCreate(Event) }

type ChannelUpdateListener interface{ OnChannelUpdate(Event) }

type ChannelDeleteListener interface{ OnChannelDelete(Event) }

type MessageCreateListener interface{ OnMessageCreate(Event) }

type MessageUpdateListener interface{ OnMessageUpdate(Event) }

type MessageDeleteListener interface{ OnMessageDelete(Event) }

type UserUpdateListener interface{ OnUserUpdate(Event) }
