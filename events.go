package shardline

import "encoding/json"

// EventType tags every event delivered to listeners.
type EventType int

const (
	EventRaw EventType = iota
	EventReady
	EventResumed
	EventServerCreate
	EventServerUpdate
	EventServerDelete
	EventServerReady
	EventMemberAdd
	EventMemberUpdate
	EventMemberRemove
	EventMembersChunk
	EventChannelCreate
	EventChannelUpdate
	EventChannelDelete
	EventMessageCreate
	EventMessageUpdate
	EventMessageDelete
	EventUserUpdate
)

var eventNames = map[string]EventType{
	"READY":               EventReady,
	"RESUMED":             EventResumed,
	"GUILD_CREATE":        EventServerCreate,
	"GUILD_UPDATE":        EventServerUpdate,
	"GUILD_DELETE":        EventServerDelete,
	"GUILD_MEMBER_ADD":    EventMemberAdd,
	"GUILD_MEMBER_UPDATE": EventMemberUpdate,
	"GUILD_MEMBER_REMOVE": EventMemberRemove,
	"GUILD_MEMBERS_CHUNK": EventMembersChunk,
	"CHANNEL_CREATE":      EventChannelCreate,
	"CHANNEL_UPDATE":      EventChannelUpdate,
	"CHANNEL_DELETE":      EventChannelDelete,
	"MESSAGE_CREATE":      EventMessageCreate,
	"MESSAGE_UPDATE":      EventMessageUpdate,
	"MESSAGE_DELETE":      EventMessageDelete,
	"USER_UPDATE":         EventUserUpdate,
}

// EventTypeOf maps a gateway dispatch name to its EventType. Unknown names
// map to EventRaw.
func EventTypeOf(name string) EventType {
	if t, ok := eventNames[name]; ok {
		return t
	}
	return EventRaw
}

func (t EventType) String() string {
	if t == EventServerReady {
		return "SERVER_READY"
	}
	for name, v := range eventNames {
		if v == t {
			return name
		}
	}
	return "RAW"
}

// Event is what listeners receive. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	Name     string
	Shard    int
	Sequence int64

	// Key selects the ordered delivery queue. Events sharing a key are
	// delivered in gateway order.
	Key Snowflake
	// Objects lists every entity id this event concerns. Object-scoped
	// listeners fire when their target is in this list.
	Objects []Snowflake
	// Deleted lists entities this event removed. Listeners scoped to them
	// are dropped after the event was delivered.
	Deleted []Snowflake

	Server  *Server
	Channel *Channel
	Message *Message
	User    *User
	Member  *Member
	Members []*Member

	ServerID  Snowflake
	ChannelID Snowflake
	MessageID Snowflake

	Raw json.RawMessage
}

// Concerns reports whether id is one of the event's objects.
func (e Event) Concerns(id Snowflake) bool {
	for _, o := range e.Objects {
		if o == id {
			return true
		}
	}
	return false
}
