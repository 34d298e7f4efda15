package shardline

import (
	"encoding/json"
	"strconv"
	"time"
)

// Snowflake is a platform entity id. It is transported as a decimal string.
type Snowflake uint64

// GlobalKey is the dispatch key for events that concern no particular entity.
const GlobalKey Snowflake = 0

func (s Snowflake) String() string { return strconv.FormatUint(uint64(s), 10) }

// ShardFor returns the shard that receives events for this server id.
func (s Snowflake) ShardFor(shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int((uint64(s) >> 22) % uint64(shardCount))
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *Snowflake) UnmarshalJSON(b []byte) error {
	str := string(b)
	if str == "null" || str == `""` {
		*s = 0
		return nil
	}
	if unq, err := strconv.Unquote(str); err == nil {
		str = unq
	}
	v, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return err
	}
	*s = Snowflake(v)
	return nil
}

// ParseSnowflake parses a decimal id.
func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	return Snowflake(v), err
}

type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator,omitempty"`
	GlobalName    string    `json:"global_name,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

type Member struct {
	User     *User       `json:"user"`
	ServerID Snowflake   `json:"guild_id,omitempty"`
	Nick     string      `json:"nick,omitempty"`
	Roles    []Snowflake `json:"roles,omitempty"`
	JoinedAt time.Time   `json:"joined_at"`
}

type Channel struct {
	ID       Snowflake `json:"id"`
	Type     int       `json:"type"`
	ServerID Snowflake `json:"guild_id,omitempty"`
	Name     string    `json:"name,omitempty"`
}

// Server is a guild as received from the gateway or REST.
type Server struct {
	ID          Snowflake  `json:"id"`
	Name        string     `json:"name"`
	OwnerID     Snowflake  `json:"owner_id"`
	MemberCount int        `json:"member_count"`
	Large       bool       `json:"large"`
	Unavailable bool       `json:"unavailable"`
	Channels    []*Channel `json:"channels,omitempty"`
	Members     []*Member  `json:"members,omitempty"`
}

type Message struct {
	ID        Snowflake  `json:"id"`
	ChannelID Snowflake  `json:"channel_id"`
	ServerID  Snowflake  `json:"guild_id,omitempty"`
	Author    *User      `json:"author"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	EditedAt  *time.Time `json:"edited_timestamp,omitempty"`
}

// Dispatch is a decoded op 0 gateway payload before it is applied to the cache.
type Dispatch struct {
	Shard    int
	Sequence int64
	Name     string
	Data     json.RawMessage
}
