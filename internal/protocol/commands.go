package protocol

import (
	"encoding/json"
	"time"

	"github.com/luciancaetano/shardline"
)

// Hello is the first payload the gateway sends on a new connection.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Presence       *Presence          `json:"presence,omitempty"`
	Intents        shardline.Intents  `json:"intents"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

type VoiceState struct {
	ServerID  shardline.Snowflake  `json:"guild_id"`
	ChannelID *shardline.Snowflake `json:"channel_id"`
	SelfMute  bool                 `json:"self_mute"`
	SelfDeaf  bool                 `json:"self_deaf"`
}

type RequestMembers struct {
	ServerID  shardline.Snowflake `json:"guild_id"`
	Query     string              `json:"query"`
	Limit     int                 `json:"limit"`
	Presences bool                `json:"presences,omitempty"`
	Nonce     string              `json:"nonce,omitempty"`
}

// Ready carries the fields the session itself needs from the READY dispatch.
type Ready struct {
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	User             *shardline.User    `json:"user"`
	Servers          []shardline.Server `json:"guilds"`
	Shard            []int              `json:"shard,omitempty"`
}

// DecodeData unmarshals the d field of a payload.
func DecodeData[T any](p *Payload) (T, error) {
	var v T
	err := json.Unmarshal(p.Data, &v)
	return v, err
}

// InvalidSessionResumable reports the boolean d of an InvalidSession payload.
func InvalidSessionResumable(p *Payload) bool {
	var resumable bool
	_ = json.Unmarshal(p.Data, &resumable)
	return resumable
}
