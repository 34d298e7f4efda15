package gateway

import (
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/shardline"
)

// action is what the run loop does after a connection ends.
type action int

const (
	actionResume action = iota
	actionIdentify
	actionFatal
)

func (a action) String() string {
	switch a {
	case actionResume:
		return "resume"
	case actionIdentify:
		return "identify"
	}
	return "fatal"
}

// classify maps a close code received from the server to the next step.
// Codes not listed (including abnormal closure and 4000) keep the session.
func classify(code int) action {
	switch code {
	case shardline.CloseAuthenticationFailed,
		shardline.CloseInvalidShard,
		shardline.CloseShardingRequired,
		shardline.CloseInvalidAPIVersion,
		shardline.CloseInvalidIntents,
		shardline.CloseDisallowedIntents:
		return actionFatal
	case shardline.CloseInvalidSequence,
		shardline.CloseSessionTimedOut,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway:
		return actionIdentify
	}
	return actionResume
}

var closeReasons = map[int]string{
	shardline.CloseUnknownError:         "unknown error",
	shardline.CloseUnknownOpcode:        "unknown opcode",
	shardline.CloseDecodeError:          "decode error",
	shardline.CloseNotAuthenticated:     "not authenticated",
	shardline.CloseAuthenticationFailed: "authentication failed",
	shardline.CloseAlreadyAuthenticated: "already authenticated",
	shardline.CloseInvalidSequence:      "invalid sequence",
	shardline.CloseRateLimited:          "rate limited",
	shardline.CloseSessionTimedOut:      "session timed out",
	shardline.CloseInvalidShard:         "invalid shard",
	shardline.CloseShardingRequired:     "sharding required",
	shardline.CloseInvalidAPIVersion:    "invalid api version",
	shardline.CloseInvalidIntents:       "invalid intents",
	shardline.CloseDisallowedIntents:    "disallowed intents",
}

func closeReason(code int) string {
	if r, ok := closeReasons[code]; ok {
		return r
	}
	return ""
}
