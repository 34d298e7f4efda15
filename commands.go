package shardline

// Gateway opcodes.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatAck        = 11
)

// Gateway close codes sent by the server.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Standard error messages
const (
	// Connection errors
	ErrMsgConnectionClosed = "connection is closed"
	ErrMsgNotConnected     = "shard is not connected"
	ErrMsgSessionClosed    = "session closed"
	ErrMsgAlreadyOpen      = "session already open"
	ErrMsgFailedToEncode   = "failed to encode payload"
	ErrMsgUnexpectedHello  = "expected hello payload"

	// Gateway errors
	ErrMsgAuthenticationFailed = "authentication failed"
	ErrMsgReconnectExhausted   = "reconnect attempts exhausted"

	// Dispatch errors
	ErrMsgDispatcherClosed = "dispatcher closed"
	ErrMsgNilHandler       = "nil handler"
	ErrMsgNilListener      = "nil listener"
	ErrMsgNoCapabilities   = "listener implements no listener interface"
)

// API defaults
const (
	DefaultAPIVersion = 10
	DefaultAPIBaseURL = "https://discord.com/api"
	DefaultUserAgent  = "DiscordBot (https://github.com/luciancaetano/shardline, 0.1.0)"
)
