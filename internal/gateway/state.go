package gateway

import "fmt"

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
