package session

import "fmt"

// State is a coordinator state. A cycle walks
// Idle → Connecting → Attaching → Subscribing → Running → Detaching → Disconnecting → Idle.
type State int

// Coordinator states.
const (
	Idle State = iota
	Connecting
	Attaching
	Subscribing
	Running
	Detaching
	Disconnecting
)

// String returns the state name used in logs and the status API.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Attaching:
		return "attaching"
	case Subscribing:
		return "subscribing"
	case Running:
		return "running"
	case Detaching:
		return "detaching"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Cycle outcomes recorded in the journal and metrics.
const (
	OutcomeRotated          = "rotated"
	OutcomeConnectionLost   = "connection_lost"
	OutcomeConnectFailed    = "connect_failed"
	OutcomeSubscribeFailed  = "subscribe_failed"
	OutcomeCredentialFailed = "credential_failed"
	OutcomeShutdown         = "shutdown"
)
