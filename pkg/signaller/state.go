package signaller

import "fmt"

// State is the lifecycle of the relay connection. It mirrors the WebSocket ready states.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Role selects which side of the rendezvous a client takes.
type Role string

const (
	RoleListen  Role = "listen"
	RoleConnect Role = "connect"
)
