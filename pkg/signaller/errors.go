package signaller

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is matched by every error returned when signaling a closing or closed connection.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotStarted is returned when Signal or Close is called before Listen or Connect.
	ErrNotStarted = errors.New("signaller not started")
	// ErrAlreadyStarted is returned when Listen or Connect is called a second time.
	ErrAlreadyStarted = errors.New("signaller already started")
	// ErrSendBufferFull is returned when the transport cannot accept another outbound frame.
	ErrSendBufferFull = errors.New("send buffer full")
)

// StateError reports an operation attempted while the connection was in State.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("attempted to %s() a %s connection", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}
