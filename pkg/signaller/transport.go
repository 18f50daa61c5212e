package signaller

import "context"

// Close codes used by the client. Remote codes are passed through untouched.
const (
	CloseNormalClosure   = 1000
	CloseAbnormalClosure = 1006
)

// Handler receives the events of one connection. A Dialer must invoke all of them from a
// single goroutine, in the order they happened, and OnClose exactly once and last.
type Handler interface {
	OnOpen()
	OnMessage(payload string)
	OnError(err error)
	OnClose(code int, reason string)
}

// Conn is an ordered, message oriented connection whose state is owned by the transport.
type Conn interface {
	State() State
	// Send queues one text frame. It must not block on network I/O.
	Send(payload string) error
	// Close starts the closing handshake. The result is reported through Handler.OnClose.
	Close(code int, reason string) error
}

// Dialer opens connections. Dial returns immediately with a connection in StateConnecting;
// failures to connect surface as OnError followed by OnClose.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) Conn
}
