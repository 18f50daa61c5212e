package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	typ  int
	data []byte
	err  error
}

// endpoint is one upgraded side of a pipe. Its reader runs from upgrade until the
// connection fails, so a listener that goes away while pending is noticed immediately.
type endpoint struct {
	id     string
	handle string
	role   string
	conn   *websocket.Conn
	frames chan frame
	done   chan struct{}
	once   sync.Once
	// gone is set once the reader has seen the connection fail.
	gone atomic.Bool
}

func newEndpoint(id, handle, role string, conn *websocket.Conn, buffer int) *endpoint {
	return &endpoint{
		id:     id,
		handle: handle,
		role:   role,
		conn:   conn,
		frames: make(chan frame, buffer),
		done:   make(chan struct{}),
	}
}

// read pumps inbound frames until the first error, which is delivered as the last frame.
// When the buffer is full, onFull decides whether the endpoint is dropped (true) or the
// reader waits for the consumer (false).
func (e *endpoint) read(onError func(*endpoint, error), onFull func(*endpoint) bool) {
	defer close(e.frames)
	for {
		typ, data, err := e.conn.ReadMessage()
		if err != nil {
			e.gone.Store(true)
			if onError != nil {
				onError(e, err)
			}
		}
		if !e.push(frame{typ: typ, data: data, err: err}, onFull) || err != nil {
			return
		}
	}
}

// fullRetry is how often a blocked reader asks onFull again, since a listener may be
// parked again after a failed pairing.
const fullRetry = 100 * time.Millisecond

func (e *endpoint) push(f frame, onFull func(*endpoint) bool) bool {
	select {
	case e.frames <- f:
		return true
	default:
	}
	if f.err != nil || onFull == nil {
		select {
		case e.frames <- f:
			return true
		case <-e.done:
			return false
		}
	}

	retry := time.NewTicker(fullRetry)
	defer retry.Stop()
	for {
		if onFull(e) {
			return false
		}
		select {
		case e.frames <- f:
			return true
		case <-e.done:
			return false
		case <-retry.C:
		}
	}
}

func (e *endpoint) write(f frame, deadline time.Time) error {
	_ = e.conn.SetWriteDeadline(deadline)
	return e.conn.WriteMessage(f.typ, f.data)
}

// close sends a close frame with code and text and drops the connection. Only the first
// call has any effect; it reports whether it was that call.
func (e *endpoint) close(code int, text string) bool {
	first := false
	e.once.Do(func() {
		first = true
		msg := websocket.FormatCloseMessage(code, text)
		_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = e.conn.Close()
		close(e.done)
	})
	return first
}

func (e *endpoint) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
