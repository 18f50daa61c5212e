// Package signaller is a client for a rendezvous relay that pairs two endpoints on a shared
// handle and forwards opaque signaling payloads between them until they can talk directly.
package signaller

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options configures a Client.
type Options struct {
	// Dialer opens the relay connection. Defaults to a WebSocketDialer with default settings.
	Dialer Dialer
	Logger logrus.FieldLogger
}

// Client exchanges signal payloads with the peer on the other side of a handle.
//
// Payloads passed to Signal before the relay connection is open are queued and sent, in order,
// as soon as it opens. Signaling a closing or closed connection is an error.
type Client struct {
	server string
	handle string
	dialer Dialer
	logger logrus.FieldLogger

	mu       sync.Mutex
	conn     Conn
	role     Role
	opened   bool
	closed   bool
	pending  []string
	onSignal func(payload string)
	onClose  func(code int, reason string)
}

// New builds a Client for handle on the relay at server (e.g. "ws://127.0.0.1:8080").
// Nothing is dialed until Listen or Connect.
func New(server, handle string, opts Options) *Client {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWebSocketDialer(WebSocketOptions{Logger: opts.Logger})
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		server: server,
		handle: handle,
		dialer: dialer,
		logger: logger.WithField("handle", handle),
	}
}

func (c *Client) Server() string { return c.server }

func (c *Client) Handle() string { return c.handle }

// Role reports the role the client was started in, or "" if it was not started.
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// OnSignal binds the callback invoked for every inbound payload. It replaces any previous one.
func (c *Client) OnSignal(fn func(payload string)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// OnClose binds the callback invoked once the relay connection is closed.
func (c *Client) OnClose(fn func(code int, reason string)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Listen waits on the relay for a peer to Connect with the same handle.
// ctx bounds the opening handshake only.
func (c *Client) Listen(ctx context.Context) error {
	return c.start(ctx, RoleListen)
}

// Connect joins a peer that is listening on the handle.
func (c *Client) Connect(ctx context.Context) error {
	return c.start(ctx, RoleConnect)
}

func (c *Client) start(ctx context.Context, role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return ErrAlreadyStarted
	}
	c.role = role
	c.logger = c.logger.WithField("role", role)

	u := Endpoint(c.server, role, c.handle)
	c.logger.Debugf("signaller: dialing %s", u)
	c.conn = c.dialer.Dial(ctx, u, clientHandler{c})
	return nil
}

// State reports the connection state. A client that was never started reports StateClosed.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return StateClosed
	}
	return c.state()
}

// state must be called with mu held. Until the open event has been handled and the queue
// flushed, an open transport still counts as connecting.
func (c *Client) state() State {
	if c.closed {
		return StateClosed
	}
	s := c.conn.State()
	if s == StateOpen && !c.opened {
		return StateConnecting
	}
	return s
}

// Signal sends payload to the peer, or queues it while the relay connection is being opened.
func (c *Client) Signal(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotStarted
	}

	switch state := c.state(); state {
	case StateConnecting:
		c.pending = append(c.pending, payload)
		return nil
	case StateOpen:
		return c.conn.Send(payload)
	case StateClosing, StateClosed:
		return &StateError{Op: "signal", State: state}
	default:
		return &StateError{Op: "signal", State: state}
	}
}

// Close closes the relay connection with a normal closure.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotStarted
	}
	c.pending = nil
	return c.conn.Close(CloseNormalClosure, "")
}

// Pending returns how many payloads are waiting for the connection to open.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) handleOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.opened = true
	c.logger.Debugf("signaller: open, flushing %d queued signals", len(c.pending))
	for _, payload := range c.pending {
		if err := c.conn.Send(payload); err != nil {
			c.logger.Errorf("signaller: flush queued signal: %v", err)
		}
	}
	c.pending = nil
}

func (c *Client) handleMessage(payload string) {
	c.mu.Lock()
	fn := c.onSignal
	closed := c.closed
	c.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(payload)
}

func (c *Client) handleError(err error) {
	c.logger.Warnf("signaller: websocket error: %v", err)
}

func (c *Client) handleClose(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	fn := c.onClose
	c.mu.Unlock()

	c.logger.Debugf("signaller: closed with code %d (%s)", code, reason)
	if fn != nil {
		fn(code, reason)
	}
}

type clientHandler struct {
	c *Client
}

func (h clientHandler) OnOpen()                         { h.c.handleOpen() }
func (h clientHandler) OnMessage(payload string)        { h.c.handleMessage(payload) }
func (h clientHandler) OnError(err error)               { h.c.handleError(err) }
func (h clientHandler) OnClose(code int, reason string) { h.c.handleClose(code, reason) }

// Endpoint builds the relay URL for role and handle.
func Endpoint(server string, role Role, handle string) string {
	return strings.TrimSuffix(server, "/") + "/" + string(role) + "/" + url.PathEscape(handle)
}
