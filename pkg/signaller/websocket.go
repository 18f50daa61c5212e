package signaller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultCloseTimeout = 5 * time.Second
)

// WebSocketOptions configures a WebSocketDialer. Zero values select the defaults.
type WebSocketOptions struct {
	Dialer *websocket.Dialer
	Header http.Header
	// SendBuffer is the number of outbound frames that may wait for the writer.
	SendBuffer int
	// PingInterval between keepalive pings. Negative disables pings and read deadlines.
	PingInterval time.Duration
	// PongWait is how long the connection may stay silent before it is considered dead.
	PongWait     time.Duration
	WriteTimeout time.Duration
	// CloseTimeout is how long to wait for the peer to answer a close frame.
	CloseTimeout time.Duration
	ReadLimit    int64
	Logger       logrus.FieldLogger
}

// WebSocketDialer is the gorilla/websocket backed Dialer.
type WebSocketDialer struct {
	opts WebSocketOptions
}

func NewWebSocketDialer(opts WebSocketOptions) *WebSocketDialer {
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		opts.Dialer = &d
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &WebSocketDialer{opts: opts}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, h Handler) Conn {
	dialCtx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		opts:       d.opts,
		h:          h,
		logger:     d.opts.Logger.WithField("url", url),
		state:      StateConnecting,
		cancelDial: cancel,
		send:       make(chan string, d.opts.SendBuffer),
		closeReq:   make(chan closeFrame, 1),
		done:       make(chan struct{}),
	}
	go c.run(dialCtx, url)
	return c
}

type closeFrame struct {
	code   int
	reason string
}

type wsConn struct {
	opts   WebSocketOptions
	h      Handler
	logger logrus.FieldLogger

	mu         sync.Mutex
	state      State
	cancelDial context.CancelFunc

	send     chan string
	closeReq chan closeFrame
	done     chan struct{}
}

func (c *wsConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsConn) Send(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return &StateError{Op: "send", State: c.state}
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting:
		c.state = StateClosing
		c.cancelDial()
	case StateOpen:
		c.state = StateClosing
	default:
		return nil
	}
	c.closeReq <- closeFrame{code: code, reason: reason}
	return nil
}

func (c *wsConn) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosing
}

// run owns the connection: every Handler event is dispatched from here.
func (c *wsConn) run(ctx context.Context, url string) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, url, c.opts.Header)
	c.cancelDial()
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		c.mu.Lock()
		aborted := c.state == StateClosing
		c.state = StateClosed
		c.mu.Unlock()
		if !aborted {
			c.logger.Warnf("ws: dial failed: %v", err)
			c.h.OnError(err)
		}
		c.h.OnClose(CloseAbnormalClosure, "")
		return
	}

	c.mu.Lock()
	opened := c.state == StateConnecting
	if opened {
		c.state = StateOpen
	}
	c.mu.Unlock()

	go c.writePump(ws)
	if opened {
		c.logger.Debug("ws: connected")
		c.h.OnOpen()
	}

	code, reason := c.readLoop(ws)

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.done)
	_ = ws.Close()
	c.logger.Debugf("ws: closed code=%d reason=%q", code, reason)
	c.h.OnClose(code, reason)
}

func (c *wsConn) readLoop(ws *websocket.Conn) (int, string) {
	if c.opts.ReadLimit > 0 {
		ws.SetReadLimit(c.opts.ReadLimit)
	}
	if c.opts.PingInterval > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		ws.SetPongHandler(func(string) error {
			if c.closing() {
				return nil
			}
			return ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			if !c.closing() {
				c.logger.Warnf("ws: read error: %v", err)
				c.h.OnError(err)
			}
			return CloseAbnormalClosure, ""
		}
		c.h.OnMessage(string(data))
	}
}

func (c *wsConn) writePump(ws *websocket.Conn) {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(ws, payload); err != nil {
				c.logger.Warnf("ws: write error: %v", err)
				c.writerFailed(ws)
				return
			}
		case f := <-c.closeReq:
			c.drain(ws)
			msg := websocket.FormatCloseMessage(f.code, f.reason)
			if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Debugf("ws: write close: %v", err)
				c.writerFailed(ws)
				return
			}
			// Give the peer CloseTimeout to echo the close frame.
			_ = ws.SetReadDeadline(time.Now().Add(c.opts.CloseTimeout))
			return
		case <-tick:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Warnf("ws: ping failed: %v", err)
				c.writerFailed(ws)
				return
			}
		}
	}
}

// writerFailed stops further sends once nothing is left to write them, and drops the
// socket so the read loop reports the close.
func (c *wsConn) writerFailed(ws *websocket.Conn) {
	c.mu.Lock()
	if c.state == StateOpen {
		c.state = StateClosing
	}
	c.mu.Unlock()
	_ = ws.Close()
}

// drain writes whatever was queued before Close was called.
func (c *wsConn) drain(ws *websocket.Conn) {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(ws, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(ws *websocket.Conn, payload string) error {
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, []byte(payload))
}
