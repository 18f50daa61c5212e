package signaller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type closeEvent struct {
	code   int
	reason string
}

type recorder struct {
	signals chan string
	closes  chan closeEvent
}

func record(c *Client) *recorder {
	r := &recorder{
		signals: make(chan string, 16),
		closes:  make(chan closeEvent, 4),
	}
	c.OnSignal(func(payload string) { r.signals <- payload })
	c.OnClose(func(code int, reason string) { r.closes <- closeEvent{code, reason} })
	return r
}

func (r *recorder) nextSignal(t *testing.T) string {
	t.Helper()
	select {
	case s := <-r.signals:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for signal")
		return ""
	}
}

func (r *recorder) nextClose(t *testing.T) closeEvent {
	t.Helper()
	select {
	case ev := <-r.closes:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for close")
		return closeEvent{}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOptions() Options {
	return Options{Dialer: NewWebSocketDialer(WebSocketOptions{PingInterval: -1})}
}

func TestWebSocket_QueueFlushAndEcho(t *testing.T) {
	srv := echoServer(t)
	c := New(wsURL(srv), "room1", testOptions())
	r := record(c)

	require.NoError(t, c.Listen(context.Background()))
	require.NoError(t, c.Signal("hello"))
	require.NoError(t, c.Signal("world"))

	assert.Equal(t, "hello", r.nextSignal(t))
	assert.Equal(t, "world", r.nextSignal(t))
	assert.Equal(t, StateOpen, c.State())

	require.NoError(t, c.Signal("again"))
	assert.Equal(t, "again", r.nextSignal(t))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Signal("late"), ErrInvalidState)
	ev := r.nextClose(t)
	assert.Equal(t, CloseNormalClosure, ev.code)
	assert.Equal(t, StateClosed, c.State())
}

func TestWebSocket_RemoteCloseCodePassedThrough(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("peer-data"))
		msg := websocket.FormatCloseMessage(4001, "Pipe Timeout")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	c := New(wsURL(srv), "room1", testOptions())
	r := record(c)
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, "peer-data", r.nextSignal(t))
	assert.Equal(t, closeEvent{4001, "Pipe Timeout"}, r.nextClose(t))
	assert.ErrorIs(t, c.Signal("x"), ErrInvalidState)
}

func TestWebSocket_DialFailureClosesAbnormally(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c := New(wsURL(srv), "missing", testOptions())
	r := record(c)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Signal("never-sent"))

	assert.Equal(t, closeEvent{CloseAbnormalClosure, ""}, r.nextClose(t))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, c.Pending())
}

func TestWebSocket_CloseWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := New(wsURL(srv), "room1", testOptions())
	r := record(c)
	require.NoError(t, c.Listen(context.Background()))
	require.NoError(t, c.Close())

	err := c.Signal("x")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotEqual(t, StateOpen, c.State())
	assert.Equal(t, closeEvent{CloseAbnormalClosure, ""}, r.nextClose(t))
}

func TestWebSocket_SecondCloseIsNoop(t *testing.T) {
	srv := echoServer(t)
	c := New(wsURL(srv), "room1", testOptions())
	r := record(c)
	require.NoError(t, c.Listen(context.Background()))
	require.NoError(t, c.Signal("ready"))
	assert.Equal(t, "ready", r.nextSignal(t))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	r.nextClose(t)
	require.NoError(t, c.Close())

	select {
	case ev := <-r.closes:
		t.Fatalf("unexpected second close %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocket_WriterFailureStopsSends(t *testing.T) {
	srv := echoServer(t)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)

	d := NewWebSocketDialer(WebSocketOptions{PingInterval: -1})
	c := &wsConn{
		opts:     d.opts,
		logger:   d.opts.Logger,
		state:    StateOpen,
		send:     make(chan string, 4),
		closeReq: make(chan closeFrame, 1),
		done:     make(chan struct{}),
	}
	require.NoError(t, ws.UnderlyingConn().Close())
	require.NoError(t, c.Send("lost"))

	c.writePump(ws)

	assert.Equal(t, StateClosing, c.State())
	assert.ErrorIs(t, c.Send("after"), ErrInvalidState)
}
