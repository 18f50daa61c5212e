package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wire delivers every signal from one peer to the other, in order, off the pion callback.
func wire(t *testing.T, from, to *Peer) {
	ch := make(chan string, 64)
	done := make(chan struct{})
	from.OnSignal(func(payload string) {
		select {
		case ch <- payload:
		case <-done:
		}
	})
	go func() {
		for {
			select {
			case payload := <-ch:
				// Late candidates after close fail harmlessly.
				_ = to.HandleSignal(payload)
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(done) })
}

func TestPeer_Negotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}

	offerer, err := New(Options{Initiator: true, IncludeLoopback: true})
	require.NoError(t, err)
	answerer, err := New(Options{IncludeLoopback: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = offerer.Close()
		_ = answerer.Close()
	})

	opened := make(chan struct{}, 2)
	received := make(chan string, 1)
	offerer.OnOpen(func() { opened <- struct{}{} })
	answerer.OnOpen(func() { opened <- struct{}{} })
	answerer.OnMessage(func(msg string) { received <- msg })

	wire(t, offerer, answerer)
	wire(t, answerer, offerer)

	require.NoError(t, offerer.Start())

	for i := 0; i < 2; i++ {
		select {
		case <-opened:
		case <-time.After(15 * time.Second):
			t.Fatal("data channel did not open")
		}
	}

	require.NoError(t, offerer.Send("hello over p2p"))
	select {
	case msg := <-received:
		assert.Equal(t, "hello over p2p", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestPeer_HandleSignalRejectsGarbage(t *testing.T) {
	p, err := New(Options{})
	require.NoError(t, err)
	defer p.Close()

	assert.Error(t, p.HandleSignal("not json"))
	assert.Error(t, p.HandleSignal(`{"type":"candidate","candidate":"nope"}`))
}

func TestPeer_CandidatesWaitForRemoteDescription(t *testing.T) {
	p, err := New(Options{})
	require.NoError(t, err)
	defer p.Close()

	err = p.HandleSignal(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host","sdpMid":"0"}}`)
	require.NoError(t, err)
	p.mu.Lock()
	assert.Len(t, p.pendingCandidates, 1)
	p.mu.Unlock()
}

func TestPeer_SendBeforeOpen(t *testing.T) {
	p, err := New(Options{Initiator: true})
	require.NoError(t, err)
	defer p.Close()
	assert.ErrorIs(t, p.Send("early"), ErrNotOpen)
}

func TestPeer_StartOnAnswererIsNoop(t *testing.T) {
	p, err := New(Options{})
	require.NoError(t, err)
	defer p.Close()

	emitted := false
	p.OnSignal(func(string) { emitted = true })
	require.NoError(t, p.Start())
	assert.False(t, emitted)
}
