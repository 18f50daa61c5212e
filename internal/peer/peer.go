// Package peer is a minimal WebRTC peer with a single data channel, negotiated through
// opaque signal payloads that can be carried by a signaller.Client.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"signaller/pkg/webrtc/protocol"
)

const defaultLabel = "signaller"

// ErrNotOpen is returned by Send before the data channel is open.
var ErrNotOpen = errors.New("data channel not open")

type Options struct {
	ICEServers []protocol.ICEServer
	// Initiator creates the data channel and the offer.
	Initiator bool
	Label     string
	// IncludeLoopback gathers loopback candidates, for peers on the same host.
	IncludeLoopback bool
	Logger          logrus.FieldLogger
}

// Peer wraps a PeerConnection. Callbacks must be bound before Start or HandleSignal.
type Peer struct {
	pc        *webrtc.PeerConnection
	initiator bool
	logger    logrus.FieldLogger

	mu                sync.Mutex
	dc                *webrtc.DataChannel
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	closed            bool

	onSignal  func(payload string)
	onOpen    func()
	onMessage func(msg string)
	onClose   func()
}

func New(opts Options) (*Peer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	label := opts.Label
	if label == "" {
		label = defaultLabel
	}

	cfg := webrtc.Configuration{}
	for _, s := range opts.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, server)
	}

	se := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:        pc,
		initiator: opts.Initiator,
		logger:    logger.WithField("initiator", opts.Initiator),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.logger.Errorf("peer: marshal candidate: %v", err)
			return
		}
		p.emit(protocol.Signal{Type: protocol.TypeCandidate, Candidate: data})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debugf("peer: connection state %s", s)
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			p.fireClose()
		}
	})

	if opts.Initiator {
		dc, err := pc.CreateDataChannel(label, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		p.bindChannel(dc)
	} else {
		pc.OnDataChannel(p.bindChannel)
	}
	return p, nil
}

// OnSignal binds the callback receiving payloads for the remote peer.
func (p *Peer) OnSignal(fn func(payload string)) {
	p.mu.Lock()
	p.onSignal = fn
	p.mu.Unlock()
}

// OnOpen binds the callback invoked once the data channel is open.
func (p *Peer) OnOpen(fn func()) {
	p.mu.Lock()
	p.onOpen = fn
	p.mu.Unlock()
}

func (p *Peer) OnMessage(fn func(msg string)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

func (p *Peer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// Start creates and emits the offer. It does nothing on the answering side.
func (p *Peer) Start() error {
	if !p.initiator {
		return nil
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.emit(protocol.Signal{Type: protocol.TypeOffer, SDP: offer.SDP})
	return nil
}

// HandleSignal applies a payload produced by the remote peer.
func (p *Peer) HandleSignal(payload string) error {
	s, err := protocol.DecodeSignal(payload)
	if err != nil {
		return err
	}

	switch s.Type {
	case protocol.TypeOffer:
		if err := p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		p.emit(protocol.Signal{Type: protocol.TypeAnswer, SDP: answer.SDP})
		return nil
	case protocol.TypeAnswer:
		return p.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP})
	default:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(s.Candidate, &c); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		p.mu.Lock()
		if !p.remoteSet {
			p.pendingCandidates = append(p.pendingCandidates, c)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return p.pc.AddICECandidate(c)
	}
}

// setRemote applies the remote description and then any candidates that arrived early.
func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
	}
	return nil
}

// Send writes a text message on the data channel.
func (p *Peer) Send(msg string) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotOpen
	}
	return dc.SendText(msg)
}

func (p *Peer) Close() error {
	return p.pc.Close()
}

func (p *Peer) bindChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.logger.Debugf("peer: data channel %q open", dc.Label())
		p.mu.Lock()
		fn := p.onOpen
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		fn := p.onMessage
		p.mu.Unlock()
		if fn != nil {
			fn(string(msg.Data))
		}
	})
	dc.OnClose(p.fireClose)
}

func (p *Peer) fireClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := p.onClose
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Peer) emit(s protocol.Signal) {
	payload, err := s.Encode()
	if err != nil {
		p.logger.Errorf("peer: encode %s: %v", s.Type, err)
		return
	}
	p.mu.Lock()
	fn := p.onSignal
	p.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}
