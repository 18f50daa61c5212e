package protocol

import (
	"encoding/json"
	"fmt"
)

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICESettings is what the relay advertises on its settings endpoint.
type ICESettings struct {
	Mode       string      `json:"mode"`
	ICEServers []ICEServer `json:"iceServers"`
}

// Signal kinds carried inside relay payloads.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Signal is the envelope peers serialize into the opaque relay payloads.
type Signal struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Encode serializes s into a relay payload.
func (s Signal) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeSignal parses a relay payload produced by Encode.
func DecodeSignal(payload string) (Signal, error) {
	var s Signal
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	switch s.Type {
	case TypeOffer, TypeAnswer:
		if s.SDP == "" {
			return Signal{}, fmt.Errorf("decode signal: %s without sdp", s.Type)
		}
	case TypeCandidate:
		if len(s.Candidate) == 0 {
			return Signal{}, fmt.Errorf("decode signal: candidate without body")
		}
	default:
		return Signal{}, fmt.Errorf("decode signal: unknown type %q", s.Type)
	}
	return s, nil
}
