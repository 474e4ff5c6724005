// Package wire defines the JSON frames exchanged between a hub and its
// peers (spec section 6.1). The hub never parses envelope contents past
// this envelope-agnostic frame shell — a newer node can extend the
// envelope without upgrading the hub.
package wire

import (
	"encoding/json"
	"fmt"

	"meshrelay/internal/model"
)

// FrameType is the discriminant carried by every frame.
type FrameType string

const (
	FrameRegister         FrameType = "register"
	FrameMeshMessage      FrameType = "mesh_message"
	FramePeerList         FrameType = "peer_list"
	FramePeerConnected    FrameType = "peer_connected"
	FramePeerDisconnected FrameType = "peer_disconnected"
)

// EnvelopeKind distinguishes a KeyEnvelope from a MessageEnvelope when the
// envelope's own JSON lacks a "type" field to tell them apart.
type EnvelopeKind string

const (
	EnvelopeKindMessage EnvelopeKind = ""
	EnvelopeKindKey     EnvelopeKind = "key"
)

// Frame is the on-wire shape. Envelope is left as raw JSON so the hub
// never has to know the envelope schema; only peers decode it further.
type Frame struct {
	Type         FrameType       `json:"type"`
	PeerId       string          `json:"peerId,omitempty"`
	Peers        []string        `json:"peers,omitempty"`
	Envelope     json.RawMessage `json:"envelope,omitempty"`
	FromPeer     string          `json:"fromPeer,omitempty"`
	EnvelopeType EnvelopeKind    `json:"envelopeType,omitempty"`
}

// RegisterFrame builds the peer -> hub registration frame.
func RegisterFrame(peerId model.NodeId) Frame {
	return Frame{Type: FrameRegister, PeerId: string(peerId)}
}

// MessageFrame wraps a MessageEnvelope for transmission.
func MessageFrame(env model.MessageEnvelope) (Frame, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal message envelope: %w", err)
	}
	return Frame{Type: FrameMeshMessage, Envelope: raw, EnvelopeType: EnvelopeKindMessage}, nil
}

// KeyFrame wraps a KeyEnvelope for transmission.
func KeyFrame(key model.KeyEnvelope) (Frame, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal key envelope: %w", err)
	}
	return Frame{Type: FrameMeshMessage, Envelope: raw, EnvelopeType: EnvelopeKindKey}, nil
}

// DecodeMessage parses f.Envelope as a MessageEnvelope.
func (f Frame) DecodeMessage() (model.MessageEnvelope, error) {
	var env model.MessageEnvelope
	if err := json.Unmarshal(f.Envelope, &env); err != nil {
		return model.MessageEnvelope{}, fmt.Errorf("decode message envelope: %w: %v", model.ErrMalformedEnvelope, err)
	}
	return env, nil
}

// DecodeKey parses f.Envelope as a KeyEnvelope.
func (f Frame) DecodeKey() (model.KeyEnvelope, error) {
	var key model.KeyEnvelope
	if err := json.Unmarshal(f.Envelope, &key); err != nil {
		return model.KeyEnvelope{}, fmt.Errorf("decode key envelope: %w: %v", model.ErrMalformedEnvelope, err)
	}
	return key, nil
}

// IsKey reports whether this mesh_message frame carries a KeyEnvelope.
func (f Frame) IsKey() bool { return f.EnvelopeType == EnvelopeKindKey }
