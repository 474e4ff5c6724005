// Package envelope builds and validates the two wire units of the mesh
// protocol: MessageEnvelope and KeyEnvelope (spec section 4.1).
package envelope

import (
	"encoding/base64"
	"fmt"
	"time"

	"meshrelay/internal/model"
)

// NewBroadcast builds a fresh public broadcast envelope from self, with
// a one-entry hop list and the default TTL.
func NewBroadcast(self model.NodeId, content string, meta map[string]string) model.MessageEnvelope {
	now := time.Now().UTC()
	return model.MessageEnvelope{
		MsgId:     model.NewMsgId(),
		Type:      model.TypeBroadcast,
		From:      self.PseudoId(),
		To:        "all",
		Timestamp: now,
		Ttl:       model.DefaultTTL,
		Hops:      []model.HopRecord{{NodeId: self, Timestamp: now}},
		Payload:   content,
		Meta:      meta,
	}
}

// NewE2E builds a fresh admin-only envelope. ciphertextPayload is
// base64(nonce || ciphertext) as produced by internal/crypto.
func NewE2E(self model.NodeId, ciphertextPayload string, meta map[string]string) model.MessageEnvelope {
	now := time.Now().UTC()
	return model.MessageEnvelope{
		MsgId:     model.NewMsgId(),
		Type:      model.TypeE2E,
		From:      self.PseudoId(),
		To:        "admin",
		Timestamp: now,
		Ttl:       model.DefaultTTL,
		Hops:      []model.HopRecord{{NodeId: self, Timestamp: now}},
		Payload:   ciphertextPayload,
		Meta:      meta,
	}
}

// NewKeyEnv wraps a session key envelope for the given msgId.
func NewKeyEnv(msgId, from, wrappedKey, algorithm string) model.KeyEnvelope {
	return model.KeyEnvelope{
		MsgId:      msgId,
		From:       from,
		To:         "admin",
		WrappedKey: wrappedKey,
		Algorithm:  algorithm,
	}
}

// AddHop returns a copy of env with one more hop appended and ttl
// decremented by one. It does not check whether ttl is already zero —
// callers must check before forwarding (spec section 4.3, handleMessageEnv
// step 5).
func AddHop(env model.MessageEnvelope, forwarder model.NodeId) model.MessageEnvelope {
	cp := env.Clone()
	cp.Hops = append(cp.Hops, model.HopRecord{NodeId: forwarder, Timestamp: time.Now().UTC()})
	cp.Ttl--
	return cp
}

// Validate rejects envelopes violating any invariant from spec section 3,
// returning the specific error kind per cause.
func Validate(env model.MessageEnvelope) error {
	if env.MsgId == "" {
		return fmt.Errorf("empty msgId: %w", model.ErrMalformedEnvelope)
	}
	if len(env.Hops) < 1 {
		return fmt.Errorf("hops must have at least one entry: %w", model.ErrMalformedEnvelope)
	}
	if env.Ttl < 0 {
		return fmt.Errorf("ttl below zero: %w", model.ErrTtlExhausted)
	}

	switch env.Type {
	case model.TypeBroadcast:
		if env.To != "all" {
			return fmt.Errorf("broadcast must target all: %w", model.ErrWrongTypeTarget)
		}
	case model.TypeE2E:
		if env.To != "admin" {
			return fmt.Errorf("e2e must target admin: %w", model.ErrWrongTypeTarget)
		}
		if _, err := base64.StdEncoding.DecodeString(env.Payload); err != nil {
			return fmt.Errorf("e2e payload must be base64: %w: %v", model.ErrBadPayloadEncoding, err)
		}
	default:
		return fmt.Errorf("unknown envelope type %q: %w", env.Type, model.ErrMalformedEnvelope)
	}

	return nil
}

// ValidateKey rejects KeyEnvelopes violating their invariants.
func ValidateKey(key model.KeyEnvelope) error {
	if key.MsgId == "" {
		return fmt.Errorf("empty msgId: %w", model.ErrMalformedEnvelope)
	}
	if key.To != "admin" {
		return fmt.Errorf("key envelope must target admin: %w", model.ErrWrongTypeTarget)
	}
	if _, err := base64.StdEncoding.DecodeString(key.WrappedKey); err != nil {
		return fmt.Errorf("wrappedKey must be base64: %w: %v", model.ErrBadPayloadEncoding, err)
	}
	return nil
}
