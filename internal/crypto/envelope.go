// Package crypto builds and parses the dual-mesh crypto envelope: a
// session-key-sealed payload on the message path, and that session key
// wrapped to the admin's public key on the key path (spec section 4.5).
//
// The advisory algorithm tag from the distilled spec
// ("x25519+aes-256-gcm") is not what is actually used here — see
// SPEC_FULL.md's Open Question 4 resolution. This package uses
// golang.org/x/crypto/nacl/box for the KEM half and
// golang.org/x/crypto/nacl/secretbox for the payload seal, both
// XSalsa20-Poly1305 constructions, and advertises that honestly via
// Algorithm.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"meshrelay/internal/model"
)

// Algorithm identifies the KEM+AEAD pair this package implements.
const Algorithm = "x25519-kem+xsalsa20poly1305"

const (
	sessionKeySize = 32
	secretNonceLen = 24
	boxNonceLen    = 24
	boxPubLen      = 32
)

// NewAdminKeyPair generates a fresh X25519 keypair for a node that will
// act as administrator.
func NewAdminKeyPair() (model.AdminKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return model.AdminKeyPair{}, fmt.Errorf("generate admin keypair: %w: %v", model.ErrCryptoFailure, err)
	}
	return model.AdminKeyPair{Public: *pub, Private: *priv}, nil
}

// Sealed holds the two halves of one dual-mesh e2e message before they
// are wrapped into wire envelopes.
type Sealed struct {
	// Payload is base64(nonceM || ciphertext), destined for the
	// MessageEnvelope.
	Payload string
	// WrappedKey is base64(ephemeralPub || nonceK || wrapped), destined
	// for the KeyEnvelope.
	WrappedKey string
}

// Seal encrypts plaintext under a fresh session key, then wraps that
// session key to the admin public key admPub via an ephemeral X25519
// KEM. Every failure, including a failing random source, wraps
// ErrCryptoFailure.
func Seal(admPub [32]byte, plaintext []byte) (Sealed, error) {
	var sessionKey [sessionKeySize]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		return Sealed{}, fmt.Errorf("session key: %w: %v", model.ErrCryptoFailure, err)
	}

	var nonceM [secretNonceLen]byte
	if _, err := rand.Read(nonceM[:]); err != nil {
		return Sealed{}, fmt.Errorf("message nonce: %w: %v", model.ErrCryptoFailure, err)
	}
	sealed := secretbox.Seal(nil, plaintext, &nonceM, &sessionKey)
	payload := append(append([]byte{}, nonceM[:]...), sealed...)

	ePub, ePriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Sealed{}, fmt.Errorf("ephemeral keypair: %w: %v", model.ErrCryptoFailure, err)
	}
	var nonceK [boxNonceLen]byte
	if _, err := rand.Read(nonceK[:]); err != nil {
		return Sealed{}, fmt.Errorf("key nonce: %w: %v", model.ErrCryptoFailure, err)
	}
	wrapped := box.Seal(nil, sessionKey[:], &nonceK, &admPub, ePriv)
	wrappedKey := append(append(append([]byte{}, ePub[:]...), nonceK[:]...), wrapped...)

	return Sealed{
		Payload:    base64.StdEncoding.EncodeToString(payload),
		WrappedKey: base64.StdEncoding.EncodeToString(wrappedKey),
	}, nil
}

// Open reverses Seal given the admin's private key. It parses length
// prefixes strictly: any mismatch against the algorithm's declared nonce
// and public-key sizes is a malformed-envelope failure, not a crypto
// failure, per spec section 4.5's "Validation on parse".
func Open(admPriv [32]byte, wrappedKeyB64, payloadB64 string) ([]byte, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(wrappedKeyB64)
	if err != nil {
		return nil, fmt.Errorf("wrappedKey not base64: %w", model.ErrBadPayloadEncoding)
	}
	if len(wrappedKey) < boxPubLen+boxNonceLen {
		return nil, fmt.Errorf("wrappedKey too short: %w", model.ErrMalformedEnvelope)
	}
	var ePub [boxPubLen]byte
	copy(ePub[:], wrappedKey[:boxPubLen])
	var nonceK [boxNonceLen]byte
	copy(nonceK[:], wrappedKey[boxPubLen:boxPubLen+boxNonceLen])
	wrapped := wrappedKey[boxPubLen+boxNonceLen:]

	sessionKeyBytes, ok := box.Open(nil, wrapped, &nonceK, &ePub, &admPriv)
	if !ok || len(sessionKeyBytes) != sessionKeySize {
		return nil, fmt.Errorf("open wrapped key: %w", model.ErrCryptoFailure)
	}
	var sessionKey [sessionKeySize]byte
	copy(sessionKey[:], sessionKeyBytes)

	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("payload not base64: %w", model.ErrBadPayloadEncoding)
	}
	if len(payload) < secretNonceLen {
		return nil, fmt.Errorf("payload too short: %w", model.ErrMalformedEnvelope)
	}
	var nonceM [secretNonceLen]byte
	copy(nonceM[:], payload[:secretNonceLen])
	ct := payload[secretNonceLen:]

	plaintext, ok := secretbox.Open(nil, ct, &nonceM, &sessionKey)
	if !ok {
		return nil, fmt.Errorf("open message: %w", model.ErrCryptoFailure)
	}
	return plaintext, nil
}
