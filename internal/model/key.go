package model

import "time"

// KeyEnvelope is the unit on the key path: the companion to an e2e
// MessageEnvelope, carrying the session key wrapped to the admin's
// public key. It has no ttl and no hop list — see spec section 3,
// invariant 6.
type KeyEnvelope struct {
	MsgId      string `json:"msgId" bson:"msgId"`
	From       string `json:"from" bson:"from"`
	To         string `json:"to" bson:"to"`
	WrappedKey string `json:"wrappedKey" bson:"wrappedKey"`
	Algorithm  string `json:"algorithm" bson:"algorithm"`
}

// AdminKeyPair is an X25519 keypair; the private half is only ever held
// on admin nodes.
type AdminKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// DecryptedMessage is produced at an admin node only, once both halves
// of a dual-mesh e2e message have arrived and been joined.
type DecryptedMessage struct {
	MsgId       string            `json:"msgId" bson:"msgId"`
	Content     string            `json:"content" bson:"content"`
	Timestamp   time.Time         `json:"timestamp" bson:"timestamp"`
	From        string            `json:"from" bson:"from"`
	Meta        map[string]string `json:"meta,omitempty" bson:"meta,omitempty"`
	MessagePath []HopRecord       `json:"messagePath" bson:"messagePath"`
	KeyPath     []HopRecord       `json:"keyPath" bson:"keyPath"`
}
