package model

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NodeId is 128 random bits, lower-case hex. Stable per device install.
type NodeId string

// NewNodeId generates a fresh 128-bit node identity.
func NewNodeId() NodeId {
	return NodeId(hexUUID())
}

// PseudoId derives the short, human-displayable sender tag from a node's id.
func (n NodeId) PseudoId() string {
	s := string(n)
	if len(s) < 8 {
		return "user_" + s
	}
	return "user_" + s[:8]
}

func hexUUID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// NewMsgId generates a fresh 128-bit message identifier.
func NewMsgId() string {
	return hexUUID()
}
