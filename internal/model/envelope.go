package model

import "time"

// EnvelopeType distinguishes public broadcasts from admin-only e2e messages.
type EnvelopeType string

const (
	TypeBroadcast EnvelopeType = "broadcast"
	TypeE2E       EnvelopeType = "e2e"

	// DefaultTTL is the initial hop budget assigned by
	// envelope.NewBroadcast/NewE2E.
	DefaultTTL = 8

	targetAll   = "all"
	targetAdmin = "admin"
)

// Recognised meta keys (spec section 3). Operators may see these; they are
// never secret.
const (
	MetaName     = "name"
	MetaLocation = "location"
	MetaContact  = "contact"
	MetaImageRef = "imageRef"
)

// HopRecord witnesses one forwarder along an envelope's path.
type HopRecord struct {
	NodeId    NodeId    `json:"nodeId" bson:"nodeId"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// MessageEnvelope is the unit that travels on the message path.
type MessageEnvelope struct {
	MsgId     string            `json:"msgId" bson:"msgId"`
	Type      EnvelopeType      `json:"type" bson:"type"`
	From      string            `json:"from" bson:"from"`
	To        string            `json:"to" bson:"to"`
	Timestamp time.Time         `json:"timestamp" bson:"timestamp"`
	Ttl       int               `json:"ttl" bson:"ttl"`
	Hops      []HopRecord       `json:"hops" bson:"hops"`
	Payload   string            `json:"payload" bson:"payload"`
	Meta      map[string]string `json:"meta,omitempty" bson:"meta,omitempty"`
}

// Clone returns a deep copy so callers can mutate the copy (e.g. addHop)
// without aliasing the caller's hop slice or meta map.
func (e MessageEnvelope) Clone() MessageEnvelope {
	cp := e
	cp.Hops = append([]HopRecord(nil), e.Hops...)
	if e.Meta != nil {
		cp.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			cp.Meta[k] = v
		}
	}
	return cp
}

// IsBroadcast reports whether this envelope is a public broadcast.
func (e MessageEnvelope) IsBroadcast() bool { return e.Type == TypeBroadcast }

// IsE2E reports whether this envelope is an admin-only encrypted message.
func (e MessageEnvelope) IsE2E() bool { return e.Type == TypeE2E }
