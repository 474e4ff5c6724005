package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshrelay/internal/model"
)

func TestMessageFrameRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := model.MessageEnvelope{
		MsgId: "m1",
		Type:  model.TypeBroadcast,
		From:  "user_deadbeef",
		To:    "all",
		Ttl:   8,
		Hops:  []model.HopRecord{{NodeId: "n1"}},
	}
	f, err := MessageFrame(env)
	require.NoError(err)
	assert.Equal(FrameMeshMessage, f.Type)
	assert.False(f.IsKey())

	raw, err := json.Marshal(f)
	require.NoError(err)

	var decoded Frame
	require.NoError(json.Unmarshal(raw, &decoded))
	assert.False(decoded.IsKey())

	got, err := decoded.DecodeMessage()
	require.NoError(err)
	assert.Equal(env.MsgId, got.MsgId)
	assert.Equal(env.From, got.From)
}

func TestKeyFrameRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	key := model.KeyEnvelope{MsgId: "m1", From: "user_deadbeef", To: "admin", WrappedKey: "d2VkZ2Vk", Algorithm: "x25519-kem+xsalsa20poly1305"}
	f, err := KeyFrame(key)
	require.NoError(err)
	assert.Equal(FrameMeshMessage, f.Type)
	assert.True(f.IsKey())

	raw, err := json.Marshal(f)
	require.NoError(err)

	var decoded Frame
	require.NoError(json.Unmarshal(raw, &decoded))
	assert.True(decoded.IsKey())

	got, err := decoded.DecodeKey()
	require.NoError(err)
	assert.Equal(key.MsgId, got.MsgId)
	assert.Equal(key.WrappedKey, got.WrappedKey)
}

func TestDecodeMessageRejectsMalformedJSON(t *testing.T) {
	require := require.New(t)

	f := Frame{Envelope: json.RawMessage(`{not json`)}
	_, err := f.DecodeMessage()
	require.ErrorIs(err, model.ErrMalformedEnvelope)
}

func TestRegisterFrame(t *testing.T) {
	assert := assert.New(t)

	f := RegisterFrame(model.NodeId("abc123"))
	assert.Equal(FrameRegister, f.Type)
	assert.Equal("abc123", f.PeerId)
}
