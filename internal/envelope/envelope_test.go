package envelope

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshrelay/internal/model"
)

func TestNewBroadcastIsValid(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	self := model.NewNodeId()
	env := NewBroadcast(self, "hello mesh", nil)

	require.NoError(Validate(env))
	assert.Equal(model.TypeBroadcast, env.Type)
	assert.Equal("all", env.To)
	assert.Equal(self.PseudoId(), env.From)
	assert.Equal(model.DefaultTTL, env.Ttl)
	assert.Len(env.Hops, 1)
	assert.Equal(self, env.Hops[0].NodeId)
}

func TestNewE2EIsValid(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	self := model.NewNodeId()
	ciphertext := base64.StdEncoding.EncodeToString([]byte("sealed bytes"))
	env := NewE2E(self, ciphertext, map[string]string{model.MetaName: "field station"})

	require.NoError(Validate(env))
	assert.Equal(model.TypeE2E, env.Type)
	assert.Equal("admin", env.To)
	assert.Equal("field station", env.Meta[model.MetaName])
}

func TestAddHopDecrementsTtlAndPreservesOriginal(t *testing.T) {
	assert := assert.New(t)

	self := model.NewNodeId()
	forwarder := model.NewNodeId()
	env := NewBroadcast(self, "hi", nil)

	fwd := AddHop(env, forwarder)

	assert.Equal(model.DefaultTTL-1, fwd.Ttl)
	assert.Equal(model.DefaultTTL, env.Ttl) // original untouched
	assert.Len(fwd.Hops, 2)
	assert.Len(env.Hops, 1) // original untouched
	assert.Equal(forwarder, fwd.Hops[1].NodeId)
}

func TestValidateRejectsEmptyMsgId(t *testing.T) {
	assert := assert.New(t)

	env := NewBroadcast(model.NewNodeId(), "hi", nil)
	env.MsgId = ""
	assert.ErrorIs(Validate(env), model.ErrMalformedEnvelope)
}

func TestValidateRejectsEmptyHops(t *testing.T) {
	assert := assert.New(t)

	env := NewBroadcast(model.NewNodeId(), "hi", nil)
	env.Hops = nil
	assert.ErrorIs(Validate(env), model.ErrMalformedEnvelope)
}

func TestValidateRejectsNegativeTtl(t *testing.T) {
	assert := assert.New(t)

	env := NewBroadcast(model.NewNodeId(), "hi", nil)
	env.Ttl = -1
	assert.ErrorIs(Validate(env), model.ErrTtlExhausted)
}

func TestValidateRejectsBroadcastToAdmin(t *testing.T) {
	assert := assert.New(t)

	env := NewBroadcast(model.NewNodeId(), "hi", nil)
	env.To = "admin"
	assert.ErrorIs(Validate(env), model.ErrWrongTypeTarget)
}

func TestValidateRejectsE2EToAll(t *testing.T) {
	assert := assert.New(t)

	env := NewE2E(model.NewNodeId(), base64.StdEncoding.EncodeToString([]byte("x")), nil)
	env.To = "all"
	assert.ErrorIs(Validate(env), model.ErrWrongTypeTarget)
}

func TestValidateRejectsNonBase64E2EPayload(t *testing.T) {
	assert := assert.New(t)

	env := NewE2E(model.NewNodeId(), "not base64!!", nil)
	assert.ErrorIs(Validate(env), model.ErrBadPayloadEncoding)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	assert := assert.New(t)

	env := NewBroadcast(model.NewNodeId(), "hi", nil)
	env.Type = "carrier-pigeon"
	assert.ErrorIs(Validate(env), model.ErrMalformedEnvelope)
}

func TestNewKeyEnvIsValid(t *testing.T) {
	assert := assert.New(t)

	key := NewKeyEnv("msg1", "user_abcdef01", base64.StdEncoding.EncodeToString([]byte("wrapped")), "x25519-kem+xsalsa20poly1305")
	assert.NoError(ValidateKey(key))
	assert.Equal("admin", key.To)
}

func TestValidateKeyRejectsNonAdminTarget(t *testing.T) {
	assert := assert.New(t)

	key := NewKeyEnv("msg1", "user_abcdef01", base64.StdEncoding.EncodeToString([]byte("wrapped")), "x25519-kem+xsalsa20poly1305")
	key.To = "all"
	assert.ErrorIs(ValidateKey(key), model.ErrWrongTypeTarget)
}

func TestValidateKeyRejectsNonBase64WrappedKey(t *testing.T) {
	assert := assert.New(t)

	key := NewKeyEnv("msg1", "user_abcdef01", "not base64!!", "x25519-kem+xsalsa20poly1305")
	assert.ErrorIs(ValidateKey(key), model.ErrBadPayloadEncoding)
}
