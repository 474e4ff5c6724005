package adminjoin

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshrelay/internal/crypto"
	"meshrelay/internal/envelope"
	"meshrelay/internal/model"
)

// fakePersister is an in-memory stand-in for store.Store, tracking only
// what the joiner needs.
type fakePersister struct {
	mu        sync.Mutex
	decrypted map[string]model.DecryptedMessage
}

func newFakePersister() *fakePersister {
	return &fakePersister{decrypted: make(map[string]model.DecryptedMessage)}
}

func (p *fakePersister) HasDecrypted(ctx context.Context, msgId string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.decrypted[msgId]
	return ok, nil
}

func (p *fakePersister) SaveDecrypted(ctx context.Context, dm model.DecryptedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decrypted[dm.MsgId] = dm
	return nil
}

func sealedPair(t *testing.T, admin model.AdminKeyPair, from, plaintext string) (model.MessageEnvelope, model.KeyEnvelope) {
	t.Helper()
	sealed, err := crypto.Seal(admin.Public, []byte(plaintext))
	require.NoError(t, err)

	env := envelope.NewE2E(model.NodeId(from), sealed.Payload, nil)
	key := envelope.NewKeyEnv(env.MsgId, from, sealed.WrappedKey, crypto.Algorithm)
	return env, key
}

func TestJoinerDecryptsOnceBothHalvesArrive(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	admin, err := crypto.NewAdminKeyPair()
	require.NoError(err)
	st := newFakePersister()
	j := New(admin, st)

	var decrypted []model.DecryptedMessage
	j.OnDecrypted(func(dm model.DecryptedMessage) { decrypted = append(decrypted, dm) })

	env, key := sealedPair(t, admin, "sender-node", "meet at dawn")
	j.HandleMessage(env)
	assert.Equal(1, j.PendingCount())

	j.HandleKey(key)

	require.Len(decrypted, 1)
	assert.Equal("meet at dawn", decrypted[0].Content)
	assert.Equal(0, j.PendingCount())

	ok, err := st.HasDecrypted(context.Background(), env.MsgId)
	require.NoError(err)
	assert.True(ok)
}

func TestJoinerHandlesKeyBeforeMessage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	admin, err := crypto.NewAdminKeyPair()
	require.NoError(err)
	st := newFakePersister()
	j := New(admin, st)

	var decrypted []model.DecryptedMessage
	j.OnDecrypted(func(dm model.DecryptedMessage) { decrypted = append(decrypted, dm) })

	env, key := sealedPair(t, admin, "sender-node", "out of order")
	j.HandleKey(key)
	assert.Equal(1, j.PendingCount())

	j.HandleMessage(env)

	require.Len(decrypted, 1)
	assert.Equal("out of order", decrypted[0].Content)
}

func TestJoinerIgnoresBroadcastEnvelopes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	admin, err := crypto.NewAdminKeyPair()
	require.NoError(err)
	j := New(admin, newFakePersister())

	env := envelope.NewBroadcast(model.NewNodeId(), "public chatter", nil)
	j.HandleMessage(env)

	assert.Equal(0, j.PendingCount())
}

func TestJoinerIgnoresKeysNotAddressedToAdmin(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	admin, err := crypto.NewAdminKeyPair()
	require.NoError(err)
	j := New(admin, newFakePersister())

	key := envelope.NewKeyEnv(model.NewMsgId(), "sender", base64.StdEncoding.EncodeToString([]byte("x")), crypto.Algorithm)
	key.To = "all"
	j.HandleKey(key)

	assert.Equal(0, j.PendingCount())
}

func TestJoinerLeavesEntryPendingOnDecryptFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	admin, err := crypto.NewAdminKeyPair()
	require.NoError(err)
	impostor, err := crypto.NewAdminKeyPair()
	require.NoError(err)

	st := newFakePersister()
	j := New(admin, st)
	var decrypted []model.DecryptedMessage
	j.OnDecrypted(func(dm model.DecryptedMessage) { decrypted = append(decrypted, dm) })

	// Sealed to the impostor's public key: this admin cannot open it.
	env, key := sealedPair(t, impostor, "sender-node", "not for you")
	j.HandleMessage(env)
	j.HandleKey(key)

	assert.Empty(decrypted)
	assert.Equal(1, j.PendingCount())
}

func TestJoinerIsIdempotentAgainstReplay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	admin, err := crypto.NewAdminKeyPair()
	require.NoError(err)
	st := newFakePersister()
	j := New(admin, st)

	var decrypted []model.DecryptedMessage
	j.OnDecrypted(func(dm model.DecryptedMessage) { decrypted = append(decrypted, dm) })

	env, key := sealedPair(t, admin, "sender-node", "once only")
	j.HandleMessage(env)
	j.HandleKey(key)
	require.Len(decrypted, 1)

	// Replaying the same pair (e.g. from a log rebuild) must not emit a
	// second DecryptedMessage.
	j.HandleMessage(env)
	j.HandleKey(key)
	assert.Len(decrypted, 1)
}
