// Package adminjoin implements the admin-side decryption join (spec
// section 4.6, component C6): correlating a MessageEnvelope with its
// paired KeyEnvelope and, once both have arrived, decrypting the
// message. This is the cross-path correlation rule the dual-mesh design
// depends on.
package adminjoin

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshrelay/internal/crypto"
	"meshrelay/internal/log"
	"meshrelay/internal/model"
)

// DecryptedHandler observes a freshly joined and decrypted message.
type DecryptedHandler func(model.DecryptedMessage)

// Persister is the persistence seam the joiner depends on. store.Store
// satisfies it; tests can supply an in-memory fake.
type Persister interface {
	HasDecrypted(ctx context.Context, msgId string) (bool, error)
	SaveDecrypted(ctx context.Context, dm model.DecryptedMessage) error
}

type pendingEntry struct {
	message *model.MessageEnvelope
	key     *model.KeyEnvelope
}

// Joiner holds one admin node's in-flight message/key correlations.
// There is no timeout: if the message arrives before the key, the join
// waits indefinitely (spec section 4.6, "Ties and edge cases").
type Joiner struct {
	admin model.AdminKeyPair
	store Persister

	mu      sync.Mutex
	pending map[string]*pendingEntry

	handlers []DecryptedHandler
}

// New constructs a joiner for an admin node holding admin.
func New(admin model.AdminKeyPair, st Persister) *Joiner {
	return &Joiner{
		admin:   admin,
		store:   st,
		pending: make(map[string]*pendingEntry),
	}
}

// OnDecrypted registers an observer for emitted DecryptedMessages.
func (j *Joiner) OnDecrypted(h DecryptedHandler) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handlers = append(j.handlers, h)
}

// HandleMessage is registered as a relay.MessageHandler. It only acts on
// e2e-typed envelopes; broadcasts are ignored (spec section 4.6 step 2's
// type guard).
func (j *Joiner) HandleMessage(env model.MessageEnvelope) {
	if !env.IsE2E() {
		return
	}

	j.mu.Lock()
	entry := j.pending[env.MsgId]
	if entry == nil {
		entry = &pendingEntry{}
		j.pending[env.MsgId] = entry
	}
	envCopy := env
	entry.message = &envCopy
	ready := entry.message != nil && entry.key != nil
	j.mu.Unlock()

	if ready {
		j.attemptJoin(context.Background(), env.MsgId)
	}
}

// HandleKey is registered as a relay.KeyHandler.
func (j *Joiner) HandleKey(key model.KeyEnvelope) {
	if key.To != "admin" {
		return
	}

	j.mu.Lock()
	entry := j.pending[key.MsgId]
	if entry == nil {
		entry = &pendingEntry{}
		j.pending[key.MsgId] = entry
	}
	keyCopy := key
	entry.key = &keyCopy
	ready := entry.message != nil && entry.key != nil
	j.mu.Unlock()

	if ready {
		j.attemptJoin(context.Background(), key.MsgId)
	}
}

// attemptJoin decrypts msgId if both halves are present. Decrypt
// failures (tag mismatch, wrong admin) leave the entry pending under the
// assumption a later KeyEnvelope or log replay may correct it — the
// failure is logged but never surfaced to end users (spec section 4.6).
func (j *Joiner) attemptJoin(ctx context.Context, msgId string) {
	j.mu.Lock()
	entry, ok := j.pending[msgId]
	if !ok || entry.message == nil || entry.key == nil {
		j.mu.Unlock()
		return
	}
	env := *entry.message
	key := *entry.key
	j.mu.Unlock()

	already, err := j.store.HasDecrypted(ctx, msgId)
	if err != nil {
		log.Error("check decrypted idempotence failed", zap.Error(err))
		return
	}
	if already {
		j.forgetPending(msgId)
		return
	}

	plaintext, err := crypto.Open(j.admin.Private, key.WrappedKey, env.Payload)
	if err != nil {
		log.Warn("admin join decrypt failed, leaving pending",
			zap.String("msgId", msgId), zap.Error(err))
		return
	}

	dm := model.DecryptedMessage{
		MsgId:       msgId,
		Content:     string(plaintext),
		Timestamp:   env.Timestamp,
		From:        env.From,
		Meta:        env.Meta,
		MessagePath: env.Hops,
		KeyPath:     []model.HopRecord{{NodeId: model.NodeId(key.From), Timestamp: time.Now().UTC()}},
	}

	if err := j.store.SaveDecrypted(ctx, dm); err != nil {
		log.Error("persist decrypted message failed", zap.Error(err))
		return
	}

	j.forgetPending(msgId)

	j.mu.Lock()
	handlers := append([]DecryptedHandler(nil), j.handlers...)
	j.mu.Unlock()
	for _, h := range handlers {
		h(dm)
	}
}

func (j *Joiner) forgetPending(msgId string) {
	j.mu.Lock()
	delete(j.pending, msgId)
	j.mu.Unlock()
}

// PendingCount reports how many msgIds are awaiting their other half.
// Exposed for tests.
func (j *Joiner) PendingCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}
