// Package relay implements the per-node state machine: the mesh
// participant that receives, dedupes, persists, hands envelopes to its
// application, and forwards them (spec section 4.3, component C3).
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshrelay/internal/dedupe"
	"meshrelay/internal/envelope"
	"meshrelay/internal/log"
	"meshrelay/internal/model"
	"meshrelay/internal/wire"
)

// MessageHandler observes a MessageEnvelope after it has been persisted.
// Handlers run on the relay's single-threaded execution context; they
// must not block (spec section 5).
type MessageHandler func(model.MessageEnvelope)

// KeyHandler observes a KeyEnvelope after it has been persisted.
type KeyHandler func(model.KeyEnvelope)

// PeerHandler observes a peer discovery or loss event.
type PeerHandler func(peerId string)

// Deduper is the deduplication seam the relay depends on. dedupe.Store
// satisfies it; tests can supply an in-memory fake.
type Deduper interface {
	Seen(ctx context.Context, msgId string, kind dedupe.Kind) (bool, error)
	Mark(ctx context.Context, msgId string, kind dedupe.Kind) error
}

// Persister is the persistence seam the relay depends on. store.Store
// satisfies it; tests can supply an in-memory fake.
type Persister interface {
	SaveMessage(ctx context.Context, env model.MessageEnvelope) error
	SaveKey(ctx context.Context, key model.KeyEnvelope) error
	RecentMessageIds(ctx context.Context, limit int64) ([]string, error)
	RecentKeyIds(ctx context.Context, limit int64) ([]string, error)
}

// Relay is a single mesh participant.
type Relay struct {
	self   model.NodeId
	hubURL string

	dedupe Deduper
	store  Persister

	// mu serialises everything the spec requires to be totally ordered:
	// dedupe check+mark, persistence, handler dispatch, and forwarding.
	// This is the "single-threaded cooperative context" of spec section 5
	// implemented as a critical section rather than a dedicated goroutine
	// with a channel — functionally equivalent, and simpler to reason
	// about across Broadcast/BroadcastKey and inbound frame handling.
	mu sync.Mutex

	msgHandlers []MessageHandler
	keyHandlers []KeyHandler

	onPeerDiscovered PeerHandler
	onPeerLost       PeerHandler

	client *hubClient
}

// Config configures a new node relay.
type Config struct {
	Self   model.NodeId
	HubURL string
	Dedupe Deduper
	Store  Persister
}

// New constructs a node relay. Call Start to open the hub connection.
func New(cfg Config) *Relay {
	r := &Relay{
		self:   cfg.Self,
		hubURL: cfg.HubURL,
		dedupe: cfg.Dedupe,
		store:  cfg.Store,
	}
	r.client = newHubClient(r)
	return r
}

// NodeId returns this relay's identity.
func (r *Relay) NodeId() model.NodeId { return r.self }

// Peers returns the last peer-list snapshot.
func (r *Relay) Peers() []string { return r.client.peers() }

// OnMessage registers a MessageEnvelope observer.
func (r *Relay) OnMessage(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgHandlers = append(r.msgHandlers, h)
}

// OnKey registers a KeyEnvelope observer.
func (r *Relay) OnKey(h KeyHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyHandlers = append(r.keyHandlers, h)
}

// OnPeerDiscovered registers a peer-discovered observer (fires for
// peer_list and peer_connected frames).
func (r *Relay) OnPeerDiscovered(h PeerHandler) { r.onPeerDiscovered = h }

// OnPeerLost registers a peer-lost observer (fires for peer_disconnected
// frames and for hub connection loss).
func (r *Relay) OnPeerLost(h PeerHandler) { r.onPeerLost = h }

// Start opens the hub connection and begins processing inbound frames.
func (r *Relay) Start(ctx context.Context) {
	r.client.start(ctx)
}

// Close closes the hub connection cleanly and releases handler
// subscriptions. Already-logged envelopes are not discarded (spec
// section 5, "Cancellation"). Broadcast and BroadcastKey are not refused
// after Close: they still persist the envelope, and then fail with
// ErrNotConnected at the hub write.
func (r *Relay) Close() {
	r.client.close()
	r.mu.Lock()
	r.msgHandlers = nil
	r.keyHandlers = nil
	r.mu.Unlock()
}

// Broadcast persists env locally, fires local handlers, then emits it to
// the hub. Returns after the hub write is accepted (spec section 4.3).
func (r *Relay) Broadcast(ctx context.Context, env model.MessageEnvelope) error {
	if err := envelope.Validate(env); err != nil {
		return err
	}

	r.mu.Lock()
	if err := r.store.SaveMessage(ctx, env); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.dedupe.Mark(ctx, env.MsgId, dedupe.KindMessage); err != nil {
		log.Warn("dedupe mark failed for own broadcast", zap.Error(err))
	}
	r.dispatchMessage(env)
	r.mu.Unlock()

	f, err := wire.MessageFrame(env)
	if err != nil {
		return err
	}
	return r.client.send(f)
}

// BroadcastKey persists key locally, fires key handlers, then emits it
// to the hub once. KeyEnvelopes are never forwarded past this single
// emission (spec section 4.3, step 5 of handleKeyEnv).
func (r *Relay) BroadcastKey(ctx context.Context, key model.KeyEnvelope) error {
	if err := envelope.ValidateKey(key); err != nil {
		return err
	}

	r.mu.Lock()
	if err := r.store.SaveKey(ctx, key); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.dedupe.Mark(ctx, key.MsgId, dedupe.KindKey); err != nil {
		log.Warn("dedupe mark failed for own key", zap.Error(err))
	}
	r.dispatchKey(key)
	r.mu.Unlock()

	f, err := wire.KeyFrame(key)
	if err != nil {
		return err
	}
	return r.client.send(f)
}

// handleInboundFrame is invoked by the hub client's reader for every
// frame arriving from the hub.
func (r *Relay) handleInboundFrame(ctx context.Context, f wire.Frame) {
	switch f.Type {
	case wire.FramePeerList:
		r.client.setPeers(f.Peers)
		if r.onPeerDiscovered != nil {
			for _, p := range f.Peers {
				r.onPeerDiscovered(p)
			}
		}
	case wire.FramePeerConnected:
		if r.client.addPeer(f.PeerId) && r.onPeerDiscovered != nil {
			r.onPeerDiscovered(f.PeerId)
		}
	case wire.FramePeerDisconnected:
		r.client.removePeer(f.PeerId)
		if r.onPeerLost != nil {
			r.onPeerLost(f.PeerId)
		}
	case wire.FrameMeshMessage:
		if f.IsKey() {
			r.handleKeyFrame(ctx, f)
		} else {
			r.handleMessageFrame(ctx, f)
		}
	default:
		log.Warn("unhandled frame type", zap.String("type", string(f.Type)))
	}
}

func (r *Relay) handleMessageFrame(ctx context.Context, f wire.Frame) {
	env, err := f.DecodeMessage()
	if err != nil {
		log.Warn("malformed message envelope dropped", zap.Error(err))
		return
	}
	if err := envelope.Validate(env); err != nil {
		log.Warn("invalid message envelope dropped", zap.Error(err))
		return
	}
	r.handleMessageEnv(ctx, env)
}

func (r *Relay) handleKeyFrame(ctx context.Context, f wire.Frame) {
	key, err := f.DecodeKey()
	if err != nil {
		log.Warn("malformed key envelope dropped", zap.Error(err))
		return
	}
	if err := envelope.ValidateKey(key); err != nil {
		log.Warn("invalid key envelope dropped", zap.Error(err))
		return
	}
	r.handleKeyEnv(ctx, key)
}

// handleMessageEnv implements spec section 4.3's five-step handler.
func (r *Relay) handleMessageEnv(ctx context.Context, env model.MessageEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen, err := r.dedupe.Seen(ctx, env.MsgId, dedupe.KindMessage)
	if err != nil {
		log.Error("dedupe seen check failed", zap.Error(err))
		return
	}
	if seen {
		return // DuplicateFrame: silent drop
	}

	if err := r.dedupe.Mark(ctx, env.MsgId, dedupe.KindMessage); err != nil {
		log.Error("dedupe mark failed", zap.Error(err))
		return
	}

	if err := r.store.SaveMessage(ctx, env); err != nil {
		// PersistenceFailure is fatal to this envelope: not delivered,
		// not forwarded.
		log.Error("persist message failed, dropping envelope", zap.Error(err))
		return
	}

	r.dispatchMessage(env)

	if env.Ttl > 0 {
		fwd := envelope.AddHop(env, r.self)
		frame, err := wire.MessageFrame(fwd)
		if err != nil {
			log.Error("marshal forwarded envelope failed", zap.Error(err))
			return
		}
		if err := r.client.send(frame); err != nil {
			// A failure to write to the hub is non-fatal: the envelope
			// is already logged and delivered to local handlers.
			log.Debug("forward to hub failed", zap.Error(err))
		}
	}
}

// handleKeyEnv implements spec section 4.3's key-path handler.
func (r *Relay) handleKeyEnv(ctx context.Context, key model.KeyEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen, err := r.dedupe.Seen(ctx, key.MsgId, dedupe.KindKey)
	if err != nil {
		log.Error("dedupe seen check failed", zap.Error(err))
		return
	}
	if seen {
		return
	}

	if err := r.dedupe.Mark(ctx, key.MsgId, dedupe.KindKey); err != nil {
		log.Error("dedupe mark failed", zap.Error(err))
		return
	}

	if err := r.store.SaveKey(ctx, key); err != nil {
		log.Error("persist key failed, dropping envelope", zap.Error(err))
		return
	}

	r.dispatchKey(key)
	// Key envelopes are never forwarded onward.
}

func (r *Relay) dispatchMessage(env model.MessageEnvelope) {
	for _, h := range r.msgHandlers {
		h(env)
	}
}

func (r *Relay) dispatchKey(key model.KeyEnvelope) {
	for _, h := range r.keyHandlers {
		h(key)
	}
}

// RebuildDedupe reloads the dedupe store from the most recent Cap
// entries of the log, per spec section 4.2's eventual-consistency
// requirement.
func (r *Relay) RebuildDedupe(ctx context.Context) error {
	msgIds, err := r.store.RecentMessageIds(ctx, dedupe.Cap)
	if err != nil {
		return fmt.Errorf("rebuild dedupe from messages: %w", err)
	}
	for _, id := range msgIds {
		if err := r.dedupe.Mark(ctx, id, dedupe.KindMessage); err != nil {
			return err
		}
	}

	keyIds, err := r.store.RecentKeyIds(ctx, dedupe.Cap)
	if err != nil {
		return fmt.Errorf("rebuild dedupe from keys: %w", err)
	}
	for _, id := range keyIds {
		if err := r.dedupe.Mark(ctx, id, dedupe.KindKey); err != nil {
			return err
		}
	}
	return nil
}

// waitFor is a small test helper: block until cond returns true or the
// timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
