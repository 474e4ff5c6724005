// Package hub implements the per-hub fan-out of frames across connected
// peers (spec section 4.4, component C4). A hub never stores long-term
// state and never parses envelope contents; its only job is to bind
// sessions to peer ids and fan out mesh_message frames to everyone else.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshrelay/internal/log"
	"meshrelay/internal/wire"
)

// MaxFrameSize is the payload size cap on the hub, per spec section 6.4:
// 10 MiB per frame.
const MaxFrameSize = 10 * 1024 * 1024

// outboundBuffer is how many frames a session's write queue holds before
// the hub considers it saturated and evicts it (spec section 4.4,
// "Back-pressure").
const outboundBuffer = 64

// Hub holds one session per registered peer.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session // peerId -> session
}

// New constructs an empty hub.
func New() *Hub {
	return &Hub{sessions: make(map[string]*session)}
}

// Register upgrades conn into a tracked session and starts its pumps.
// The session is unbound to any peerId until it sends a "register" frame.
func (h *Hub) Register(conn *websocket.Conn) {
	conn.SetReadLimit(MaxFrameSize)
	s := newSession(conn, h)
	go s.readPump()
	go s.writePump()
}

// bind assigns peerId to s, closing and replacing any prior session for
// that id (last-write-wins, spec section 4.4).
func (h *Hub) bind(s *session, peerId string) {
	h.mu.Lock()
	if old, ok := h.sessions[peerId]; ok && old != s {
		h.mu.Unlock()
		old.evict("replaced by newer registration")
		h.mu.Lock()
	}
	s.peerId = peerId
	h.sessions[peerId] = s
	others := h.otherPeerIds(peerId)
	h.mu.Unlock()

	log.Info("peer registered", zap.String("peerId", peerId))

	s.send(wire.Frame{Type: wire.FramePeerList, Peers: others})
	h.broadcastExcept(peerId, wire.Frame{Type: wire.FramePeerConnected, PeerId: peerId})
}

func (h *Hub) otherPeerIds(except string) []string {
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		if id != except {
			ids = append(ids, id)
		}
	}
	return ids
}

// unbind removes s from the session table and, if it had a peerId,
// notifies survivors it disconnected.
func (h *Hub) unbind(s *session) {
	h.mu.Lock()
	peerId := s.peerId
	if peerId != "" && h.sessions[peerId] == s {
		delete(h.sessions, peerId)
	}
	h.mu.Unlock()

	if peerId != "" {
		log.Info("peer disconnected", zap.String("peerId", peerId))
		h.broadcastExcept(peerId, wire.Frame{Type: wire.FramePeerDisconnected, PeerId: peerId})
	}
}

// fanOut relays a mesh_message frame from fromPeer to every other
// connected session. Never echoes to the sender.
func (h *Hub) fanOut(fromPeer string, f wire.Frame) {
	f.FromPeer = fromPeer
	h.broadcastExcept(fromPeer, f)
}

func (h *Hub) broadcastExcept(except string, f wire.Frame) {
	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id != except {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.send(f)
	}
}

// Inject lets an in-process collaborator (the gateway ingress, C7) hand a
// frame to the hub as though it arrived from a peer with the given id,
// without an actual websocket round trip.
func (h *Hub) Inject(fromPeer string, f wire.Frame) {
	h.fanOut(fromPeer, f)
}

// PeerCount reports the number of currently registered peers.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func marshalFrame(f wire.Frame) ([]byte, error) {
	return json.Marshal(f)
}
