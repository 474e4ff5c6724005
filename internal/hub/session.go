package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshrelay/internal/log"
	"meshrelay/internal/wire"
)

// session wraps one websocket connection. Writes go through a buffered
// channel drained by a single writer goroutine, so concurrent senders
// (fan-out from many other sessions) never race on conn.WriteMessage.
type session struct {
	conn   *websocket.Conn
	hub    *Hub
	peerId string // empty until register frame arrives

	out    chan wire.Frame
	closed chan struct{}
}

func newSession(conn *websocket.Conn, h *Hub) *session {
	return &session{
		conn:   conn,
		hub:    h,
		out:    make(chan wire.Frame, outboundBuffer),
		closed: make(chan struct{}),
	}
}

func (s *session) readPump() {
	defer func() {
		s.hub.unbind(s)
		close(s.closed)
		_ = s.conn.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Debug("session closed", zap.Error(err))
			return
		}

		if len(data) > MaxFrameSize {
			s.evict("payload too large")
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("malformed frame dropped", zap.Error(err))
			continue
		}

		switch f.Type {
		case wire.FrameRegister:
			if s.peerId != "" {
				// A register from an already-bound session is rejected
				// (spec section 4.4 invariant).
				log.Warn("duplicate register on bound session", zap.String("peerId", s.peerId))
				continue
			}
			s.hub.bind(s, f.PeerId)
		case wire.FrameMeshMessage:
			if s.peerId == "" {
				log.Warn("mesh_message from unregistered session dropped")
				continue
			}
			s.hub.fanOut(s.peerId, f)
		default:
			log.Warn("unexpected frame type from peer", zap.String("type", string(f.Type)))
		}
	}
}

func (s *session) writePump() {
	for {
		select {
		case f, ok := <-s.out:
			if !ok {
				return
			}
			data, err := marshalFrame(f)
			if err != nil {
				log.Error("marshal outbound frame failed", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("write failed, closing session", zap.Error(err))
				return
			}
		case <-s.closed:
			return
		}
	}
}

// send enqueues f for delivery. If the session's outbound buffer is
// saturated, the hub drops this session rather than stalling the fan-out
// for everyone else (spec section 4.4, "Back-pressure").
func (s *session) send(f wire.Frame) {
	select {
	case s.out <- f:
	default:
		s.evict("write buffer saturated")
	}
}

// evict closes the session with a specific close code (spec section 7,
// HubSessionEvicted) so the peer can distinguish this from a clean
// shutdown and reconnect.
func (s *session) evict(reason string) {
	log.Warn("evicting session", zap.String("peerId", s.peerId), zap.String("reason", reason))
	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason)
	deadline := time.Now().Add(2 * time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = s.conn.Close()
}
