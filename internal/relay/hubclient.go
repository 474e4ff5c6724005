package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshrelay/internal/log"
	"meshrelay/internal/model"
	"meshrelay/internal/wire"
)

type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateRegistered
	stateLost
)

// reconnectDelay and maxReconnectAttempts implement spec section 5's
// timeout policy: "Hub reconnect delay fixed at 3 s, max 10 attempts."
const (
	reconnectDelay       = 3 * time.Second
	maxReconnectAttempts = 10
)

// hubClient is the node relay's connection to its one hub: the
// Disconnected -> Connecting -> Registered -> Lost sub-state-machine
// from spec section 4.3.
type hubClient struct {
	relay *Relay

	mu    sync.Mutex
	state connState
	conn  *websocket.Conn

	peersMu sync.Mutex
	peerSet map[string]struct{}

	attempts int
	closed   chan struct{}
	closeOne sync.Once
}

func newHubClient(r *Relay) *hubClient {
	return &hubClient{
		relay:   r,
		state:   stateDisconnected,
		peerSet: make(map[string]struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *hubClient) start(ctx context.Context) {
	go c.connectLoop(ctx)
}

func (c *hubClient) close() {
	c.closeOne.Do(func() { close(c.closed) })
	c.mu.Lock()
	conn := c.conn
	c.state = stateDisconnected
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (c *hubClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *hubClient) connectLoop(ctx context.Context) {
	for {
		if c.isClosed() {
			return
		}

		c.setState(stateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.relay.hubURL, nil)
		if err != nil {
			log.Warn("hub dial failed", zap.Error(err))
			if !c.scheduleReconnect() {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		regFrame := wire.RegisterFrame(c.relay.self)
		if err := c.writeFrame(regFrame); err != nil {
			log.Warn("hub register failed", zap.Error(err))
			_ = conn.Close()
			if !c.scheduleReconnect() {
				return
			}
			continue
		}

		c.setState(stateRegistered)
		c.attempts = 0
		log.Info("registered with hub", zap.String("nodeId", string(c.relay.self)))

		c.readLoop(ctx, conn)

		if c.isClosed() {
			return
		}
		c.onLost()
		if !c.scheduleReconnect() {
			return
		}
	}
}

func (c *hubClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("hub connection read failed", zap.Error(err))
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("malformed frame from hub dropped", zap.Error(err))
			continue
		}
		c.relay.handleInboundFrame(ctx, f)
	}
}

func (c *hubClient) onLost() {
	c.setState(stateLost)

	c.peersMu.Lock()
	lost := make([]string, 0, len(c.peerSet))
	for p := range c.peerSet {
		lost = append(lost, p)
	}
	c.peerSet = make(map[string]struct{})
	c.peersMu.Unlock()

	if c.relay.onPeerLost != nil {
		for _, p := range lost {
			c.relay.onPeerLost(p)
		}
	}
}

// scheduleReconnect sleeps for reconnectDelay and reports whether the
// caller should retry. After maxReconnectAttempts it gives up.
func (c *hubClient) scheduleReconnect() bool {
	c.attempts++
	if c.attempts > maxReconnectAttempts {
		log.Error("giving up on hub reconnect", zap.Int("attempts", c.attempts))
		return false
	}
	select {
	case <-time.After(reconnectDelay):
		return true
	case <-c.closed:
		return false
	}
}

func (c *hubClient) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *hubClient) writeFrame(f wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no hub connection: %w", model.ErrNotConnected)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// send writes f to the hub. Writes attempted while the connection is
// Lost fail with NotConnected (spec section 4.3) — the caller's
// persistence and local fan-out must already have succeeded by then.
func (c *hubClient) send(f wire.Frame) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != stateRegistered {
		return fmt.Errorf("hub state is not registered: %w", model.ErrNotConnected)
	}
	return c.writeFrame(f)
}

func (c *hubClient) peers() []string {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	out := make([]string, 0, len(c.peerSet))
	for p := range c.peerSet {
		out = append(out, p)
	}
	return out
}

func (c *hubClient) setPeers(peers []string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peerSet = make(map[string]struct{}, len(peers))
	for _, p := range peers {
		c.peerSet[p] = struct{}{}
	}
}

// addPeer adds peerId to the peer set, returning true if it was new.
func (c *hubClient) addPeer(peerId string) bool {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	if _, ok := c.peerSet[peerId]; ok {
		return false
	}
	c.peerSet[peerId] = struct{}{}
	return true
}

func (c *hubClient) removePeer(peerId string) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	delete(c.peerSet, peerId)
}
