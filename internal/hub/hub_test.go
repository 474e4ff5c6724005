package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshrelay/internal/model"
	"meshrelay/internal/wire"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.Register(conn)
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func register(t *testing.T, conn *websocket.Conn, peerId string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(wire.RegisterFrame(model.NodeId(peerId))))
}

func sampleEnvelope() model.MessageEnvelope {
	return model.MessageEnvelope{
		MsgId:     model.NewMsgId(),
		Type:      model.TypeBroadcast,
		From:      "user_deadbeef",
		To:        "all",
		Timestamp: time.Now().UTC(),
		Ttl:       model.DefaultTTL,
		Hops:      []model.HopRecord{{NodeId: model.NewNodeId(), Timestamp: time.Now().UTC()}},
		Payload:   "hello mesh",
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (wire.Frame, bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var f wire.Frame
	if err := conn.ReadJSON(&f); err != nil {
		return wire.Frame{}, false
	}
	return f, true
}

func TestRegisterReceivesPeerList(t *testing.T) {
	assert := assert.New(t)

	h, srv := newTestHub(t)
	connA := dial(t, srv)
	register(t, connA, "peerA")

	f, ok := readFrame(t, connA, time.Second)
	require.True(t, ok)
	assert.Equal(wire.FramePeerList, f.Type)
	assert.Empty(f.Peers)

	assert.Eventually(func() bool { return h.PeerCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSecondPeerLearnsAboutFirst(t *testing.T) {
	assert := assert.New(t)

	_, srv := newTestHub(t)
	connA := dial(t, srv)
	register(t, connA, "peerA")
	_, ok := readFrame(t, connA, time.Second)
	require.True(t, ok)

	connB := dial(t, srv)
	register(t, connB, "peerB")

	fb, ok := readFrame(t, connB, time.Second)
	require.True(t, ok)
	assert.Equal(wire.FramePeerList, fb.Type)
	assert.Contains(fb.Peers, "peerA")

	fa, ok := readFrame(t, connA, time.Second)
	require.True(t, ok)
	assert.Equal(wire.FramePeerConnected, fa.Type)
	assert.Equal("peerB", fa.PeerId)
}

func TestFanOutDoesNotEchoToSender(t *testing.T) {
	assert := assert.New(t)

	_, srv := newTestHub(t)
	connA := dial(t, srv)
	register(t, connA, "peerA")
	_, _ = readFrame(t, connA, time.Second)

	connB := dial(t, srv)
	register(t, connB, "peerB")
	_, _ = readFrame(t, connB, time.Second) // peer_list
	_, _ = readFrame(t, connA, time.Second) // peer_connected for B

	msg, err := wire.MessageFrame(sampleEnvelope())
	require.NoError(t, err)
	require.NoError(t, connA.WriteJSON(msg))

	got, ok := readFrame(t, connB, time.Second)
	require.True(t, ok)
	assert.Equal(wire.FrameMeshMessage, got.Type)
	assert.Equal("peerA", got.FromPeer)

	// peerA (the sender) must not see its own message echoed back.
	_, ok = readFrame(t, connA, 200*time.Millisecond)
	assert.False(ok)
}

func TestReplacedRegistrationEvictsOldSession(t *testing.T) {
	assert := assert.New(t)

	h, srv := newTestHub(t)
	connA1 := dial(t, srv)
	register(t, connA1, "peerA")
	_, _ = readFrame(t, connA1, time.Second)

	connA2 := dial(t, srv)
	register(t, connA2, "peerA")
	_, ok := readFrame(t, connA2, time.Second)
	require.True(t, ok)

	// The old connection should be closed by the hub (last-write-wins).
	_ = connA1.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := connA1.ReadMessage()
	assert.Error(err)

	assert.Eventually(func() bool { return h.PeerCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInjectDeliversWithoutRealConnection(t *testing.T) {
	assert := assert.New(t)

	h, srv := newTestHub(t)
	connA := dial(t, srv)
	register(t, connA, "peerA")
	_, _ = readFrame(t, connA, time.Second)

	msg, err := wire.MessageFrame(sampleEnvelope())
	require.NoError(t, err)
	h.Inject("gateway", msg)

	got, ok := readFrame(t, connA, time.Second)
	require.True(t, ok)
	assert.Equal("gateway", got.FromPeer)
}

func TestBackPressureEvictsSaturatedSession(t *testing.T) {
	_, srv := newTestHub(t)
	slow := dial(t, srv)
	register(t, slow, "slowpeer")
	_, _ = readFrame(t, slow, time.Second) // peer_list

	fast := dial(t, srv)
	register(t, fast, "fastpeer")
	_, _ = readFrame(t, fast, time.Second) // peer_list
	_, _ = readFrame(t, slow, time.Second) // peer_connected for fastpeer

	msg, err := wire.MessageFrame(sampleEnvelope())
	require.NoError(t, err)

	// Flood well past the outbound buffer without draining slow's socket,
	// to force the hub to evict it on back-pressure regardless of OS
	// socket buffering.
	for i := 0; i < outboundBuffer*50; i++ {
		require.NoError(t, fast.WriteJSON(msg))
	}

	_ = slow.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = slow.ReadMessage()
	assert.Error(t, err)
}
