package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
	"github.com/code-100-precent/EchoCore/pkg/transport"
)

// wsPair upgrades one connection and returns both ends.
func wsPair(t *testing.T) (*transport.Connection, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverSide <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	raw := <-serverSide
	conn := transport.NewConnection(context.Background(), raw, "test-session")
	t.Cleanup(func() { conn.Close() })
	return conn, client
}

func newTestManager(opts Options) (*Manager, *di.Container, *events.Bus, *protocol.Router) {
	container := di.NewContainer()
	bus := events.NewBus()
	registry := transport.NewRegistry()
	router := protocol.NewRouter(bus)
	return NewManager(container, bus, registry, router, opts), container, bus, router
}

func TestAcceptRegistersSession(t *testing.T) {
	conn, _ := wsPair(t)
	m, container, bus, _ := newTestManager(Options{})

	var created atomic.Bool
	bus.Subscribe(events.TypeSessionCreated, func(e events.Event) error {
		created.Store(true)
		return nil
	}, false)

	sc := m.Accept(context.Background(), conn, ConnectionInfo{DeviceID: "dev-1", ClientIP: "1.2.3.4"})
	require.NotNil(t, sc)
	assert.True(t, created.Load())
	assert.Equal(t, 1, m.Count())

	// The context is resolvable through the container like any service.
	v, err := container.Resolve(ContextServiceName, sc.ID)
	require.NoError(t, err)
	assert.Same(t, sc, v)
}

func TestDestroyIsIdempotent(t *testing.T) {
	conn, _ := wsPair(t)
	m, container, bus, _ := newTestManager(Options{})

	var destroyed atomic.Int32
	bus.Subscribe(events.TypeSessionDestroying, func(e events.Event) error {
		destroyed.Add(1)
		return nil
	}, false)

	sc := m.Accept(context.Background(), conn, ConnectionInfo{})
	m.Destroy(sc.ID, "test")
	m.Destroy(sc.ID, "test again")

	assert.Equal(t, int32(1), destroyed.Load())
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, container.SessionEntries(sc.ID))
	assert.True(t, sc.Lifecycle.IsStopped())
}

func TestReadLoopRoutesAndTouches(t *testing.T) {
	conn, client := wsPair(t)
	m, _, _, router := newTestManager(Options{})

	got := make(chan string, 1)
	router.HandleText(protocol.TypeListen, func(ctx context.Context, sessionID string, msg *protocol.TextMessage) error {
		got <- msg.String("state")
		return nil
	})

	sc := m.Accept(context.Background(), conn, ConnectionInfo{})
	before := sc.LastActivity()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"listen","state":"start"}`)))

	select {
	case state := <-got:
		assert.Equal(t, "start", state)
	case <-time.After(2 * time.Second):
		t.Fatal("listen message never routed")
	}
	assert.True(t, sc.LastActivity().After(before))
}

func TestInactivityTimeoutDestroysSession(t *testing.T) {
	conn, _ := wsPair(t)
	m, _, _, _ := newTestManager(Options{
		InactivityTimeout: 50 * time.Millisecond,
		MonitorTick:       10 * time.Millisecond,
	})

	sc := m.Accept(context.Background(), conn, ConnectionInfo{})
	require.Eventually(t, func() bool {
		_, ok := m.Get(sc.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientDisconnectDestroysSession(t *testing.T) {
	conn, client := wsPair(t)
	m, _, _, _ := newTestManager(Options{})

	sc := m.Accept(context.Background(), conn, ConnectionInfo{})
	client.Close()

	require.Eventually(t, func() bool {
		_, ok := m.Get(sc.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sc.Lifecycle.IsStopped())
}
