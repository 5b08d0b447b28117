package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(t *testing.T) (*Connection, *websocket.Conn) {
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

	conn := NewConnection(context.Background(), <-serverSide, "s1")
	t.Cleanup(func() { conn.Close() })
	return conn, client
}

func TestSendJSONDelivers(t *testing.T) {
	conn, client := pair(t)
	require.NoError(t, conn.SendJSON(map[string]string{"type": "hello"}))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.JSONEq(t, `{"type":"hello"}`, string(data))
}

func TestSendBinaryDelivers(t *testing.T) {
	conn, client := pair(t)
	require.NoError(t, conn.SendBinary([]byte{1, 2, 3}))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestSendAudioPacedPreBuffersThenPaces(t *testing.T) {
	conn, client := pair(t)

	const frameDur = 20 * time.Millisecond
	start := time.Now()
	for i := 0; i < PreBufferCount+3; i++ {
		require.NoError(t, conn.SendAudioPaced([]byte{byte(i)}, frameDur))
	}
	elapsed := time.Since(start)

	// The first PreBufferCount frames go out unthrottled; the remaining
	// three are spaced one frame apart.
	assert.GreaterOrEqual(t, elapsed, 2*frameDur)
	assert.Less(t, elapsed, 20*frameDur)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < PreBufferCount+3; i++ {
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, data)
	}
}

func TestResetFlowControlRestartsPreBuffer(t *testing.T) {
	conn, _ := pair(t)

	const frameDur = 30 * time.Millisecond
	for i := 0; i < PreBufferCount; i++ {
		require.NoError(t, conn.SendAudioPaced([]byte{0}, frameDur))
	}
	conn.ResetFlowControl()

	// A fresh pre-buffer means the next frames are immediate again.
	start := time.Now()
	for i := 0; i < PreBufferCount; i++ {
		require.NoError(t, conn.SendAudioPaced([]byte{0}, frameDur))
	}
	assert.Less(t, time.Since(start), frameDur)
}

func TestCloseIsIdempotentAndNotifies(t *testing.T) {
	conn, _ := pair(t)
	conn.Close()
	conn.Close()

	select {
	case <-conn.CloseNotify():
	case <-time.After(time.Second):
		t.Fatal("close not signalled")
	}
	assert.Error(t, conn.SendBinary([]byte{1}))
}

func TestRegistryRoundTrip(t *testing.T) {
	conn, _ := pair(t)
	r := NewRegistry()
	r.Register(conn)

	assert.True(t, r.IsConnected("s1"))
	assert.Equal(t, 1, r.Count())
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	assert.Error(t, r.SendJSON("missing", map[string]string{}))

	r.Unregister("s1")
	assert.False(t, r.IsConnected("s1"))
}
