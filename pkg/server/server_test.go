package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
	"github.com/code-100-precent/EchoCore/pkg/session"
	"github.com/code-100-precent/EchoCore/pkg/transport"
)

func newTestServer(t *testing.T, authToken string) (*Server, *session.Manager, string) {
	t.Helper()
	bus := events.NewBus()
	manager := session.NewManager(di.NewContainer(), bus, transport.NewRegistry(), protocol.NewRouter(bus), session.Options{})
	t.Cleanup(func() { manager.Shutdown("test done") })

	cfg := config.ServerConfig{
		WebSocketPath: "/xiaozhi/v1/",
		MetricsPath:   "/metrics",
		AuthToken:     authToken,
	}
	s := New(cfg, manager)

	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)
	return s, manager, srv.URL
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/xiaozhi/v1/"
}

func TestAcceptsDeviceConnection(t *testing.T) {
	_, manager, base := newTestServer(t, "")

	header := http.Header{}
	header.Set("device-id", "aa:bb:cc:dd:ee:ff")
	header.Set("client-id", "client-7")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return manager.Count() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestRejectsMissingToken(t *testing.T) {
	_, _, base := newTestServer(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(base), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAcceptsBearerToken(t *testing.T) {
	_, manager, base := newTestServer(t, "secret")

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return manager.Count() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestAcceptsQueryToken(t *testing.T) {
	_, manager, base := newTestServer(t, "secret")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base)+"?token=secret", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return manager.Count() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	s, _, base := newTestServer(t, "")
	_ = s

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, base := newTestServer(t, "")

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientIPFromHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:4242"
	assert.Equal(t, "10.0.0.1", clientIP(r))

	r.Header.Set("x-forwarded-for", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))

	r.Header.Set("x-real-ip", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientIP(r))
}
