// Package server exposes the device-facing WebSocket endpoint and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/session"
	"github.com/code-100-precent/EchoCore/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Embedded devices do not send Origin headers worth checking.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts device connections and hands them to the session manager.
type Server struct {
	cfg     config.ServerConfig
	manager *session.Manager
	http    *http.Server
}

// New builds the HTTP server around the session manager.
func New(cfg config.ServerConfig, manager *session.Manager) *Server {
	s := &Server{cfg: cfg, manager: manager}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WebSocketPath, s.handleWebSocket)
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}
	return s
}

// Run blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logger.Info("listening",
		zap.String("addr", s.cfg.Addr),
		zap.String("ws_path", s.cfg.WebSocketPath))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthToken != "" && !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	info := session.ConnectionInfo{
		DeviceID:    r.Header.Get("device-id"),
		ClientID:    r.Header.Get("client-id"),
		ClientIP:    clientIP(r),
		FromGateway: r.URL.Query().Get("from") == "mqtt_gateway",
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	// The request context dies when this handler returns; sessions need a
	// parent that lives as long as the process.
	conn := transport.NewConnection(context.Background(), ws, r.Header.Get("session-id"))
	sc := s.manager.Accept(context.Background(), conn, info)
	logger.Info("device connected",
		zap.String("session", sc.ID),
		zap.String("device", info.DeviceID),
		zap.String("ip", info.ClientIP),
		zap.Bool("gateway", info.FromGateway))
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		token = r.URL.Query().Get("token")
	}
	return token == s.cfg.AuthToken
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

// WaitForShutdown drains with a bounded grace period.
func (s *Server) WaitForShutdown(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
