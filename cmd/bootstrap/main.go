package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/agent"
	"github.com/code-100-precent/EchoCore/pkg/cache"
	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/engine"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
	"github.com/code-100-precent/EchoCore/pkg/server"
	"github.com/code-100-precent/EchoCore/pkg/session"
	"github.com/code-100-precent/EchoCore/pkg/transport"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := config.GlobalConfig

	if err := logger.Init(&cfg.Log, cfg.Server.Mode); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	store, err := cache.New(cfg.Cache)
	if err != nil {
		logger.Fatal("init cache", zap.Error(err))
	}
	defer store.Close()

	agents, err := agent.NewLoader(cfg)
	if err != nil {
		logger.Fatal("init agent loader", zap.Error(err))
	}

	bus := events.NewBus()
	container := di.NewContainer()
	registry := transport.NewRegistry()
	router := protocol.NewRouter(bus)
	manager := session.NewManager(container, bus, registry, router, session.Options{
		InactivityTimeout: cfg.Engine.InactivityTimeout,
		MonitorTick:       cfg.Engine.MonitorTick,
	})

	eng, err := engine.New(*cfg, bus, container, registry, router, manager, agents, store)
	if err != nil {
		logger.Fatal("init engine", zap.Error(err))
	}
	eng.Start()

	srv := server.New(cfg.Server, manager)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	srv.WaitForShutdown(5 * time.Second)
	manager.Shutdown("server shutdown")
}
