// Package main is the autodev server entry point: an HTTP + WebSocket
// service that drives AI coding agent CLIs against project working
// directories.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/autodev/autodev/internal/agent/provider"
	"github.com/autodev/autodev/internal/api"
	"github.com/autodev/autodev/internal/common/config"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/events/bus"
	gateway "github.com/autodev/autodev/internal/gateway/websocket"
	"github.com/autodev/autodev/internal/orchestrator"
	"github.com/autodev/autodev/internal/orchestrator/gitops"
	"github.com/autodev/autodev/internal/project/store"
	"github.com/autodev/autodev/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting autodev...", zap.String("data_dir", cfg.Data.Dir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	st, err := store.NewStore(cfg.Data.Dir, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	git := gitops.NewGateway(log)
	orch := orchestrator.New(cfg.Orchestrator, st, eventBus, provider.DefaultRegistry(), git, log)

	watchers := watcher.NewManager(st, eventBus, log)
	watchers.SetAgentStopper(orch)
	orch.SetWatcherManager(watchers)

	// Clean up orphaned children before any request can start new ones.
	if err := orch.InitRecovery(); err != nil {
		log.Fatal("Startup recovery failed", zap.Error(err))
	}

	hub := gateway.NewHub(log)
	if _, err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach hub to event bus", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, cfg.Auth.Token, log)

	router := api.NewRouter(cfg, st, orch, wsHandler, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down autodev...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}
	log.Info("autodev stopped")
}
