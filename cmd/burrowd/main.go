package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/burrowhq/burrow/internal/common/clock"
	"github.com/burrowhq/burrow/internal/common/config"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/common/metrics"
	"github.com/burrowhq/burrow/internal/events/bus"
	"github.com/burrowhq/burrow/internal/ipc"
	"github.com/burrowhq/burrow/internal/orchestrator/api"
	"github.com/burrowhq/burrow/internal/orchestrator/queue"
	"github.com/burrowhq/burrow/internal/orchestrator/streaming"
	"github.com/burrowhq/burrow/internal/sandbox/policy"
	"github.com/burrowhq/burrow/internal/sandbox/registry"
	"github.com/burrowhq/burrow/internal/sandbox/runner"
	"github.com/burrowhq/burrow/internal/sandbox/secrets"
	"github.com/burrowhq/burrow/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Burrow host...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Metrics registry
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	// 6. Mount allowlist policy. Fail-closed: no policy, no sandboxes.
	pol, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		log.Fatal("Failed to load mount policy", zap.String("path", cfg.Policy.Path), zap.Error(err))
	}
	log.Info("Loaded mount policy", zap.String("path", cfg.Policy.Path))

	// 7. Sandbox profile registry
	reg := registry.NewRegistry()
	log.Info("Loaded sandbox profiles", zap.Int("profiles", len(reg.List())))

	// 8. Secrets manager
	sec := secrets.NewManager(cfg.Secrets.Keys, secrets.NewEnvProvider(cfg.Secrets.EnvPrefix))

	// 9. Spawn backend
	var backend runner.Backend
	switch cfg.Sandbox.Backend {
	case "docker":
		dockerBackend, err := runner.NewDockerBackend(ctx, cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker backend", zap.Error(err))
		}
		backend = dockerBackend
		log.Info("Connected to Docker daemon")
	case "local":
		backend = runner.NewLocalBackend(log)
		log.Info("Using local process backend")
	default:
		log.Fatal("Unknown sandbox backend", zap.String("backend", cfg.Sandbox.Backend))
	}
	defer backend.Close()

	// 10. Persistence
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		log.Fatal("Failed to open store", zap.String("path", cfg.Store.Path), zap.Error(err))
	}
	defer st.Close()

	// 11. Runner and group queue
	clk := clock.New()
	run := runner.New(cfg.Sandbox, pol, backend, reg, sec, m, clk, log)
	groupQueue := queue.New(cfg.Sandbox, cfg.IPC.RootDir, run, st, eventBus, m, clk, log)

	// 12. IPC gateway
	gateway := ipc.NewGateway(cfg.IPC, cfg.Sandbox.MainGroup, clk, log, m, eventBus)
	if err := ipc.RegisterCoreHandlers(gateway, st, groupQueue); err != nil {
		log.Fatal("Failed to register IPC handlers", zap.Error(err))
	}
	gateway.Start(ctx)

	// 13. WebSocket hub
	hub := streaming.NewHub(log)
	if err := hub.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)

	// 14. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, st, groupQueue, reg, hub, promRegistry, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Burrow host...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop accepting IPC work, then drain the sandboxes.
	gateway.Stop()
	groupQueue.Shutdown(shutdownCtx)

	cancel()
	log.Info("Burrow host stopped")
}
