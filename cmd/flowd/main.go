// Package main is flowd's entry point: an HTTP/SSE server that runs
// workflow automation flows (cron/poll-triggered DAGs of sources, filters,
// executors, and sinks) alongside interactive agent chat sessions, per
// spec.md.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/agent/docker"
	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	floweventspub "github.com/kandev/kandev/internal/events"
	"github.com/kandev/kandev/internal/flow/adapters"
	"github.com/kandev/kandev/internal/flow/adapters/executor"
	"github.com/kandev/kandev/internal/flow/api"
	"github.com/kandev/kandev/internal/flow/engine"
	"github.com/kandev/kandev/internal/flow/events"
	"github.com/kandev/kandev/internal/flow/hub"
	"github.com/kandev/kandev/internal/flow/persistence"
	"github.com/kandev/kandev/internal/flow/scheduler"
	"github.com/kandev/kandev/internal/flow/sessionstore"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting flowd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Persistence (flows, runs, agent sessions, VM mappings)
	store, err := persistence.New(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize flow persistence", zap.Error(err))
	}

	sessions := sessionstore.New(store, log)

	// 5. Event bus (in-memory, or NATS when configured) and the flow
	// engine's RunEvent publisher chain (hub broadcast + bus fan-out).
	providedBus, busCleanup, err := floweventspub.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	progressHub := hub.New(log)
	publisher := events.NewPublisher(progressHub, providedBus, log)

	// 6. Docker (optional: disables the local-sandbox executor kind)
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Warn("docker unavailable, local-sandbox executor disabled", zap.Error(err))
		dockerClient = nil
	} else {
		defer dockerClient.Close()
	}

	// 7. VM relay (optional: disables the vm-sandbox executor kind)
	var vmManager executor.VMManager
	if cfg.VMRelay.ManagerBaseURL != "" {
		mgr, err := adapters.NewVMManager(cfg.VMRelay, store, log)
		if err != nil {
			log.Warn("vm relay unavailable, vm-sandbox executor disabled", zap.Error(err))
		} else {
			vmManager = mgr
		}
	}

	// 8. Agent subprocess pool, keyed by the same agent/session workspace
	// layout flowd's sibling unified server uses.
	dataDir := expandHome(cfg.Flow.DataDir)
	workspaceRoot := func(agentID string) string {
		return filepath.Join(dataDir, "workspaces", agentID)
	}
	agentPool := adapters.NewAgentResolverPool(workspaceRoot, log)

	// 9. Adapter registry: every source/filter/executor/sink/trigger kind
	// spec §3 names, wired from whichever of the above are available.
	registry := adapters.New(adapters.Deps{
		Pool:            agentPool,
		VMManager:       vmManager,
		DockerClient:    dockerClient,
		GithubToken:     os.Getenv("GITHUB_TOKEN"),
		WorkspaceRoot:   workspaceRoot,
		ShellRCPath:     cfg.VMRelay.CredentialsPath + "/.bashrc",
		CredentialsPath: cfg.VMRelay.CredentialsPath,
		Logger:          log,
	})

	// 10. DAG engine and trigger scheduler.
	flowEngine := engine.New(registry, registry.Market(), store, publisher, log)
	flowScheduler := scheduler.New(store, flowEngine, registry, cfg.FlowScheduler, log)
	flowScheduler.StartAll(ctx)

	// 11. HTTP/SSE API.
	ctrl := api.New(store, flowEngine, flowScheduler, sessions, agentPool, progressHub)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	api.RegisterRoutes(router, ctrl, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "flowd"})
	})

	port := flowdPort()
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("flowd listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start flowd server", zap.Error(err))
		}
	}()

	// 12. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down flowd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	if err := store.SaveSnapshot(); err != nil {
		log.Error("final session snapshot save failed", zap.Error(err))
	}

	log.Info("flowd stopped")
}

func flowdPort() int {
	if raw := os.Getenv("FLOWD_PORT"); raw != "" {
		var port int
		if _, err := fmt.Sscanf(raw, "%d", &port); err == nil && port > 0 {
			return port
		}
	}
	return 8090
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
