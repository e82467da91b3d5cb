// Package main is the car daemon: one process hosting the supervisor pool,
// the orchestrator, the turn ledger, the websocket gateway, and the doctor
// API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cardev/car/internal/agents"
	"github.com/cardev/car/internal/backend"
	"github.com/cardev/car/internal/backend/codexflavor"
	"github.com/cardev/car/internal/backend/opencodeflavor"
	"github.com/cardev/car/internal/backend/wshandlers"
	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/common/logger"
	"github.com/cardev/car/internal/diagnostics"
	"github.com/cardev/car/internal/events"
	gatewayws "github.com/cardev/car/internal/gateway/websocket"
	"github.com/cardev/car/internal/ledger"
	"github.com/cardev/car/internal/state"
	"github.com/cardev/car/internal/supervisor"
	"github.com/cardev/car/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	workspaceFlag := flag.String("workspace", "", "default workspace root (defaults to the current directory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
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

	workspace, err := resolveWorkspace(*workspaceFlag)
	if err != nil {
		log.Error("Failed to resolve workspace root", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Starting car daemon",
		zap.String("workspace", workspace),
		zap.String("state_root", cfg.State.Root))

	if err := run(cfg, workspace, log); err != nil {
		log.Error("Daemon exited with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("car stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadWithPath(path)
	}
	return config.Load()
}

func resolveWorkspace(flagValue string) (string, error) {
	if flagValue != "" {
		return filepath.Abs(flagValue)
	}
	return os.Getwd()
}

func run(cfg *config.Config, workspace string, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ============================================
	// TRACING
	// ============================================
	tracing.Configure(cfg.Tracing.Endpoint, cfg.Tracing.Protocol)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
	}()

	// ============================================
	// EVENT BUS
	// ============================================
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer func() {
		if err := closeBus(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}()
	eventBus := provided.Bus

	// ============================================
	// STATE + LEDGER
	// ============================================
	threads := state.NewThreadRegistry(cfg.State.Root, log)
	processes := state.NewProcessRegistry(workspace, log)
	targets := state.NewDeliveryTargetStore(cfg.State.Root, log)

	store, err := ledger.Open(cfg.Ledger, cfg.State.Root)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Ledger close error", zap.Error(err))
		}
	}()

	recorder := ledger.NewRecorder(store, log)
	if err := recorder.Attach(eventBus); err != nil {
		return fmt.Errorf("ledger recorder: %w", err)
	}
	defer recorder.Detach()

	// ============================================
	// AGENT CATALOG
	// ============================================
	catalog, err := agents.NewCatalog(log)
	if err != nil {
		return fmt.Errorf("agent catalog: %w", err)
	}
	if cfg.Agents.CatalogPath != "" {
		if err := catalog.LoadFile(cfg.Agents.CatalogPath); err != nil {
			return fmt.Errorf("agent catalog override: %w", err)
		}
		log.Info("Loaded agent catalog override", zap.String("path", cfg.Agents.CatalogPath))
	}

	// ============================================
	// SUPERVISOR + ORCHESTRATOR
	// ============================================
	pool := supervisor.NewPool(cfg.Supervisor, log)

	publisher := events.NewPublisher(eventBus, "backend", log)
	orch := backend.New(cfg, catalog, pool, threads, publisher, log)
	orch.RegisterFlavor(codexflavor.New(cfg, log))
	orch.RegisterFlavor(opencodeflavor.New(cfg, log))

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	gateway, err := gatewayws.Provide(eventBus, log)
	if err != nil {
		return fmt.Errorf("websocket gateway: %w", err)
	}
	runHandlers := wshandlers.NewHandlers(orch, workspace, log)
	runHandlers.RegisterHandlers(gateway.Dispatcher)

	// ============================================
	// DIAGNOSTICS SERVER (doctor API + /ws)
	// ============================================
	server := diagnostics.NewServer(cfg.Server, diagnostics.Deps{
		Pool:      pool,
		Threads:   threads,
		Processes: processes,
		Targets:   targets,
		Ledger:    store,
		Gateway:   gateway,
	}, log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		pool.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		gateway.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return server.Start()
	})
	group.Go(func() error {
		<-groupCtx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			log.Error("Diagnostics shutdown error", zap.Error(err))
		}
		return nil
	})

	log.Info("car daemon ready",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("websocket", "/ws"),
		zap.String("doctor", "/v1/doctor"))

	err = group.Wait()

	log.Info("Shutting down car...")
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := orch.CloseAll(closeCtx); cerr != nil {
		log.Error("Orchestrator close error", zap.Error(cerr))
	}
	return err
}
