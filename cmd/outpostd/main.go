// Package main is the entry point for the outpostd binary.
// outpostd is the machine-resident agent daemon: it holds the machine
// credential, maintains the session to the orchestrator, runs automation
// jobs on behalf of it, and exposes a loopback-only control surface for
// the desktop client and scripting SDK.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftworks/outpost/internal/assets"
	"github.com/driftworks/outpost/internal/broadcast"
	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/internal/config"
	"github.com/driftworks/outpost/internal/controlserver"
	"github.com/driftworks/outpost/internal/credentials"
	"github.com/driftworks/outpost/internal/events/bus"
	"github.com/driftworks/outpost/internal/execution"
	"github.com/driftworks/outpost/internal/orchestrator"
	"github.com/driftworks/outpost/internal/tracing"
)

func main() {
	cfg, err := config.LoadWithPath(os.Getenv("OUTPOST_CONFIG_DIR"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting outpostd",
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Agent.DataDir),
		zap.String("orchestrator_url", cfg.Orchestrator.URL),
		zap.Bool("auto_connect", cfg.Agent.AutoConnect))

	if err := run(cfg, log); err != nil {
		log.Fatal("outpostd failed", zap.Error(err))
	}
	log.Info("outpostd stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	credStore, err := credentials.NewStore(cfg.Agent.DataDir, log)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer eventBus.Close()

	client := orchestrator.NewClient(
		cfg.Orchestrator.URL,
		cfg.Orchestrator.RequestTimeoutDuration(),
		credStore,
		log,
	)
	if cfg.Orchestrator.BackendURL != "" {
		// Reconnect straight to the backend discovered last time.
		client.SetBaseURL(cfg.Orchestrator.BackendURL)
	}
	push := orchestrator.NewPushChannel(log)

	// The exec manager is constructed after the connection manager but the
	// status derivation needs it; the closure reads it lazily.
	var execMgr *execution.Manager
	statusFn := func() orchestrator.AgentStatus {
		if execMgr != nil && execMgr.HasActiveExecutions() {
			return orchestrator.StatusBusy
		}
		return orchestrator.StatusAvailable
	}

	connMgr := orchestrator.NewConnectionManager(client, push, credStore, eventBus, statusFn, orchestrator.Options{
		HeartbeatInterval:   cfg.Orchestrator.HeartbeatIntervalDuration(),
		PollInterval:        cfg.Orchestrator.PollIntervalDuration(),
		ReconnectMaxRetries: cfg.Orchestrator.ReconnectMaxRetries,
		ReconnectBaseDelay:  cfg.Orchestrator.ReconnectBaseDelayDuration(),
	}, log)

	broadcaster := broadcast.NewBroadcaster(connMgr, log)
	broadcaster.WatchConnection(connMgr.OnStateChange)

	execMgr = execution.NewManager(broadcaster, eventBus, execution.Options{
		CancelGracePeriod: cfg.Agent.CancelGracePeriodDuration(),
		OutputBufferSize:  cfg.Agent.OutputBufferSize,
	}, log)

	assetCache := assets.NewCache(client, connMgr, credStore, log)
	// Assets fetched under an old credential must never be served after a
	// registration change.
	credStore.OnChange(assetCache.Invalidate)
	connMgr.OnStateChange(func(state orchestrator.SessionState) {
		if state == orchestrator.StateDisconnected {
			assetCache.Invalidate()
		}
	})

	configStore := config.NewStore(configDir())
	server := controlserver.NewServer(cfg, configStore, connMgr, execMgr, assetCache, credStore, log)

	connMgr.OnHandshake(func(hs *orchestrator.HandshakeResult) {
		server.SetMachineName(hs.MachineName)
		server.SetBackendURL(hs.BackendURL)
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(groupCtx) })
	group.Go(func() error { return connMgr.Run(groupCtx) })

	if cfg.Agent.AutoConnect && credStore.HasCredential() {
		connectCtx, cancel := context.WithTimeout(groupCtx, 30*time.Second)
		if err := connMgr.Connect(connectCtx); err != nil {
			log.Warn("auto-connect failed", zap.Error(err))
		}
		cancel()
	}

	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if discErr := connMgr.Disconnect(shutdownCtx); discErr != nil {
		log.Warn("disconnect on shutdown failed", zap.Error(discErr))
	}
	if traceErr := tracing.Shutdown(shutdownCtx); traceErr != nil {
		log.Debug("tracer shutdown", zap.Error(traceErr))
	}
	return err
}

// newEventBus selects the event bus transport: NATS when a URL is
// configured, in-memory otherwise.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.Events.NATSURL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.Events, log)
}

func configDir() string {
	if dir := os.Getenv("OUTPOST_CONFIG_DIR"); dir != "" {
		return dir
	}
	return config.DefaultConfigDir
}
