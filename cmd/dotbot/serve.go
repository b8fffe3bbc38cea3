package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/agents"
	"github.com/druidia-bot/dotbot/internal/auth"
	"github.com/druidia-bot/dotbot/internal/bridge"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/internal/gateway"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/pipeline"
	"github.com/druidia-bot/dotbot/internal/workspace"
)

// buildServeCmd creates the "serve" command that starts the agent server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the DotBot agent server",
		Long: `Start the agent server with the configured LLM providers.

The server terminates device websockets on the main port, serves health on
/healthz, and exposes Prometheus metrics on the metrics port. Graceful
shutdown on SIGINT/SIGTERM aborts running agents and drains device sessions.`,
		Example: `  # Start with the default config
  dotbot serve

  # Start with a custom config
  dotbot serve --config /etc/dotbot/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe wires every subsystem and blocks until shutdown. Construction
// order follows the dependency graph: stores and registries first, then the
// pipeline, then the gateway that fronts them.
func runServe(ctx context.Context, configPath string, debug bool) error {
	// A missing default config is not an error; explicit paths are.
	if configPath == defaultConfigName {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting dotbot",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	metrics := observability.NewMetrics()

	store, err := auth.OpenStore(cfg.Auth.DBPath)
	if err != nil {
		return fmt.Errorf("open auth store: %w", err)
	}
	defer store.Close()
	authSvc := auth.NewService(store, cfg.Auth, logger)

	registry := devices.NewRegistry(bridge.Config{
		RequestTimeout: cfg.Bridge.RequestTimeout,
		ExecutionGrace: cfg.Bridge.ExecutionGrace,
	}, logger, metrics)

	tiers, err := llm.NewRouter(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("configure llm providers: %w", err)
	}
	logger.Info("llm tiers configured", "tiers", tiers.TierNames())

	agentReg := agents.NewRegistry(logger, metrics)
	scanner := agents.NewScanner(agentReg, logger, metrics)
	router := agents.NewRouter(agentReg, logger)

	cleanup := workspace.NewCleanupScheduler(cfg.Workspace,
		func(ctx context.Context, userID, agentID string) error {
			sess, ok := registry.ForUser(userID)
			if !ok {
				return bridge.ErrDeviceNotConnected
			}
			return workspace.NewManager(sess.Bridge, agentID, logger).Cleanup(ctx)
		}, logger, metrics)

	pipe := pipeline.New(*cfg, pipeline.Deps{
		Loop:    agent.New(cfg.Loop, logger, metrics),
		Tiers:   tiers,
		Devices: registry,
		Agents:  agentReg,
		Router:  router,
		Cleanup: cleanup,
		Logger:  logger,
		Metrics: metrics,
	})
	recovery := agents.NewCoordinator(agentReg, scanner, pipe.Resume, logger)

	srv := gateway.New(*cfg, gateway.Deps{
		Auth:      authSvc,
		Devices:   registry,
		Pipeline:  pipe,
		Recovery:  recovery,
		Agents:    agentReg,
		Condenser: gateway.NewLLMCondenser(tiers, logger),
		Logger:    logger,
		Metrics:   metrics,
	})

	if err := cleanup.Start(); err != nil {
		return fmt.Errorf("start cleanup scheduler: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := srv.Run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := cleanup.Stop(stopCtx); err != nil {
		logger.Warn("cleanup scheduler stop", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("dotbot stopped")
	return nil
}
