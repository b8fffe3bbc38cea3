// Package main provides the CLI entry point for the DotBot agent server.
//
// DotBot is the server half of a personal assistant: devices connect over a
// websocket bridge, user messages become planned agent runs, and every tool
// executes on the device that owns the data.
//
// # Basic Usage
//
// Start the server:
//
//	dotbot serve --config dotbot.yaml
//
// Mint the first invite token so a device can register:
//
//	dotbot invite --admin
//
// # Environment Variables
//
//   - DOTBOT_CONFIG: path to the configuration file (default: dotbot.yaml)
//   - DOTBOT_DB_PATH: override for auth.db_path
//   - DOTBOT_JWT_SECRET: override for auth.jwt_secret
//   - DOTBOT_LOG_LEVEL: override for logging.level
//   - ANTHROPIC_API_KEY: key for the anthropic provider when unset in config
//   - OPENAI_API_KEY: key for the openai provider when unset in config
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "dotbot.yaml"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the command tree. Separated from main for testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dotbot",
		Short: "DotBot - personal assistant agent server",
		Long: `DotBot runs the server side of a personal assistant: it terminates
device websockets, routes user messages through intake, planning, and the
tool loop, and executes every tool on the owning device over the bridge.

Devices register once with an invite token and authenticate with a
per-device secret afterwards.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildInviteCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dotbot %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the DOTBOT_CONFIG override when the flag was
// left at its default.
func resolveConfigPath(path string) string {
	if env := strings.TrimSpace(os.Getenv("DOTBOT_CONFIG")); env != "" && (path == "" || path == defaultConfigName) {
		return env
	}
	if strings.TrimSpace(path) == "" {
		return defaultConfigName
	}
	return path
}
