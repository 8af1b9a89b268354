// Package main provides the CLI entry point for lovelines, the messaging
// channel orchestrator.
//
// lovelines keeps one Telegram, WhatsApp or Discord channel per user and
// platform running, rate limits and retries outbound messages, and records
// every delivery in the notification log.
//
// # Basic Usage
//
// Start the orchestrator:
//
//	lovelines serve --config lovelines.yaml
//
// Register a user's Telegram bot and link it:
//
//	lovelines channels add --user u1 --platform telegram --token-stdin
//	lovelines channels link --user u1 --platform telegram
//
// # Environment Variables
//
//   - LOVELINES_CONFIG: Path to configuration file (default: lovelines.yaml)
//   - LOVELINES_ENCRYPTION_KEY: Key used to encrypt stored bot tokens
//   - MAX_TELEGRAM_CONNECTIONS, MAX_WHATSAPP_CONNECTIONS,
//     MAX_DISCORD_CONNECTIONS, MAX_CONNECTIONS: connection caps
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/lovelines/internal/config"
	"github.com/haasonsaas/lovelines/internal/observability"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath = "lovelines.yaml"
	envConfigPath     = "LOVELINES_CONFIG"
)

func main() {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	}))

	if err := buildRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lovelines",
		Short: "lovelines - per-user messaging channel orchestrator",
		Long: `lovelines runs one messaging channel per user and platform and delivers
outbound messages through them.

Supported platforms: Telegram, WhatsApp, Discord`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML or JSON5 configuration file (or set LOVELINES_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildChannelsCmd(),
		buildSessionsCmd(),
		buildMigrateCmd(),
		buildAdminCmd(),
		buildCryptoCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath returns the flag value, then LOVELINES_CONFIG, then the
// default path.
func resolveConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); strings.TrimSpace(path) != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig loads the configuration. A missing default file falls back to
// built-in defaults plus environment overrides; an explicitly named file
// must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := resolveConfigPath(cmd)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg and installs it as default.
func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return logger
}
