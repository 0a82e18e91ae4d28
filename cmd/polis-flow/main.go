// Package main is the entry point for the polis-flow binary.
// It serves the admin API and runs or validates stored pipelines.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/logging"
	"github.com/polisai/polis-flow/pkg/storage"
	"github.com/polisai/polis-flow/pkg/telemetry"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-flow
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-flow",
		Short: "Declarative HTTP pipeline engine",
		Long: `polis-flow executes pipelines of HTTP calls, threading extracted values
from each response into the next request.

Example:
  polis-flow serve --config flow.yaml
  polis-flow run --config flow.yaml --pipeline calc --data input.json --trace`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().String("env-file", "", "Path to a .env file (defaults to ./.env when present)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd(), newRunCmd(), newValidateCmd())
	return rootCmd
}

// app holds the components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storage.DefinitionStore
	engine *engine.Engine

	shutdownTelemetry func(context.Context) error
}

// bootstrap loads the environment and configuration, then builds logging,
// telemetry, the definition store and the engine.
func bootstrap(ctx context.Context, cmd *cobra.Command) (*app, error) {
	if err := loadEnv(cmd); err != nil {
		return nil, err
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	store, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
		Dir:    cfg.Storage.Dir,
		Logger: logger,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}

	eng := engine.NewEngine(engine.FactoryConfig{
		Definitions:      store,
		RequestTimeout:   cfg.Execution.RequestTimeout,
		MaxResponseBytes: cfg.Execution.MaxResponseBytes,
		MaxConcurrency:   cfg.Execution.MaxConcurrency,
		TraceLimit:       cfg.Trace.MaxExecutions,
		TraceTTL:         cfg.Trace.TTL,
		SpanRedactions:   cfg.Telemetry.Redactions,
		Logger:           logger,
	})

	logger.Debug("engine ready",
		"storage", cfg.Storage.Driver,
		"max_concurrency", cfg.Execution.MaxConcurrency,
		"otlp", cfg.Telemetry.OTLPEndpoint != "",
	)

	return &app{
		cfg:               cfg,
		logger:            logger,
		store:             store,
		engine:            eng,
		shutdownTelemetry: shutdown,
	}, nil
}

// watchDefinitions drops cached pipelines whenever a file-backed store
// reloads. Other stores invalidate through the admin API.
func (a *app) watchDefinitions(ctx context.Context) {
	source, ok := a.store.(domain.DefinitionSource)
	if !ok {
		return
	}
	go a.engine.Pipelines.Watch(ctx, source)
}

func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.store.Close(), a.shutdownTelemetry(ctx))
}

func loadEnv(cmd *cobra.Command) error {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	// A missing default .env is not an error.
	_ = godotenv.Load()
	return nil
}
