package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dentaflow/sync-agent/internal/config"
	"github.com/dentaflow/sync-agent/internal/coordinator"
	"github.com/dentaflow/sync-agent/internal/platform"
	"github.com/dentaflow/sync-agent/internal/store"
	"github.com/dentaflow/sync-agent/internal/telemetry"
	"github.com/dentaflow/sync-agent/internal/validation"
	"github.com/dentaflow/sync-agent/internal/versions"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent",
	Long: `Run the sync agent until interrupted.

The agent requires a configuration file (--config) that specifies:
- The validation API endpoint and retry policy
- The durable storage backend (file or sqlite) and its path
- Connectivity probing, capabilities, and optional telemetry

See examples/ directory for a sample configuration.`,
	RunE: runAgent,
}

const telemetryShutdownTimeout = 10 * time.Second

func init() {
	runCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("config", runCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}

	if err := runCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Error marking config flag as required", "error", err)
	}
}

func runAgent(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	info := versions.GetVersionInfo()
	slog.Info("Starting DentaFlow sync agent",
		"agent", cfg.GetAgentName(),
		"version", info.Version,
		"store_backend", cfg.Store.Backend)

	tel, err := telemetry.New(ctx, cfg.Telemetry, info.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.NewStore(&cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}()

	validator := validation.NewClient(cfg.API.Endpoint, cfg.API.GetTimeout(),
		validation.WithRetry(cfg.API.GetRetryAttempts(), cfg.API.GetRetryDelay()))

	coord, err := coordinator.New(ctx, cfg, coordinator.Deps{
		Store:     st,
		Validator: validator,
		Capabilities: platform.Capabilities{
			BackgroundSync:  cfg.Capabilities.BackgroundSync,
			StorageEstimate: cfg.Capabilities.StorageEstimate,
			InstallPrompt:   cfg.Capabilities.InstallPrompt,
		},
	},
		coordinator.WithLogger(slog.Default()),
		coordinator.WithMeterProvider(tel.MeterProvider()),
		coordinator.WithTracerProvider(tel.TracerProvider()),
		coordinator.WithShellVersion(info.Version),
	)
	if err != nil {
		return fmt.Errorf("failed to build coordinator: %w", err)
	}
	defer coord.Close()

	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("agent stopped: %w", err)
	}

	slog.Info("DentaFlow sync agent stopped")
	return nil
}
