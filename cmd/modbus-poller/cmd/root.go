// Package cmd implements the modbus-poller command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/adapter/config"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/app"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/version"
	"github.com/ahmeth-sd/scada-modbus-demo/pkg/logging"
)

var (
	// configPath to the configuration YAML file. Empty searches the default locations.
	configPath string

	// rootCmd runs the poller service.
	rootCmd = &cobra.Command{
		Use:   "modbus-poller",
		Short: "Poll a Modbus TCP device and publish telemetry and alarms to MQTT.",
		Long: `Polls a fixed 10-register block from a Modbus TCP device, raises a debounced
high temperature alarm, and publishes telemetry and alarm transitions to an MQTT broker.

Configuration is read from config.yaml (., ./config, /etc/modbus-poller or --config)
and POLLER_* environment variables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			bootLogger := logging.New(app.ServiceName, version.Short())

			cfg, err := config.Load(configPath)
			if err != nil {
				bootLogger.Error().Err(err).Msg("Failed to load configuration")
				return err
			}

			logger := logging.NewWithConfig(app.ServiceName, version.Short(), logging.LogConfig{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				Output:     cfg.Logging.Output,
				TimeFormat: cfg.Logging.TimeFormat,
			})
			logger.Info().Str("env", cfg.Environment).Str("version", version.Full()).Msg("Configuration loaded")

			if err := app.Run(ctx, cfg, logger); err != nil {
				logger.Error().Err(err).Msg("Modbus poller failed")
				return err
			}
			return nil
		},
	}
)

// Execute runs the modbus-poller CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.AddCommand(newConfigCmd())
}
