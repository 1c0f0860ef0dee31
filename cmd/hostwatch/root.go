package main

import (
	"fmt"
	"io"
	"os"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hostwatch",
	Short: "Host anomaly-scoring agent and collector",
	Long: `hostwatch samples host activity, scores each observation and streams
the scored events to a central collector.

Examples:
  hostwatch agent --config /etc/hostwatch/config.yaml
  hostwatch collector
  hostwatch baseline --duration 10m --out anomaly_model.yaml`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/hostwatch/config.yaml)")

	rootCmd.AddCommand(newAgentCmd())
	rootCmd.AddCommand(newCollectorCmd())
	rootCmd.AddCommand(newBaselineCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// bootstrap loads configuration and initializes logging. The returned
// closer flushes the log file, if any.
func bootstrap() (*config.Config, io.Closer, error) {
	cfg, err := config.LoadConfigFrom(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	closer, err := logger.Init(cfg.LogLevel, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s", cfg.LogLevel, cfg.APIPort)
	return cfg, closer, nil
}
