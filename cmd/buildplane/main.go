package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/drewstone/docker-builder-platform/pkg/config"
	"github.com/drewstone/docker-builder-platform/pkg/logger"
)

var buildVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "buildplane",
	Short:         "Multi-architecture container build platform",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       buildVersion,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error), overrides LOG_LEVEL")
	rootCmd.AddCommand(apiCmd, builderCmd, serveCmd, migrateCmd, ctlCmd, tokenCmd)
}

// loadConfig parses the environment and builds the process logger for service.
func loadConfig(cmd *cobra.Command, service string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	level := cfg.LogLevel
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	return cfg, logger.New(service, logger.ParseLevel(level)), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
