// Package commands wires the CLI to the transfer engine.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudhaul/cloudhaul/internal/config"
	"github.com/cloudhaul/cloudhaul/internal/logging"
	"github.com/cloudhaul/cloudhaul/internal/metrics"
)

// Version information set by main via ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cloudhaul",
	Short: "Bulk cloud object-storage transfers",
	Long: `cloudhaul moves data between local files and cloud object storage:
uploads, downloads, server-side copies, cross-provider daisy-chain copies,
and sorted container listings for synchronization.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = fmt.Sprintf("%s (%s)", Version, Commit)
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file")
	rootCmd.AddCommand(cpCmd)
	rootCmd.AddCommand(lsCmd)
}

// setup loads config, initializes logging and metrics.
func setup() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, err
	}

	logging.Setup(cfg.Logging)

	if cfg.Metrics.Enabled {
		metrics.Init("cloudhaul")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				logging.Component("metrics").Error("metrics server exited", "error", err)
			}
		}()
	}

	return cfg, nil
}
