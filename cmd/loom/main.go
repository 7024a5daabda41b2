package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomkit/loom/internal/config"
	"github.com/loomkit/loom/internal/logging"
)

var (
	workingFolder string
	logLevel      string
	logFile       string
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Incremental content build pipeline",
	Long: `Loom builds content collections incrementally.

Every build cycle scans the configured collections, journals what changed,
and renders only the affected artifacts. In watch mode the pipeline stays
resident and rebuilds when files change; a change arriving mid-cycle aborts
the running cycle and starts over.

Configuration is read from loom.yaml in the working folder, with LOOM_*
environment overrides.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workingFolder, "working-folder", "w", ".", "project working folder")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to a rotating file")
	rootCmd.AddCommand(buildCmd, watchCmd, exportCmd, versionCmd)
}

// loadConfig resolves the configuration and builds the logger, applying
// command-line overrides on top of loom.yaml.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(workingFolder)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
