// Package main is the CLI entry point for cobrowse.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/utils/clock"

	"github.com/iujab/vm-terminal-sub000/internal/config"
	"github.com/iujab/vm-terminal-sub000/internal/infra"
	"github.com/iujab/vm-terminal-sub000/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cobrowse",
	Short: "Shared browser control for a human and an agent",
	Long: `cobrowse drives one browser on behalf of two actors, a human and an
automation agent. It arbitrates who may act, records sessions, replays them
and exports them as Playwright, Puppeteer or Cypress scripts.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordingsCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	if jsonOutput {
		data, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Fprintln(out, string(data))
		return
	}
	fmt.Fprintf(out, "cobrowse %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
}

// createLogger builds the long-running service logger. Falls back to
// stderr when the log file cannot be opened.
func createLogger(logPath string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if logPath != "" {
		cfg.OutputPaths = []string{logPath}
		cfg.ErrorOutputPaths = []string{logPath}
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// cliLogger is used by one-shot commands.
func cliLogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openRecorder loads config and opens the configured store behind a
// Recorder. The returned close function must be called.
func openRecorder(logger *zap.Logger) (*config.Config, *usecase.Recorder, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	store, closeStore, err := infra.OpenRecordingStore(cfg.Recorder.Store, cfg.Recorder.DataDir)
	if err != nil {
		return nil, nil, nil, err
	}
	rec := usecase.NewRecorder(store, clock.RealClock{}, cfg.Recorder.MaxScreenshotsPerSecond, logger)
	return cfg, rec, closeStore, nil
}
