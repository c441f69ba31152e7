package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/iujab/vm-terminal-sub000/internal/config"
	"github.com/iujab/vm-terminal-sub000/internal/daemon"
	"github.com/iujab/vm-terminal-sub000/internal/domain"
	"github.com/iujab/vm-terminal-sub000/internal/events"
	"github.com/iujab/vm-terminal-sub000/internal/export"
	"github.com/iujab/vm-terminal-sub000/internal/infra"
	"github.com/iujab/vm-terminal-sub000/internal/server"
	"github.com/iujab/vm-terminal-sub000/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Launch the browser and serve the control channel",
	Long: `Launches the controlled browser and serves the HTTP API, the WebSocket
control channel at /ws and Prometheus metrics at /metrics until interrupted.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger := createLogger(cfg.Server.LogPath)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext()
	defer stop()

	store, closeStore, err := infra.OpenRecordingStore(cfg.Recorder.Store, cfg.Recorder.DataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	browser, err := infra.LaunchBrowser(browserOptions(cfg), logger)
	if err != nil {
		return err
	}
	defer browser.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := infra.NewMetrics(reg)

	bus := events.NewBus(logger)
	defer bus.Close()

	clk := clock.RealClock{}
	coordinator := usecase.NewCoordinator(coordinatorConfig(cfg), browser, clk, bus, metrics, logger)
	defer coordinator.Close()

	recorder := usecase.NewRecorder(store, clk, cfg.Recorder.MaxScreenshotsPerSecond, logger)
	var shots domain.ScreenshotSource
	if cfg.Browser.CaptureScreenshots {
		shots = browser
	}
	coordinator.AddSink(usecase.NewRecordingSink(recorder, shots, logger))

	player := usecase.NewPlayer(playerConfig(cfg), recorder, browser, clk, bus, metrics, logger)
	defer func() { _, _ = player.StopPlayback() }()

	supervisor := daemon.NewSupervisor(daemon.SupervisorConfig{
		SweepInterval:  cfg.Coordinator.SweepInterval,
		HealthInterval: cfg.Browser.HealthInterval,
	}, coordinator, infra.NewProcessManager(), browser.PID(), clk, bus, logger)

	srv := server.New(server.Deps{
		Coordinator: coordinator,
		Recorder:    recorder,
		Player:      player,
		Formats:     export.NewRegistry(),
		Bus:         bus,
		Gatherer:    reg,
		StartURL: func() string {
			u, err := browser.CurrentURL()
			if err != nil {
				return ""
			}
			return u
		},
	}, logger)

	fmt.Fprintf(cmd.OutOrStdout(), "cobrowse serving on http://%s (browser pid %d)\n", cfg.Server.Addr, browser.PID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })

	err = g.Wait()
	if recorder.IsRecording() {
		if _, serr := recorder.StopRecording(); serr != nil {
			logger.Error("failed to save active recording on shutdown", zap.Error(serr))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("cobrowse stopped")
	return nil
}

func browserOptions(cfg *config.Config) infra.BrowserOptions {
	return infra.BrowserOptions{
		URL:        cfg.Browser.URL,
		Headless:   cfg.Browser.Headless,
		Width:      cfg.Browser.Width,
		Height:     cfg.Browser.Height,
		ProfileDir: cfg.Browser.ProfileDir,
	}
}

func coordinatorConfig(cfg *config.Config) usecase.CoordinatorConfig {
	return usecase.CoordinatorConfig{
		Quantum:            cfg.Coordinator.Quantum,
		DefaultLockTimeout: cfg.Coordinator.DefaultLockTimeout,
		MaxLockTimeout:     cfg.Coordinator.MaxLockTimeout,
		HistorySize:        cfg.Coordinator.HistorySize,
		ConflictRadius:     cfg.Coordinator.ConflictRadius,
	}
}

func playerConfig(cfg *config.Config) usecase.PlayerConfig {
	return usecase.PlayerConfig{
		MaxDelay: cfg.Playback.MaxDelay,
		MinSpeed: cfg.Playback.MinSpeed,
		MaxSpeed: cfg.Playback.MaxSpeed,
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
