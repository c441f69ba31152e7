package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
	"github.com/iujab/vm-terminal-sub000/internal/events"
	"github.com/iujab/vm-terminal-sub000/internal/infra"
	"github.com/iujab/vm-terminal-sub000/internal/usecase"
)

var playCmd = &cobra.Command{
	Use:   "play <id>",
	Short: "Replay a recording in a fresh browser",
	Long: `Launches the browser at the recording's start URL and replays every action
with the recorded timing scaled by --speed. Failed actions are reported and the
replay continues.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

var (
	playSpeed    float64
	playHeadless bool
)

func init() {
	playCmd.Flags().Float64Var(&playSpeed, "speed", 1, "Playback speed multiplier (0.1 to 10)")
	playCmd.Flags().BoolVar(&playHeadless, "headless", false, "Run the browser headless")
}

func runPlay(cmd *cobra.Command, args []string) error {
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	cfg, recorder, closeStore, err := openRecorder(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := recorder.GetRecording(args[0])
	if err != nil {
		return err
	}

	opts := browserOptions(cfg)
	opts.Headless = playHeadless
	if rec.StartURL != "" {
		opts.URL = rec.StartURL
	}
	browser, err := infra.LaunchBrowser(opts, logger)
	if err != nil {
		return err
	}
	defer browser.Close()

	ctx, stop := signalContext()
	defer stop()

	bus := events.NewBus(logger)
	defer bus.Close()

	out := cmd.OutOrStdout()
	done := make(chan struct{})
	var finish sync.Once
	sub := bus.Subscribe(func(e events.Event) {
		pe, _ := e.Data.(usecase.PlaybackEvent)
		switch e.Type {
		case events.ActionExecuted:
			fmt.Fprintf(out, "[%d/%d] %s\n", pe.CurrentIndex, pe.TotalActions, describe(pe.Action))
		case events.PlaybackError:
			fmt.Fprintf(out, "[%d/%d] %s failed: %s\n", pe.CurrentIndex, pe.TotalActions, describe(pe.Action), pe.Error)
		case events.PlaybackComplete, events.PlaybackStopped:
			fmt.Fprintf(out, "playback %s\n", e.Type)
			finish.Do(func() { close(done) })
		}
	})
	defer sub.Close()

	player := usecase.NewPlayer(playerConfig(cfg), recorder, browser, clock.RealClock{}, bus, nil, logger)
	state, err := player.StartPlayback(rec.ID, playSpeed)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "playing %s (%d actions at %gx)\n", rec.ID, state.TotalActions, state.Speed)

	select {
	case <-done:
	case <-ctx.Done():
		_, _ = player.StopPlayback()
		<-done
	}
	return nil
}

func describe(a *domain.RecordedAction) string {
	if a == nil {
		return "?"
	}
	return domain.Describe(a.Action)
}
