package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
	"github.com/iujab/vm-terminal-sub000/internal/events"
)

// RecordingLoader loads sealed recordings for playback.
type RecordingLoader interface {
	GetRecording(id string) (*domain.Recording, error)
}

// PlayerConfig holds playback limits.
type PlayerConfig struct {
	MaxDelay time.Duration // Cap on the gap between two steps
	MinSpeed float64
	MaxSpeed float64
}

// DefaultPlayerConfig returns default playback limits.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		MaxDelay: 5 * time.Second,
		MinSpeed: 0.1,
		MaxSpeed: 10,
	}
}

// PlaybackEvent is the payload of every playback event.
type PlaybackEvent struct {
	RecordingID  string                     `json:"recordingId"`
	CurrentIndex int                        `json:"currentIndex"`
	TotalActions int                        `json:"totalActions"`
	Progress     float64                    `json:"progress"`
	Action       *domain.RecordedAction     `json:"action,omitempty"`
	Screenshot   *domain.RecordedScreenshot `json:"screenshot,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

type playback struct {
	rec       *domain.Recording
	index     int
	speed     float64
	paused    bool
	startedAt time.Time

	// cancel is closed to stop the current run goroutine. nil while paused.
	cancel chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
}

// Player replays a sealed recording through the executor at scaled timing.
// At most one playback is active at a time.
type Player struct {
	config   PlayerConfig
	loader   RecordingLoader
	executor domain.ActionExecutor
	clock    clock.Clock
	events   events.Publisher
	metrics  domain.Metrics
	logger   *zap.Logger

	mu sync.Mutex
	pb *playback

	// stepMu serializes steps so a resume racing an in-flight step never
	// executes the same index twice.
	stepMu sync.Mutex
}

// NewPlayer creates a player. publisher and metrics may be nil.
func NewPlayer(
	config PlayerConfig,
	loader RecordingLoader,
	executor domain.ActionExecutor,
	clk clock.Clock,
	publisher events.Publisher,
	metrics domain.Metrics,
	logger *zap.Logger,
) *Player {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Player{
		config:   config,
		loader:   loader,
		executor: executor,
		clock:    clk,
		events:   publisher,
		metrics:  metrics,
		logger:   logger,
	}
}

// StartPlayback loads the recording and starts replaying from index 0.
func (p *Player) StartPlayback(id string, speed float64) (domain.PlaybackState, error) {
	p.mu.Lock()
	if p.pb != nil {
		current := p.pb.rec.ID
		p.mu.Unlock()
		return domain.PlaybackState{}, fmt.Errorf("%w: %s", domain.ErrPlaybackActive, current)
	}
	p.mu.Unlock()

	rec, err := p.loader.GetRecording(id)
	if err != nil {
		return domain.PlaybackState{}, err
	}
	if len(rec.Actions) == 0 {
		return domain.PlaybackState{}, fmt.Errorf("%w: %s", domain.ErrEmptyRecording, id)
	}

	ctx, stop := context.WithCancel(context.Background())
	pb := &playback{
		rec:       rec.Clone(),
		speed:     p.clampSpeed(speed),
		startedAt: p.clock.Now(),
		cancel:    make(chan struct{}),
		ctx:       ctx,
		stop:      stop,
	}

	p.mu.Lock()
	if p.pb != nil {
		current := p.pb.rec.ID
		p.mu.Unlock()
		stop()
		return domain.PlaybackState{}, fmt.Errorf("%w: %s", domain.ErrPlaybackActive, current)
	}
	p.pb = pb
	state := stateOf(pb)
	p.mu.Unlock()

	p.metrics.PlaybackStarted()
	p.logger.Info("playback started",
		zap.String("recording_id", id),
		zap.Int("actions", len(pb.rec.Actions)),
		zap.Float64("speed", pb.speed))
	p.publish(events.PlaybackStarted, pb, nil)

	go p.run(pb, pb.cancel)
	return state, nil
}

// PausePlayback cancels the pending step and keeps the current index.
func (p *Player) PausePlayback() (domain.PlaybackState, error) {
	p.mu.Lock()
	pb := p.pb
	if pb == nil {
		p.mu.Unlock()
		return domain.PlaybackState{}, domain.ErrNoPlayback
	}
	if pb.paused {
		state := stateOf(pb)
		p.mu.Unlock()
		return state, nil
	}
	pb.paused = true
	close(pb.cancel)
	pb.cancel = nil
	state := stateOf(pb)
	p.mu.Unlock()

	p.logger.Info("playback paused", zap.String("recording_id", pb.rec.ID), zap.Int("index", state.CurrentIndex))
	p.publish(events.PlaybackPaused, pb, nil)
	return state, nil
}

// ResumePlayback continues from the current index.
func (p *Player) ResumePlayback() (domain.PlaybackState, error) {
	p.mu.Lock()
	pb := p.pb
	if pb == nil {
		p.mu.Unlock()
		return domain.PlaybackState{}, domain.ErrNoPlayback
	}
	if !pb.paused {
		p.mu.Unlock()
		return domain.PlaybackState{}, domain.ErrNotPaused
	}
	pb.paused = false
	pb.cancel = make(chan struct{})
	cancel := pb.cancel
	state := stateOf(pb)
	p.mu.Unlock()

	p.logger.Info("playback resumed", zap.String("recording_id", pb.rec.ID), zap.Int("index", state.CurrentIndex))
	p.publish(events.PlaybackResumed, pb, nil)
	go p.run(pb, cancel)
	return state, nil
}

// StepForward executes exactly one action while paused and stays paused.
// The final step completes the playback.
func (p *Player) StepForward() (domain.PlaybackState, error) {
	p.mu.Lock()
	pb := p.pb
	if pb == nil {
		p.mu.Unlock()
		return domain.PlaybackState{}, domain.ErrNoPlayback
	}
	if !pb.paused {
		p.mu.Unlock()
		return domain.PlaybackState{}, domain.ErrNotPaused
	}
	p.mu.Unlock()

	p.step(pb, nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	return stateOf(pb), nil
}

// StopPlayback discards the active playback immediately.
func (p *Player) StopPlayback() (domain.PlaybackState, error) {
	p.mu.Lock()
	pb := p.pb
	if pb == nil {
		p.mu.Unlock()
		return domain.PlaybackState{}, domain.ErrNoPlayback
	}
	p.pb = nil
	if pb.cancel != nil {
		close(pb.cancel)
		pb.cancel = nil
	}
	state := stateOf(pb)
	state.IsPlaying = false
	p.mu.Unlock()

	pb.stop()
	p.metrics.PlaybackFinished(false)
	p.logger.Info("playback stopped", zap.String("recording_id", pb.rec.ID), zap.Int("index", state.CurrentIndex))
	p.publish(events.PlaybackStopped, pb, nil)
	return state, nil
}

// SetPlaybackSpeed changes the speed used for future delays.
func (p *Player) SetPlaybackSpeed(speed float64) (domain.PlaybackState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pb == nil {
		return domain.PlaybackState{}, domain.ErrNoPlayback
	}
	p.pb.speed = p.clampSpeed(speed)
	return stateOf(p.pb), nil
}

// State returns the active playback, if any.
func (p *Player) State() (domain.PlaybackState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pb == nil {
		return domain.PlaybackState{}, false
	}
	return stateOf(p.pb), true
}

func (p *Player) run(pb *playback, cancel chan struct{}) {
	for {
		delay, more := p.step(pb, cancel)
		if !more {
			return
		}
		if delay <= 0 {
			select {
			case <-cancel:
				return
			default:
			}
			continue
		}
		timer := p.clock.NewTimer(delay)
		select {
		case <-timer.C():
		case <-cancel:
			timer.Stop()
			return
		}
	}
}

// step executes the action at the current index. It returns the delay
// before the next step and whether another step remains.
func (p *Player) step(pb *playback, cancel chan struct{}) (time.Duration, bool) {
	p.stepMu.Lock()
	defer p.stepMu.Unlock()

	p.mu.Lock()
	if p.pb != pb || cancelled(cancel) {
		p.mu.Unlock()
		return 0, false
	}
	idx := pb.index
	ra := pb.rec.Actions[idx]
	p.mu.Unlock()

	p.publish(events.ActionExecuting, pb, func(e *PlaybackEvent) {
		e.CurrentIndex = idx
		e.Action = &ra
	})

	start := p.clock.Now()
	err := p.execute(pb.ctx, ra.Action)
	result := domain.ActionResult{ActionID: ra.ID, Success: err == nil, DurationMs: p.clock.Since(start).Milliseconds()}
	if err != nil {
		result.Error = err.Error()
	}

	p.mu.Lock()
	if p.pb != pb {
		p.mu.Unlock()
		return 0, false
	}
	pb.rec.Actions[idx].Result = &result
	pb.index = idx + 1
	done := pb.index >= len(pb.rec.Actions)
	var delay time.Duration
	if !done {
		next := pb.rec.Actions[pb.index]
		delay = p.delay(ra.Timestamp, next.Timestamp, pb.speed)
	} else {
		p.pb = nil
	}
	executed := pb.rec.Actions[idx]
	p.mu.Unlock()

	if err != nil {
		p.metrics.PlaybackActionFailed()
		p.logger.Warn("playback action failed",
			zap.String("recording_id", pb.rec.ID),
			zap.Int("index", idx),
			zap.String("kind", string(ra.Action.Kind())),
			zap.Error(err))
		p.publish(events.PlaybackError, pb, func(e *PlaybackEvent) {
			e.CurrentIndex = idx
			e.Action = &executed
			e.Error = err.Error()
		})
	} else {
		p.publish(events.ActionExecuted, pb, func(e *PlaybackEvent) {
			e.CurrentIndex = idx
			e.Action = &executed
		})
	}

	for i := range pb.rec.Screenshots {
		if pb.rec.Screenshots[i].AfterAction == ra.ID {
			shot := pb.rec.Screenshots[i]
			p.publish(events.ScreenshotDisplayed, pb, func(e *PlaybackEvent) {
				e.CurrentIndex = idx
				e.Screenshot = &shot
			})
		}
	}

	if done {
		pb.stop()
		p.metrics.PlaybackFinished(true)
		p.logger.Info("playback complete", zap.String("recording_id", pb.rec.ID))
		p.publish(events.PlaybackComplete, pb, nil)
		return 0, false
	}
	return delay, true
}

func (p *Player) execute(ctx context.Context, a domain.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return p.executor.Execute(ctx, a)
}

// delay scales the recorded gap by speed and clamps it to [0, MaxDelay].
func (p *Player) delay(from, to int64, speed float64) time.Duration {
	d := time.Duration(float64(to-from) / speed * float64(time.Millisecond))
	if d < 0 {
		return 0
	}
	if p.config.MaxDelay > 0 && d > p.config.MaxDelay {
		return p.config.MaxDelay
	}
	return d
}

func (p *Player) clampSpeed(speed float64) float64 {
	if speed < p.config.MinSpeed {
		return p.config.MinSpeed
	}
	if speed > p.config.MaxSpeed {
		return p.config.MaxSpeed
	}
	return speed
}

func (p *Player) publish(t events.Type, pb *playback, mutate func(*PlaybackEvent)) {
	p.mu.Lock()
	e := PlaybackEvent{
		RecordingID:  pb.rec.ID,
		CurrentIndex: pb.index,
		TotalActions: len(pb.rec.Actions),
	}
	p.mu.Unlock()
	if mutate != nil {
		mutate(&e)
	}
	if e.TotalActions > 0 {
		e.Progress = float64(e.CurrentIndex) / float64(e.TotalActions)
	}
	p.events.Publish(events.Event{Type: t, Time: p.clock.Now(), Data: e})
}

func stateOf(pb *playback) domain.PlaybackState {
	return domain.PlaybackState{
		RecordingID:  pb.rec.ID,
		CurrentIndex: pb.index,
		TotalActions: len(pb.rec.Actions),
		Speed:        pb.speed,
		IsPaused:     pb.paused,
		IsPlaying:    !pb.paused,
		StartedAt:    pb.startedAt,
	}
}

func cancelled(ch chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
