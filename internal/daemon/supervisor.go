// Package daemon runs the background housekeeping loop of a serve process.
package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
	"github.com/iujab/vm-terminal-sub000/internal/events"
)

// LockSweeper clears control locks whose timeout has passed.
type LockSweeper interface {
	SweepExpiredLocks() bool
}

// SupervisorConfig holds the tick intervals.
type SupervisorConfig struct {
	SweepInterval  time.Duration // lock expiry check
	HealthInterval time.Duration // browser liveness check
}

// DefaultSupervisorConfig returns the default intervals.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		SweepInterval:  time.Second,
		HealthInterval: 5 * time.Second,
	}
}

// BrowserLostEvent is the payload of events.BrowserLost.
type BrowserLostEvent struct {
	PID int `json:"pid"`
}

// Supervisor expires control locks on schedule and watches the browser
// process. A lost browser is reported once per disappearance.
type Supervisor struct {
	config         SupervisorConfig
	sweeper        LockSweeper
	processManager domain.ProcessManager
	browserPID     int
	clock          clock.WithTicker
	events         events.Publisher
	logger         *zap.Logger

	browserLost atomic.Bool
}

// NewSupervisor creates a supervisor. A browserPID of 0 disables the
// liveness check.
func NewSupervisor(
	config SupervisorConfig,
	sweeper LockSweeper,
	pm domain.ProcessManager,
	browserPID int,
	clk clock.WithTicker,
	publisher events.Publisher,
	logger *zap.Logger,
) *Supervisor {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Supervisor{
		config:         config,
		sweeper:        sweeper,
		processManager: pm,
		browserPID:     browserPID,
		clock:          clk,
		events:         publisher,
		logger:         logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.config.SweepInterval <= 0 || s.config.HealthInterval <= 0 {
		return errors.New("supervisor intervals must be positive")
	}

	s.logger.Info("supervisor started",
		zap.Duration("sweep_interval", s.config.SweepInterval),
		zap.Duration("health_interval", s.config.HealthInterval),
		zap.Int("browser_pid", s.browserPID))

	sweepTicker := s.clock.NewTicker(s.config.SweepInterval)
	defer sweepTicker.Stop()

	var healthC <-chan time.Time
	if s.browserPID > 0 && s.processManager != nil {
		healthTicker := s.clock.NewTicker(s.config.HealthInterval)
		defer healthTicker.Stop()
		healthC = healthTicker.C()
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return ctx.Err()

		case <-sweepTicker.C():
			if s.sweeper != nil && s.sweeper.SweepExpiredLocks() {
				s.logger.Debug("expired control lock swept")
			}

		case <-healthC:
			s.checkBrowser()
		}
	}
}

// BrowserLost reports whether the last liveness check failed.
func (s *Supervisor) BrowserLost() bool {
	return s.browserLost.Load()
}

func (s *Supervisor) checkBrowser() {
	running := s.processManager.IsRunning(s.browserPID)
	switch {
	case !running && !s.browserLost.Load():
		s.browserLost.Store(true)
		s.logger.Warn("controlled browser is no longer running", zap.Int("pid", s.browserPID))
		s.events.Publish(events.Event{
			Type: events.BrowserLost,
			Time: s.clock.Now(),
			Data: BrowserLostEvent{PID: s.browserPID},
		})
	case running && s.browserLost.Load():
		s.browserLost.Store(false)
		s.logger.Info("controlled browser is running again", zap.Int("pid", s.browserPID))
	}
}
