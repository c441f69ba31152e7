// Package config handles YAML configuration parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDirName is the per-user state directory under $HOME.
const DefaultDirName = ".cobrowse"

// Config is the root configuration structure.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Browser     BrowserConfig     `yaml:"browser"`
	Server      ServerConfig      `yaml:"server"`
}

// CoordinatorConfig tunes control arbitration.
type CoordinatorConfig struct {
	Quantum            time.Duration `yaml:"quantum"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	DefaultLockTimeout time.Duration `yaml:"default_lock_timeout"`
	MaxLockTimeout     time.Duration `yaml:"max_lock_timeout"`
	HistorySize        int           `yaml:"history_size"`
	ConflictRadius     float64       `yaml:"conflict_radius"`
}

// RecorderConfig selects the recording store.
type RecorderConfig struct {
	Store                   string  `yaml:"store"` // "file" or "encrypted"
	DataDir                 string  `yaml:"data_dir"`
	MaxScreenshotsPerSecond float64 `yaml:"max_screenshots_per_second"` // 0 = unlimited
}

// PlaybackConfig bounds replay timing.
type PlaybackConfig struct {
	MaxDelay time.Duration `yaml:"max_delay"`
	MinSpeed float64       `yaml:"min_speed"`
	MaxSpeed float64       `yaml:"max_speed"`
}

// BrowserConfig describes the controlled browser.
type BrowserConfig struct {
	URL                string        `yaml:"url"`
	Headless           bool          `yaml:"headless"`
	Width              int           `yaml:"width"`
	Height             int           `yaml:"height"`
	ProfileDir         string        `yaml:"profile_dir"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	CaptureScreenshots bool          `yaml:"capture_screenshots"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	LogPath string `yaml:"log_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Quantum:            50 * time.Millisecond,
			SweepInterval:      time.Second,
			DefaultLockTimeout: 30 * time.Second,
			MaxLockTimeout:     5 * time.Minute,
			HistorySize:        1000,
			ConflictRadius:     50,
		},
		Recorder: RecorderConfig{
			Store:   "file",
			DataDir: filepath.Join("~", DefaultDirName),
		},
		Playback: PlaybackConfig{
			MaxDelay: 5 * time.Second,
			MinSpeed: 0.1,
			MaxSpeed: 10,
		},
		Browser: BrowserConfig{
			URL:            "about:blank",
			Headless:       true,
			Width:          1280,
			Height:         800,
			HealthInterval: 5 * time.Second,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

// DefaultPath returns ~/.cobrowse/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), DefaultDirName, "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg.finish()
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg.finish()
}

func (c *Config) finish() (*Config, error) {
	c.Recorder.DataDir = ExpandHome(c.Recorder.DataDir)
	c.Browser.ProfileDir = ExpandHome(c.Browser.ProfileDir)
	c.Server.LogPath = ExpandHome(c.Server.LogPath)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects values the engines cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Coordinator.Quantum < 0 {
		errs = append(errs, fmt.Errorf("coordinator.quantum must not be negative, got %s", c.Coordinator.Quantum))
	}
	positive("coordinator.sweep_interval", c.Coordinator.SweepInterval)
	positive("coordinator.default_lock_timeout", c.Coordinator.DefaultLockTimeout)
	positive("coordinator.max_lock_timeout", c.Coordinator.MaxLockTimeout)
	positive("playback.max_delay", c.Playback.MaxDelay)
	positive("browser.health_interval", c.Browser.HealthInterval)

	if c.Coordinator.DefaultLockTimeout > c.Coordinator.MaxLockTimeout {
		errs = append(errs, errors.New("coordinator.default_lock_timeout exceeds max_lock_timeout"))
	}
	if c.Coordinator.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.history_size must be positive, got %d", c.Coordinator.HistorySize))
	}
	if c.Coordinator.ConflictRadius < 0 {
		errs = append(errs, errors.New("coordinator.conflict_radius must not be negative"))
	}

	switch c.Recorder.Store {
	case "file", "encrypted":
	default:
		errs = append(errs, fmt.Errorf("recorder.store must be file or encrypted, got %q", c.Recorder.Store))
	}
	if c.Recorder.DataDir == "" {
		errs = append(errs, errors.New("recorder.data_dir is required"))
	}
	if c.Recorder.MaxScreenshotsPerSecond < 0 {
		errs = append(errs, errors.New("recorder.max_screenshots_per_second must not be negative"))
	}

	if c.Playback.MinSpeed <= 0 || c.Playback.MaxSpeed < c.Playback.MinSpeed {
		errs = append(errs, fmt.Errorf("playback speed range [%g, %g] is invalid", c.Playback.MinSpeed, c.Playback.MaxSpeed))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	return errors.Join(errs...)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
