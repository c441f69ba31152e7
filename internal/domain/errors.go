package domain

import "errors"

var (
	// ErrNotFound is returned when a recording id has no stored document.
	ErrNotFound = errors.New("not found")

	ErrRecordingActive   = errors.New("a recording is already in progress")
	ErrNoActiveRecording = errors.New("no recording in progress")

	ErrPlaybackActive = errors.New("a playback is already in progress")
	ErrNoPlayback     = errors.New("no playback in progress")
	ErrNotPaused      = errors.New("playback is not paused")
	ErrEmptyRecording = errors.New("recording has no actions")

	// ErrClosed is returned by components after shutdown.
	ErrClosed = errors.New("closed")
)
