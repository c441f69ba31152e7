// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"time"
)

// Actor identifies one of the two control sources.
type Actor string

const (
	ActorHuman Actor = "human"
	ActorAgent Actor = "agent"
)

// Valid reports whether a is one of the two known actors.
func (a Actor) Valid() bool {
	return a == ActorHuman || a == ActorAgent
}

// ParseActor converts a wire string into an Actor.
func ParseActor(s string) (Actor, error) {
	a := Actor(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown actor %q (want human or agent)", s)
	}
	return a, nil
}

// ControlMode is the process-wide policy restricting which actors may act.
type ControlMode string

const (
	ModeShared    ControlMode = "shared"
	ModeHumanOnly ControlMode = "human-only"
	ModeAgentOnly ControlMode = "agent-only"
	ModeLocked    ControlMode = "locked"
)

// Valid reports whether m is a known control mode.
func (m ControlMode) Valid() bool {
	switch m {
	case ModeShared, ModeHumanOnly, ModeAgentOnly, ModeLocked:
		return true
	}
	return false
}

// Excludes reports whether the mode shuts out the given actor.
// Locked excludes everyone.
func (m ControlMode) Excludes(a Actor) bool {
	switch m {
	case ModeLocked:
		return true
	case ModeHumanOnly:
		return a == ActorAgent
	case ModeAgentOnly:
		return a == ActorHuman
	}
	return false
}

// PriorityClass is the urgency a submitter attaches to an action.
type PriorityClass string

const (
	PriorityImmediate  PriorityClass = "immediate"
	PriorityNormal     PriorityClass = "normal"
	PriorityBackground PriorityClass = "background"
)

// Numeric priorities. Human requests outrank agent requests at equal urgency.
const (
	PriorityHumanImmediate = 100
	PriorityHumanNormal    = 80
	PriorityAgentImmediate = 60
	PriorityAgentNormal    = 40
	PriorityBackgroundAny  = 10
)

// Priority maps an actor and class to its numeric priority.
func Priority(actor Actor, class PriorityClass) (int, error) {
	switch class {
	case PriorityBackground:
		return PriorityBackgroundAny, nil
	case PriorityImmediate:
		if actor == ActorHuman {
			return PriorityHumanImmediate, nil
		}
		return PriorityAgentImmediate, nil
	case PriorityNormal, "":
		if actor == ActorHuman {
			return PriorityHumanNormal, nil
		}
		return PriorityAgentNormal, nil
	}
	return 0, fmt.Errorf("unknown priority class %q", class)
}

// Lock is a temporary grant of exclusive control to one actor.
type Lock struct {
	Holder    Actor
	ExpiresAt time.Time
}

// ActionResult is the outcome of one executed (or rejected) action.
type ActionResult struct {
	ActionID   string `json:"actionId,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// QueuedAction is an accepted action waiting for the drain loop.
type QueuedAction struct {
	ID          string
	Source      Actor
	Action      Action
	Priority    int
	SubmittedAt time.Time
	Seq         uint64 // submission order, breaks SubmittedAt ties
}

// HistoryEntry records what happened to an action once it left the queue.
type HistoryEntry struct {
	ID          string        `json:"id"`
	Source      Actor         `json:"source"`
	Action      Action        `json:"-"`
	SubmittedAt time.Time     `json:"submittedAt"`
	Result      ActionResult  `json:"result"`
	Duration    time.Duration `json:"-"`
}

// ControlState is the externally visible coordinator snapshot.
type ControlState struct {
	Mode             ControlMode   `json:"mode"`
	LockedBy         Actor         `json:"lockedBy,omitempty"`
	LockExpiry       *time.Time    `json:"lockExpiry,omitempty"`
	ActiveController Actor         `json:"activeController,omitempty"`
	QueueLength      int           `json:"queueLength"`
	LastAction       *HistoryEntry `json:"lastAction,omitempty"`
}

// Recording is an ordered capture of executed actions and screenshots.
// Timestamps are Unix milliseconds.
type Recording struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	StartTime   int64                `json:"startTime"`
	EndTime     *int64               `json:"endTime,omitempty"`
	StartURL    string               `json:"startUrl"`
	Actions     []RecordedAction     `json:"actions"`
	Screenshots []RecordedScreenshot `json:"screenshots"`
}

// RecordedAction is one captured action within a Recording.
type RecordedAction struct {
	ID        string
	Timestamp int64
	Action    Action
	Result    *ActionResult
}

// RecordedScreenshot is an image captured during recording, optionally
// linked to the RecordedAction it followed.
type RecordedScreenshot struct {
	ID          string `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	Image       []byte `json:"image"`
	AfterAction string `json:"afterAction,omitempty"`
}

// RecordingSummary is the listing view of a Recording.
type RecordingSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	StartTime       int64  `json:"startTime"`
	EndTime         *int64 `json:"endTime,omitempty"`
	StartURL        string `json:"startUrl"`
	ActionCount     int    `json:"actionCount"`
	ScreenshotCount int    `json:"screenshotCount"`
	DurationMs      int64  `json:"durationMs"`
}

// Summary builds the listing view of r.
func (r *Recording) Summary() RecordingSummary {
	s := RecordingSummary{
		ID:              r.ID,
		Name:            r.Name,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		StartURL:        r.StartURL,
		ActionCount:     len(r.Actions),
		ScreenshotCount: len(r.Screenshots),
	}
	if r.EndTime != nil {
		s.DurationMs = *r.EndTime - r.StartTime
	}
	return s
}

// Clone returns a deep copy so in-memory playback results never leak into
// the stored document.
func (r *Recording) Clone() *Recording {
	out := *r
	if r.EndTime != nil {
		end := *r.EndTime
		out.EndTime = &end
	}
	out.Actions = make([]RecordedAction, len(r.Actions))
	for i, a := range r.Actions {
		out.Actions[i] = a
		if a.Result != nil {
			res := *a.Result
			out.Actions[i].Result = &res
		}
	}
	out.Screenshots = make([]RecordedScreenshot, len(r.Screenshots))
	copy(out.Screenshots, r.Screenshots)
	return &out
}

// PlaybackState is a snapshot of the active playback.
type PlaybackState struct {
	RecordingID  string    `json:"recordingId"`
	CurrentIndex int       `json:"currentIndex"`
	TotalActions int       `json:"totalActions"`
	Speed        float64   `json:"speed"`
	IsPaused     bool      `json:"isPaused"`
	IsPlaying    bool      `json:"isPlaying"`
	StartedAt    time.Time `json:"startedAt"`
}

// Progress returns the completed fraction in [0, 1].
func (s PlaybackState) Progress() float64 {
	if s.TotalActions == 0 {
		return 0
	}
	return float64(s.CurrentIndex) / float64(s.TotalActions)
}
