package domain

import (
	"context"
	"time"
)

// ActionExecutor performs an action against the controlled target.
// A nil error means success.
// Implementation: go-rod page driver (infra.RodExecutor).
type ActionExecutor interface {
	Execute(ctx context.Context, action Action) error
}

// ScreenshotSource captures the current visual state of the target.
type ScreenshotSource interface {
	// Screenshot returns an encoded image (PNG).
	Screenshot(ctx context.Context) ([]byte, error)
}

// SkippedRecord names a stored document that could not be read.
type SkippedRecord struct {
	Key string
	Err error
}

// RecordingStore is the durable key-value store for sealed recordings.
// Implementations: JSON files (infra.FileRecordingStore) and
// SQLCipher (infra.EncryptedRecordingStore).
type RecordingStore interface {
	// Put writes rec under rec.ID, replacing any previous document.
	Put(rec *Recording) error

	// Get returns the recording or ErrNotFound.
	Get(id string) (*Recording, error)

	// List returns every readable recording. Unreadable documents are
	// reported in skipped and do not fail the call.
	List() (recordings []*Recording, skipped []SkippedRecord, err error)

	// Delete removes a recording. Returns false if it did not exist.
	Delete(id string) (bool, error)
}

// ExecutionSink observes actions after the coordinator executed them.
type ExecutionSink interface {
	RecordExecution(ctx context.Context, entry HistoryEntry)
}

// RejectCategory classifies why an action never executed.
type RejectCategory string

const (
	RejectPolicy    RejectCategory = "policy"
	RejectConflict  RejectCategory = "conflict"
	RejectInvalid   RejectCategory = "invalid"
	RejectCancelled RejectCategory = "cancelled"
)

// Metrics receives engine measurements.
// Implementation: Prometheus collectors (infra.Metrics).
type Metrics interface {
	ActionSubmitted(actor Actor)
	ActionRejected(actor Actor, category RejectCategory)
	ActionExecuted(actor Actor, success bool, d time.Duration)
	QueueDepth(n int)
	PlaybackStarted()
	PlaybackFinished(completed bool)
	PlaybackActionFailed()
}

// ProcessManager handles OS process lookups for the controlled browser.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
