package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// Recorder captures executed actions and screenshots into a single active
// Recording and persists it when stopped.
type Recorder struct {
	store   domain.RecordingStore
	clock   clock.PassiveClock
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	current *domain.Recording
}

// NewRecorder creates a recorder. maxScreenshotsPerSecond <= 0 disables
// screenshot throttling.
func NewRecorder(
	store domain.RecordingStore,
	clk clock.PassiveClock,
	maxScreenshotsPerSecond float64,
	logger *zap.Logger,
) *Recorder {
	r := &Recorder{
		store:  store,
		clock:  clk,
		logger: logger,
	}
	if maxScreenshotsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(maxScreenshotsPerSecond), 1)
	}
	return r
}

// StartRecording begins a new recording.
// Returns domain.ErrRecordingActive if one is already in progress.
func (r *Recorder) StartRecording(name, startURL string) (*domain.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecordingActive, r.current.ID)
	}
	if name == "" {
		name = fmt.Sprintf("Recording %s", r.clock.Now().Format("2006-01-02 15:04:05"))
	}
	r.current = &domain.Recording{
		ID:          uuid.NewString(),
		Name:        name,
		StartTime:   r.clock.Now().UnixMilli(),
		StartURL:    startURL,
		Actions:     []domain.RecordedAction{},
		Screenshots: []domain.RecordedScreenshot{},
	}

	r.logger.Info("recording started",
		zap.String("recording_id", r.current.ID),
		zap.String("name", name),
		zap.String("start_url", startURL))
	return r.current.Clone(), nil
}

// RecordAction appends an action to the active recording. Returns nil when
// no recording is active.
func (r *Recorder) RecordAction(action domain.Action, result *domain.ActionResult) *domain.RecordedAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || action == nil {
		return nil
	}
	ra := domain.RecordedAction{
		ID:        uuid.NewString(),
		Timestamp: r.clock.Now().UnixMilli(),
		Action:    action,
	}
	if result != nil {
		res := *result
		ra.Result = &res
	}
	r.current.Actions = append(r.current.Actions, ra)
	return &ra
}

// RecordScreenshot appends an image to the active recording, linked to
// afterAction when non-empty. Returns nil when idle or throttled.
func (r *Recorder) RecordScreenshot(image []byte, afterAction string) *domain.RecordedScreenshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || len(image) == 0 {
		return nil
	}
	now := r.clock.Now()
	if r.limiter != nil && !r.limiter.AllowN(now, 1) {
		r.logger.Debug("screenshot throttled", zap.String("recording_id", r.current.ID))
		return nil
	}
	shot := domain.RecordedScreenshot{
		ID:          uuid.NewString(),
		Timestamp:   now.UnixMilli(),
		Image:       image,
		AfterAction: afterAction,
	}
	r.current.Screenshots = append(r.current.Screenshots, shot)
	return &shot
}

// StopRecording seals and persists the active recording. If the store
// fails the recording stays active so the caller can retry.
func (r *Recorder) StopRecording() (*domain.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil, domain.ErrNoActiveRecording
	}
	sealed := r.current.Clone()
	end := r.clock.Now().UnixMilli()
	sealed.EndTime = &end

	if err := r.store.Put(sealed); err != nil {
		return nil, fmt.Errorf("failed to save recording %s: %w", sealed.ID, err)
	}
	r.current = nil

	r.logger.Info("recording stopped",
		zap.String("recording_id", sealed.ID),
		zap.Int("actions", len(sealed.Actions)),
		zap.Int("screenshots", len(sealed.Screenshots)))
	return sealed, nil
}

// IsRecording reports whether a recording is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Current returns a copy of the active recording, or nil.
func (r *Recorder) Current() *domain.Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.Clone()
}

// ListRecordings returns summaries of stored recordings, newest first.
// Unreadable documents are logged and skipped.
func (r *Recorder) ListRecordings() ([]domain.RecordingSummary, error) {
	recs, skipped, err := r.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	for _, s := range skipped {
		r.logger.Warn("skipping unreadable recording",
			zap.String("key", s.Key),
			zap.Error(s.Err))
	}

	out := make([]domain.RecordingSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime > out[j].StartTime
	})
	return out, nil
}

// GetRecording loads a sealed recording by id.
func (r *Recorder) GetRecording(id string) (*domain.Recording, error) {
	return r.store.Get(id)
}

// DeleteRecording removes a stored recording. Returns false if absent.
func (r *Recorder) DeleteRecording(id string) (bool, error) {
	deleted, err := r.store.Delete(id)
	if err != nil {
		return false, fmt.Errorf("failed to delete recording %s: %w", id, err)
	}
	if deleted {
		r.logger.Info("recording deleted", zap.String("recording_id", id))
	}
	return deleted, nil
}

// SaveRecording stores an externally produced recording (e.g. an import).
func (r *Recorder) SaveRecording(rec *domain.Recording) error {
	if rec == nil || rec.ID == "" {
		return errors.New("recording id is required")
	}
	if err := r.store.Put(rec); err != nil {
		return fmt.Errorf("failed to save recording %s: %w", rec.ID, err)
	}
	r.logger.Info("recording saved", zap.String("recording_id", rec.ID))
	return nil
}

// RecordingSink feeds coordinator executions into the recorder and
// captures a screenshot after each one.
type RecordingSink struct {
	recorder    *Recorder
	screenshots domain.ScreenshotSource
	logger      *zap.Logger
}

var _ domain.ExecutionSink = (*RecordingSink)(nil)

// NewRecordingSink creates a sink. screenshots may be nil.
func NewRecordingSink(recorder *Recorder, screenshots domain.ScreenshotSource, logger *zap.Logger) *RecordingSink {
	return &RecordingSink{recorder: recorder, screenshots: screenshots, logger: logger}
}

// RecordExecution records the executed action while a recording is active.
func (s *RecordingSink) RecordExecution(ctx context.Context, entry domain.HistoryEntry) {
	if !s.recorder.IsRecording() {
		return
	}
	result := entry.Result
	ra := s.recorder.RecordAction(entry.Action, &result)
	if ra == nil || s.screenshots == nil || !entry.Result.Success {
		return
	}
	img, err := s.screenshots.Screenshot(ctx)
	if err != nil {
		s.logger.Warn("failed to capture screenshot", zap.String("action_id", ra.ID), zap.Error(err))
		return
	}
	s.recorder.RecordScreenshot(img, ra.ID)
}
