// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
	"github.com/iujab/vm-terminal-sub000/internal/events"
)

// CoordinatorConfig holds arbitration tuning.
type CoordinatorConfig struct {
	Quantum            time.Duration // Pause between executed actions
	DefaultLockTimeout time.Duration // Used when RequestLock gets 0
	MaxLockTimeout     time.Duration // Upper clamp for lock timeouts
	HistorySize        int           // Ring buffer capacity
	ConflictRadius     float64       // Click conflict distance in px
}

// DefaultCoordinatorConfig returns default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Quantum:            50 * time.Millisecond,
		DefaultLockTimeout: 30 * time.Second,
		MaxLockTimeout:     5 * time.Minute,
		HistorySize:        1000,
		ConflictRadius:     domain.DefaultConflictRadius,
	}
}

// SubmitOptions qualifies a submitted action.
type SubmitOptions struct {
	Priority domain.PriorityClass
}

// Submission is the synchronous answer to Submit. When Accepted, Result
// receives exactly one ActionResult once the action completes, is cancelled,
// or is rejected at dequeue time.
type Submission struct {
	Accepted bool
	ActionID string
	Reason   string
	Result   <-chan domain.ActionResult
}

type queuedEntry struct {
	domain.QueuedAction
	result chan domain.ActionResult
}

// Coordinator arbitrates actions from the human and the agent against a
// single executor: control mode, exclusivity lock, priority queue, conflict
// detection, and a single-flight drain loop.
type Coordinator struct {
	config   CoordinatorConfig
	executor domain.ActionExecutor
	clock    clock.Clock
	events   events.Publisher
	metrics  domain.Metrics
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	mode       domain.ControlMode
	lock       *domain.Lock
	queue      []*queuedEntry
	inFlight   *queuedEntry
	active     domain.Actor
	history    *historyRing
	lastAction *domain.HistoryEntry
	counter    uint64
	draining   bool
	closed     bool
	sinks      []domain.ExecutionSink
}

// NewCoordinator creates a coordinator in shared mode.
// publisher and metrics may be nil.
func NewCoordinator(
	config CoordinatorConfig,
	executor domain.ActionExecutor,
	clk clock.Clock,
	publisher events.Publisher,
	metrics domain.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultCoordinatorConfig().HistorySize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config:   config,
		executor: executor,
		clock:    clk,
		events:   publisher,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		mode:     domain.ModeShared,
		history:  newHistoryRing(config.HistorySize),
	}
}

// AddSink registers an observer for executed actions (e.g. the recorder).
func (c *Coordinator) AddSink(sink domain.ExecutionSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Close rejects everything still queued, cancels the in-flight action's
// context and waits for the drain loop to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	dropped := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, e := range dropped {
		c.reject(e, "coordinator closed", domain.RejectPolicy)
	}
	c.cancel()
	c.wg.Wait()
}

// --- control mode and lock ---

// SetMode changes the control mode. The human may always change it; the
// agent may not while the human holds the lock or while the mode is
// human-only or locked. Entering locked rejects every queued action.
func (c *Coordinator) SetMode(mode domain.ControlMode, actor domain.Actor) (bool, string) {
	if !mode.Valid() {
		return false, fmt.Sprintf("unknown control mode %q", mode)
	}
	if !actor.Valid() {
		return false, fmt.Sprintf("unknown actor %q", actor)
	}

	c.mu.Lock()
	if actor != domain.ActorHuman {
		if c.lock != nil && c.lock.Holder != actor {
			c.mu.Unlock()
			return false, fmt.Sprintf("control is locked by %s", c.lock.Holder)
		}
		if c.mode == domain.ModeHumanOnly || c.mode == domain.ModeLocked {
			current := c.mode
			c.mu.Unlock()
			return false, fmt.Sprintf("%s cannot override mode %s", actor, current)
		}
	}

	previous := c.mode
	c.mode = mode
	var dropped []*queuedEntry
	if mode == domain.ModeLocked {
		dropped = c.queue
		c.queue = nil
	}
	c.metrics.QueueDepth(len(c.queue))
	c.kickLocked()
	state := c.stateLocked()
	c.mu.Unlock()

	for _, e := range dropped {
		c.reject(e, "mode changed to locked", domain.RejectPolicy)
	}

	c.logger.Info("control mode changed",
		zap.String("from", string(previous)),
		zap.String("to", string(mode)),
		zap.String("actor", string(actor)))
	c.publishState(state)
	return true, ""
}

// RequestLock grants actor exclusive control for timeout. A zero timeout
// means the configured default; the value is clamped to [0, max].
func (c *Coordinator) RequestLock(actor domain.Actor, timeout time.Duration) (bool, string) {
	if !actor.Valid() {
		return false, fmt.Sprintf("unknown actor %q", actor)
	}
	if timeout == 0 {
		timeout = c.config.DefaultLockTimeout
	}
	if timeout < 0 {
		timeout = 0
	}
	if timeout > c.config.MaxLockTimeout {
		timeout = c.config.MaxLockTimeout
	}

	c.mu.Lock()
	now := c.clock.Now()
	if c.lock != nil && now.After(c.lock.ExpiresAt) {
		c.lock = nil
	}
	switch {
	case c.mode == domain.ModeLocked:
		c.mu.Unlock()
		return false, "control mode is locked"
	case c.mode.Excludes(actor):
		mode := c.mode
		c.mu.Unlock()
		return false, fmt.Sprintf("mode %s excludes %s", mode, actor)
	case c.lock != nil && c.lock.Holder != actor:
		holder := c.lock.Holder
		c.mu.Unlock()
		return false, fmt.Sprintf("control is already locked by %s", holder)
	}

	c.lock = &domain.Lock{Holder: actor, ExpiresAt: now.Add(timeout)}
	state := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("control lock granted",
		zap.String("actor", string(actor)),
		zap.Duration("timeout", timeout))
	c.publishState(state)
	return true, ""
}

// ReleaseLock drops the lock. Succeeds when unlocked, when actor holds the
// lock, or when actor is the human (force release).
func (c *Coordinator) ReleaseLock(actor domain.Actor) (bool, string) {
	c.mu.Lock()
	if c.lock == nil {
		c.mu.Unlock()
		return true, ""
	}
	if c.lock.Holder != actor && actor != domain.ActorHuman {
		holder := c.lock.Holder
		c.mu.Unlock()
		return false, fmt.Sprintf("control is locked by %s", holder)
	}
	holder := c.lock.Holder
	c.lock = nil
	c.kickLocked()
	state := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("control lock released",
		zap.String("holder", string(holder)),
		zap.String("actor", string(actor)))
	c.publishState(state)
	return true, ""
}

// SweepExpiredLocks clears the lock once its expiry has passed and restarts
// draining. Driven by the supervisor tick. Returns true if a lock expired.
func (c *Coordinator) SweepExpiredLocks() bool {
	c.mu.Lock()
	if c.lock == nil || !c.clock.Now().After(c.lock.ExpiresAt) {
		c.mu.Unlock()
		return false
	}
	holder := c.lock.Holder
	c.lock = nil
	c.kickLocked()
	state := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("control lock expired", zap.String("holder", string(holder)))
	c.publishState(state)
	return true
}

// CanPerformAction reports whether actor may act right now.
func (c *Coordinator) CanPerformAction(actor domain.Actor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok, _ := c.canPerformLocked(actor)
	return ok
}

func (c *Coordinator) canPerformLocked(actor domain.Actor) (bool, string) {
	if c.mode == domain.ModeLocked {
		return false, "control mode is locked"
	}
	if c.mode.Excludes(actor) {
		return false, fmt.Sprintf("mode %s excludes %s", c.mode, actor)
	}
	if c.lock != nil && c.lock.Holder != actor {
		return false, fmt.Sprintf("control is locked by %s", c.lock.Holder)
	}
	return true, ""
}

// --- submission ---

// Submit arbitrates and queues an action.
func (c *Coordinator) Submit(actor domain.Actor, action domain.Action, opts SubmitOptions) Submission {
	if !actor.Valid() {
		return c.rejectSubmission(actor, fmt.Sprintf("unknown actor %q", actor), domain.RejectInvalid)
	}
	if action == nil {
		return c.rejectSubmission(actor, "action is required", domain.RejectInvalid)
	}
	if err := action.Validate(); err != nil {
		return c.rejectSubmission(actor, err.Error(), domain.RejectInvalid)
	}
	priority, err := domain.Priority(actor, opts.Priority)
	if err != nil {
		return c.rejectSubmission(actor, err.Error(), domain.RejectInvalid)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.rejectSubmission(actor, "coordinator closed", domain.RejectPolicy)
	}
	if ok, reason := c.canPerformLocked(actor); !ok {
		c.mu.Unlock()
		return c.rejectSubmission(actor, reason, domain.RejectPolicy)
	}

	now := c.clock.Now()
	c.counter++
	entry := &queuedEntry{
		QueuedAction: domain.QueuedAction{
			ID:          fmt.Sprintf("%s-%d-%d", actor, c.counter, now.UnixMilli()),
			Source:      actor,
			Action:      action,
			Priority:    priority,
			SubmittedAt: now,
			Seq:         c.counter,
		},
		result: make(chan domain.ActionResult, 1),
	}

	conflicts := c.conflictsLocked(action)
	var displaced []*queuedEntry
	if len(conflicts) > 0 {
		if c.mode == domain.ModeShared {
			for _, other := range conflicts {
				if other.Priority >= priority {
					c.mu.Unlock()
					return c.rejectSubmission(actor,
						fmt.Sprintf("Conflict with %s action %s (%s, priority %d)",
							other.Source, other.ID, domain.Describe(other.Action), other.Priority),
						domain.RejectConflict)
				}
			}
			for _, other := range conflicts {
				if other == c.inFlight {
					continue
				}
				c.removeLocked(other.ID)
				displaced = append(displaced, other)
			}
		} else {
			for _, other := range conflicts {
				c.logger.Info("conflicting action allowed by mode",
					zap.String("action_id", entry.ID),
					zap.String("conflicts_with", other.ID),
					zap.String("mode", string(c.mode)))
			}
		}
	}

	c.queue = append(c.queue, entry)
	sortQueue(c.queue)
	queueLen := len(c.queue)
	c.metrics.QueueDepth(queueLen)
	c.kickLocked()
	c.mu.Unlock()

	for _, other := range displaced {
		c.reject(other, fmt.Sprintf("Conflict: preempted by higher-priority action %s", entry.ID),
			domain.RejectConflict)
	}

	c.metrics.ActionSubmitted(actor)
	c.logger.Debug("action queued",
		zap.String("action_id", entry.ID),
		zap.String("actor", string(actor)),
		zap.String("kind", string(action.Kind())),
		zap.Int("priority", priority),
		zap.Int("queue_length", queueLen))
	c.events.Publish(events.Event{
		Type: events.ActionQueued,
		Time: now,
		Data: queuedInfo(entry.QueuedAction, queueLen),
	})

	return Submission{Accepted: true, ActionID: entry.ID, Result: entry.result}
}

// conflictsLocked returns every queued or in-flight action conflicting with a.
func (c *Coordinator) conflictsLocked(a domain.Action) []*queuedEntry {
	var out []*queuedEntry
	if c.inFlight != nil && domain.ConflictsWithin(a, c.inFlight.Action, c.config.ConflictRadius) {
		out = append(out, c.inFlight)
	}
	for _, q := range c.queue {
		if domain.ConflictsWithin(a, q.Action, c.config.ConflictRadius) {
			out = append(out, q)
		}
	}
	return out
}

func (c *Coordinator) rejectSubmission(actor domain.Actor, reason string, category domain.RejectCategory) Submission {
	c.metrics.ActionRejected(actor, category)
	c.logger.Info("action rejected",
		zap.String("actor", string(actor)),
		zap.String("category", string(category)),
		zap.String("reason", reason))
	c.events.Publish(events.Event{
		Type: events.ActionRejected,
		Time: c.clock.Now(),
		Data: map[string]any{"source": actor, "reason": reason},
	})
	return Submission{Accepted: false, Reason: reason}
}

// CancelAction removes a queued action. In-flight actions cannot be
// cancelled. Only the originating actor or the human may cancel.
func (c *Coordinator) CancelAction(id string, requestedBy domain.Actor) (bool, string) {
	c.mu.Lock()
	if c.inFlight != nil && c.inFlight.ID == id {
		c.mu.Unlock()
		return false, fmt.Sprintf("action %s is already executing and cannot be cancelled", id)
	}
	var target *queuedEntry
	for _, q := range c.queue {
		if q.ID == id {
			target = q
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return false, fmt.Sprintf("action %s not found in queue", id)
	}
	if requestedBy != target.Source && requestedBy != domain.ActorHuman {
		c.mu.Unlock()
		return false, fmt.Sprintf("only %s or human may cancel action %s", target.Source, id)
	}
	c.removeLocked(id)
	c.metrics.QueueDepth(len(c.queue))
	c.mu.Unlock()

	c.reject(target, fmt.Sprintf("cancelled by %s", requestedBy), domain.RejectCancelled)
	return true, ""
}

func (c *Coordinator) removeLocked(id string) {
	for i, q := range c.queue {
		if q.ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// reject completes an accepted action without executing it. Must be called
// without c.mu held.
func (c *Coordinator) reject(e *queuedEntry, reason string, category domain.RejectCategory) {
	result := domain.ActionResult{ActionID: e.ID, Success: false, Error: reason}
	entry := domain.HistoryEntry{
		ID:          e.ID,
		Source:      e.Source,
		Action:      e.Action,
		SubmittedAt: e.SubmittedAt,
		Result:      result,
	}

	c.mu.Lock()
	c.history.push(entry)
	c.mu.Unlock()

	c.metrics.ActionRejected(e.Source, category)
	c.logger.Info("queued action rejected",
		zap.String("action_id", e.ID),
		zap.String("actor", string(e.Source)),
		zap.String("reason", reason))
	c.events.Publish(events.Event{
		Type: events.ActionRejected,
		Time: c.clock.Now(),
		Data: entry,
	})
	e.result <- result
}

// --- drain loop ---

// kickLocked starts the drain loop unless it is already running.
func (c *Coordinator) kickLocked() {
	if c.draining || c.closed || len(c.queue) == 0 {
		return
	}
	c.draining = true
	c.wg.Add(1)
	go c.drain()
}

func (c *Coordinator) drain() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.closed {
			c.draining = false
			c.active = ""
			state := c.stateLocked()
			c.mu.Unlock()
			c.publishState(state)
			return
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.metrics.QueueDepth(len(c.queue))

		if ok, reason := c.canPerformLocked(next.Source); !ok {
			c.mu.Unlock()
			c.reject(next, reason, domain.RejectPolicy)
			continue
		}
		c.inFlight = next
		c.active = next.Source
		sinks := append([]domain.ExecutionSink(nil), c.sinks...)
		c.mu.Unlock()

		entry := c.execute(next)

		c.mu.Lock()
		c.inFlight = nil
		c.history.push(entry)
		last := entry
		c.lastAction = &last
		c.mu.Unlock()

		for _, sink := range sinks {
			sink.RecordExecution(c.ctx, entry)
		}
		next.result <- entry.Result
		c.events.Publish(events.Event{Type: events.ActionExecute, Time: c.clock.Now(), Data: entry})

		if c.config.Quantum > 0 {
			select {
			case <-c.clock.After(c.config.Quantum):
			case <-c.ctx.Done():
			}
		}
	}
}

func (c *Coordinator) execute(q *queuedEntry) domain.HistoryEntry {
	start := c.clock.Now()
	err := c.safeExecute(q.Action)
	elapsed := c.clock.Since(start)

	result := domain.ActionResult{ActionID: q.ID, Success: err == nil, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		result.Error = err.Error()
		c.logger.Warn("action execution failed",
			zap.String("action_id", q.ID),
			zap.String("actor", string(q.Source)),
			zap.String("kind", string(q.Action.Kind())),
			zap.Error(err))
	} else {
		c.logger.Debug("action executed",
			zap.String("action_id", q.ID),
			zap.String("kind", string(q.Action.Kind())),
			zap.Duration("duration", elapsed))
	}
	c.metrics.ActionExecuted(q.Source, err == nil, elapsed)

	return domain.HistoryEntry{
		ID:          q.ID,
		Source:      q.Source,
		Action:      q.Action,
		SubmittedAt: q.SubmittedAt,
		Result:      result,
		Duration:    elapsed,
	}
}

func (c *Coordinator) safeExecute(a domain.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return c.executor.Execute(c.ctx, a)
}

// --- queries ---

// State returns the current control snapshot.
func (c *Coordinator) State() domain.ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() domain.ControlState {
	s := domain.ControlState{
		Mode:             c.mode,
		ActiveController: c.active,
		QueueLength:      len(c.queue),
	}
	if c.lock != nil {
		s.LockedBy = c.lock.Holder
		expiry := c.lock.ExpiresAt
		s.LockExpiry = &expiry
	}
	if c.lastAction != nil {
		last := *c.lastAction
		s.LastAction = &last
	}
	return s
}

// Queue returns the pending actions in processing order.
func (c *Coordinator) Queue() []domain.QueuedAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.QueuedAction, len(c.queue))
	for i, q := range c.queue {
		out[i] = q.QueuedAction
	}
	return out
}

// History returns up to limit of the newest entries, oldest first.
// limit <= 0 returns everything retained.
func (c *Coordinator) History(limit int) []domain.HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.last(limit)
}

// ClearHistory drops all history entries.
func (c *Coordinator) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = newHistoryRing(c.config.HistorySize)
}

func (c *Coordinator) publishState(s domain.ControlState) {
	c.events.Publish(events.Event{Type: events.StateChanged, Time: c.clock.Now(), Data: s})
}

// sortQueue orders by priority desc, then submission time and order asc.
func sortQueue(q []*queuedEntry) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].Priority != q[j].Priority {
			return q[i].Priority > q[j].Priority
		}
		if !q[i].SubmittedAt.Equal(q[j].SubmittedAt) {
			return q[i].SubmittedAt.Before(q[j].SubmittedAt)
		}
		return q[i].Seq < q[j].Seq
	})
}

func queuedInfo(q domain.QueuedAction, queueLen int) map[string]any {
	return map[string]any{
		"id":          q.ID,
		"source":      q.Source,
		"type":        q.Action.Kind(),
		"priority":    q.Priority,
		"submittedAt": q.SubmittedAt.UnixMilli(),
		"queueLength": queueLen,
	}
}
