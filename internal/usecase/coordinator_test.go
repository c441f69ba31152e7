package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testclock "k8s.io/utils/clock/testing"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// mockExecutor implements domain.ActionExecutor for testing.
// When gate is non-nil every Execute waits for it.
type mockExecutor struct {
	mu       sync.Mutex
	executed []domain.Action
	started  chan domain.Action
	gate     chan struct{}
	failOn   map[domain.ActionKind]error
	panicOn  domain.ActionKind
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{started: make(chan domain.Action, 100)}
}

func (m *mockExecutor) Execute(ctx context.Context, a domain.Action) error {
	m.started <- a
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.Kind() == m.panicOn {
		panic("driver crashed")
	}
	m.mu.Lock()
	m.executed = append(m.executed, a)
	m.mu.Unlock()
	return m.failOn[a.Kind()]
}

func (m *mockExecutor) actions() []domain.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Action, len(m.executed))
	copy(out, m.executed)
	return out
}

func newTestCoordinator(exec domain.ActionExecutor, mutate func(*CoordinatorConfig)) (*Coordinator, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	cfg := DefaultCoordinatorConfig()
	cfg.Quantum = 0
	if mutate != nil {
		mutate(&cfg)
	}
	return NewCoordinator(cfg, exec, clk, nil, nil, zap.NewNop()), clk
}

func waitResult(t *testing.T, s Submission) domain.ActionResult {
	t.Helper()
	require.True(t, s.Accepted, "submission rejected: %s", s.Reason)
	select {
	case r := <-s.Result:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no result for %s", s.ActionID)
	}
	return domain.ActionResult{}
}

func waitStarted(t *testing.T, m *mockExecutor) domain.Action {
	t.Helper()
	select {
	case a := <-m.started:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}
	return nil
}

// TestCoordinator_ExecutesAndRecordsHistory verifies the basic submit path
func TestCoordinator_ExecutesAndRecordsHistory(t *testing.T) {
	exec := newMockExecutor()
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	sub := c.Submit(domain.ActorHuman, domain.Click{X: 10, Y: 20}, SubmitOptions{})
	assert.Contains(t, sub.ActionID, "human-1-")

	res := waitResult(t, sub)
	assert.True(t, res.Success)
	assert.Equal(t, sub.ActionID, res.ActionID)

	history := c.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ActorHuman, history[0].Source)
	assert.Equal(t, domain.Click{X: 10, Y: 20}, history[0].Action)

	assert.Eventually(t, func() bool {
		s := c.State()
		return s.ActiveController == "" && s.LastAction != nil
	}, time.Second, 5*time.Millisecond)
}

// TestCoordinator_PriorityOrdering verifies higher priority drains first and
// equal priority keeps submission order
func TestCoordinator_PriorityOrdering(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	first := c.Submit(domain.ActorAgent, domain.Press{Key: "0"}, SubmitOptions{})
	waitStarted(t, exec)

	subs := []Submission{
		c.Submit(domain.ActorAgent, domain.Press{Key: "bg"}, SubmitOptions{Priority: domain.PriorityBackground}),
		c.Submit(domain.ActorAgent, domain.Press{Key: "agent-1"}, SubmitOptions{}),
		c.Submit(domain.ActorHuman, domain.Press{Key: "human"}, SubmitOptions{}),
		c.Submit(domain.ActorAgent, domain.Press{Key: "agent-2"}, SubmitOptions{}),
		c.Submit(domain.ActorHuman, domain.Press{Key: "urgent"}, SubmitOptions{Priority: domain.PriorityImmediate}),
	}

	queue := c.Queue()
	require.Len(t, queue, 5)
	assert.Equal(t, 100, queue[0].Priority)
	assert.Equal(t, 10, queue[4].Priority)
	assert.Equal(t, 5, c.State().QueueLength)

	close(exec.gate)
	waitResult(t, first)
	for _, s := range subs {
		waitResult(t, s)
	}

	var keys []string
	for _, a := range exec.actions() {
		keys = append(keys, a.(domain.Press).Key)
	}
	assert.Equal(t, []string{"0", "urgent", "human", "agent-1", "agent-2", "bg"}, keys)
}

// TestCoordinator_ConflictRejectsLowerOrEqualPriority verifies an agent click
// next to a pending human click is refused
func TestCoordinator_ConflictRejectsLowerOrEqualPriority(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	human := c.Submit(domain.ActorHuman, domain.Click{X: 100, Y: 100}, SubmitOptions{})
	require.True(t, human.Accepted)

	agent := c.Submit(domain.ActorAgent, domain.Click{X: 110, Y: 105}, SubmitOptions{})
	assert.False(t, agent.Accepted)
	assert.Contains(t, agent.Reason, "Conflict")
	assert.Nil(t, agent.Result)

	far := c.Submit(domain.ActorAgent, domain.Click{X: 400, Y: 400}, SubmitOptions{})
	assert.True(t, far.Accepted)

	close(exec.gate)
	waitResult(t, human)
	waitResult(t, far)
}

// TestCoordinator_ConflictDisplacesLowerPriority verifies a higher priority
// submission evicts a queued conflicting action
func TestCoordinator_ConflictDisplacesLowerPriority(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	blocker := c.Submit(domain.ActorAgent, domain.Press{Key: "x"}, SubmitOptions{})
	waitStarted(t, exec)

	agent := c.Submit(domain.ActorAgent, domain.Scroll{DeltaY: 200}, SubmitOptions{})
	require.True(t, agent.Accepted)

	human := c.Submit(domain.ActorHuman, domain.Scroll{DeltaY: -200}, SubmitOptions{})
	require.True(t, human.Accepted)

	displaced := waitResult(t, agent)
	assert.False(t, displaced.Success)
	assert.Contains(t, displaced.Error, "Conflict")
	assert.Equal(t, 1, c.State().QueueLength)

	close(exec.gate)
	waitResult(t, blocker)
	assert.True(t, waitResult(t, human).Success)
}

// TestCoordinator_InFlightIsNeverDisplaced verifies the executing action is
// treated as a conflict but not preempted
func TestCoordinator_InFlightIsNeverDisplaced(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	agent := c.Submit(domain.ActorAgent, domain.TypeText{Text: "slow"}, SubmitOptions{})
	waitStarted(t, exec)

	human := c.Submit(domain.ActorHuman, domain.TypeText{Text: "fast"}, SubmitOptions{})
	require.True(t, human.Accepted)

	close(exec.gate)
	assert.True(t, waitResult(t, agent).Success)
	assert.True(t, waitResult(t, human).Success)
}

func TestCoordinator_NonSharedModeAllowsConflicts(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	ok, _ := c.SetMode(domain.ModeAgentOnly, domain.ActorHuman)
	require.True(t, ok)

	first := c.Submit(domain.ActorAgent, domain.Click{X: 1, Y: 1}, SubmitOptions{})
	second := c.Submit(domain.ActorAgent, domain.Click{X: 2, Y: 2}, SubmitOptions{})
	assert.True(t, first.Accepted)
	assert.True(t, second.Accepted)

	close(exec.gate)
	waitResult(t, first)
	waitResult(t, second)
}

// TestCoordinator_SubmitValidation verifies malformed submissions are refused
func TestCoordinator_SubmitValidation(t *testing.T) {
	c, _ := newTestCoordinator(newMockExecutor(), nil)
	defer c.Close()

	tests := []struct {
		name   string
		actor  domain.Actor
		action domain.Action
		opts   SubmitOptions
	}{
		{"unknown actor", "robot", domain.Back{}, SubmitOptions{}},
		{"nil action", domain.ActorHuman, nil, SubmitOptions{}},
		{"invalid action", domain.ActorHuman, domain.Navigate{}, SubmitOptions{}},
		{"unknown priority", domain.ActorHuman, domain.Back{}, SubmitOptions{Priority: "asap"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := c.Submit(tt.actor, tt.action, tt.opts)
			assert.False(t, s.Accepted)
			assert.NotEmpty(t, s.Reason)
		})
	}
}

// TestCoordinator_Modes verifies which actor each mode admits
func TestCoordinator_Modes(t *testing.T) {
	tests := []struct {
		mode  domain.ControlMode
		human bool
		agent bool
	}{
		{domain.ModeShared, true, true},
		{domain.ModeHumanOnly, true, false},
		{domain.ModeAgentOnly, false, true},
		{domain.ModeLocked, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			c, _ := newTestCoordinator(newMockExecutor(), nil)
			defer c.Close()

			ok, reason := c.SetMode(tt.mode, domain.ActorHuman)
			require.True(t, ok, reason)
			assert.Equal(t, tt.human, c.CanPerformAction(domain.ActorHuman))
			assert.Equal(t, tt.agent, c.CanPerformAction(domain.ActorAgent))

			s := c.Submit(domain.ActorAgent, domain.Back{}, SubmitOptions{})
			assert.Equal(t, tt.agent, s.Accepted)
			if s.Accepted {
				waitResult(t, s)
			}
		})
	}
}

func TestCoordinator_SetModePermissions(t *testing.T) {
	c, _ := newTestCoordinator(newMockExecutor(), nil)
	defer c.Close()

	ok, _ := c.SetMode(domain.ModeAgentOnly, domain.ActorAgent)
	assert.True(t, ok, "agent may change mode from shared")

	ok, _ = c.SetMode(domain.ModeHumanOnly, domain.ActorHuman)
	require.True(t, ok)

	ok, reason := c.SetMode(domain.ModeShared, domain.ActorAgent)
	assert.False(t, ok)
	assert.Contains(t, reason, "human-only")

	ok, _ = c.SetMode(domain.ModeShared, domain.ActorHuman)
	require.True(t, ok)
	ok, _ = c.RequestLock(domain.ActorHuman, time.Minute)
	require.True(t, ok)

	ok, reason = c.SetMode(domain.ModeAgentOnly, domain.ActorAgent)
	assert.False(t, ok)
	assert.Contains(t, reason, "locked by human")

	ok, _ = c.SetMode("chaos", domain.ActorHuman)
	assert.False(t, ok)
}

// TestCoordinator_LockedModeDropsQueue verifies entering locked rejects
// every pending action
func TestCoordinator_LockedModeDropsQueue(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	blocker := c.Submit(domain.ActorHuman, domain.Press{Key: "a"}, SubmitOptions{})
	waitStarted(t, exec)
	queued := c.Submit(domain.ActorAgent, domain.Press{Key: "b"}, SubmitOptions{})

	ok, _ := c.SetMode(domain.ModeLocked, domain.ActorHuman)
	require.True(t, ok)

	res := waitResult(t, queued)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "locked")
	assert.Equal(t, 0, c.State().QueueLength)

	close(exec.gate)
	assert.True(t, waitResult(t, blocker).Success, "in-flight action completes")
}

// TestCoordinator_DequeueRecheck verifies actions are re-authorized when
// they reach the head of the queue
func TestCoordinator_DequeueRecheck(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	blocker := c.Submit(domain.ActorHuman, domain.Press{Key: "a"}, SubmitOptions{})
	waitStarted(t, exec)
	agent := c.Submit(domain.ActorAgent, domain.Press{Key: "b"}, SubmitOptions{})

	ok, _ := c.SetMode(domain.ModeHumanOnly, domain.ActorHuman)
	require.True(t, ok)
	close(exec.gate)

	waitResult(t, blocker)
	res := waitResult(t, agent)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "excludes agent")
	assert.Len(t, exec.actions(), 1)

	history := c.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, agent.ActionID, history[1].ID)
}

// TestCoordinator_LockExclusivity verifies the lock holder is the only actor
// allowed to act and to take the lock
func TestCoordinator_LockExclusivity(t *testing.T) {
	c, _ := newTestCoordinator(newMockExecutor(), nil)
	defer c.Close()

	ok, _ := c.RequestLock(domain.ActorAgent, 10*time.Second)
	require.True(t, ok)

	state := c.State()
	assert.Equal(t, domain.ActorAgent, state.LockedBy)
	require.NotNil(t, state.LockExpiry)

	s := c.Submit(domain.ActorHuman, domain.Back{}, SubmitOptions{})
	assert.False(t, s.Accepted)
	assert.Contains(t, s.Reason, "locked by agent")

	ok, reason := c.RequestLock(domain.ActorHuman, time.Second)
	assert.False(t, ok)
	assert.Contains(t, reason, "already locked")

	ok, _ = c.RequestLock(domain.ActorAgent, time.Minute)
	assert.True(t, ok, "holder may extend")

	ok, _ = c.ReleaseLock(domain.ActorHuman)
	assert.True(t, ok, "human may force release")
	assert.Empty(t, c.State().LockedBy)

	ok, _ = c.RequestLock(domain.ActorHuman, time.Minute)
	require.True(t, ok)
	ok, reason = c.ReleaseLock(domain.ActorAgent)
	assert.False(t, ok)
	assert.Contains(t, reason, "locked by human")

	ok, _ = c.ReleaseLock(domain.ActorHuman)
	assert.True(t, ok)
	ok, _ = c.ReleaseLock(domain.ActorAgent)
	assert.True(t, ok, "releasing an absent lock succeeds")
}

// TestCoordinator_LockTimeoutClamp verifies default and maximum timeouts
func TestCoordinator_LockTimeoutClamp(t *testing.T) {
	c, clk := newTestCoordinator(newMockExecutor(), nil)
	defer c.Close()
	now := clk.Now()

	ok, _ := c.RequestLock(domain.ActorHuman, 0)
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), *c.State().LockExpiry)

	ok, _ = c.RequestLock(domain.ActorHuman, time.Hour)
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Minute), *c.State().LockExpiry)
}

// TestCoordinator_LockExpiry verifies expired locks stop excluding others
func TestCoordinator_LockExpiry(t *testing.T) {
	c, clk := newTestCoordinator(newMockExecutor(), nil)
	defer c.Close()

	ok, _ := c.RequestLock(domain.ActorAgent, 5*time.Second)
	require.True(t, ok)
	assert.False(t, c.SweepExpiredLocks())

	clk.Step(6 * time.Second)

	ok, _ = c.RequestLock(domain.ActorHuman, time.Second)
	assert.True(t, ok, "expired lock is treated as absent")

	clk.Step(2 * time.Second)
	assert.True(t, c.SweepExpiredLocks())
	assert.Empty(t, c.State().LockedBy)
	assert.True(t, c.CanPerformAction(domain.ActorAgent))
}

func TestCoordinator_LockRefusedByMode(t *testing.T) {
	c, _ := newTestCoordinator(newMockExecutor(), nil)
	defer c.Close()

	ok, _ := c.SetMode(domain.ModeHumanOnly, domain.ActorHuman)
	require.True(t, ok)
	ok, reason := c.RequestLock(domain.ActorAgent, time.Second)
	assert.False(t, ok)
	assert.Contains(t, reason, "excludes agent")

	ok, _ = c.SetMode(domain.ModeLocked, domain.ActorHuman)
	require.True(t, ok)
	ok, _ = c.RequestLock(domain.ActorHuman, time.Second)
	assert.False(t, ok)
}

// TestCoordinator_CancelAction verifies cancel permissions and outcomes
func TestCoordinator_CancelAction(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	running := c.Submit(domain.ActorAgent, domain.Press{Key: "a"}, SubmitOptions{})
	waitStarted(t, exec)
	humanQueued := c.Submit(domain.ActorHuman, domain.Press{Key: "b"}, SubmitOptions{})
	agentQueued := c.Submit(domain.ActorAgent, domain.Press{Key: "c"}, SubmitOptions{})

	ok, reason := c.CancelAction(running.ActionID, domain.ActorAgent)
	assert.False(t, ok)
	assert.Contains(t, reason, "already executing")

	ok, _ = c.CancelAction(humanQueued.ActionID, domain.ActorAgent)
	assert.False(t, ok, "agent cannot cancel human action")

	ok, _ = c.CancelAction("missing", domain.ActorHuman)
	assert.False(t, ok)

	ok, _ = c.CancelAction(agentQueued.ActionID, domain.ActorAgent)
	assert.True(t, ok)
	res := waitResult(t, agentQueued)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cancelled")

	ok, _ = c.CancelAction(humanQueued.ActionID, domain.ActorHuman)
	assert.True(t, ok)
	waitResult(t, humanQueued)

	close(exec.gate)
	waitResult(t, running)
	assert.Len(t, exec.actions(), 1)
}

// TestCoordinator_ExecutorFailures verifies errors and panics become failed results
func TestCoordinator_ExecutorFailures(t *testing.T) {
	exec := newMockExecutor()
	exec.failOn = map[domain.ActionKind]error{domain.KindNavigate: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	exec.panicOn = domain.KindReload
	c, _ := newTestCoordinator(exec, nil)
	defer c.Close()

	res := waitResult(t, c.Submit(domain.ActorAgent, domain.Navigate{URL: "http://nowhere"}, SubmitOptions{}))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "ERR_NAME_NOT_RESOLVED")

	res = waitResult(t, c.Submit(domain.ActorAgent, domain.Reload{}, SubmitOptions{}))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panic")

	res = waitResult(t, c.Submit(domain.ActorAgent, domain.Back{}, SubmitOptions{}))
	assert.True(t, res.Success, "coordinator keeps draining after a panic")
}

// TestCoordinator_HistoryBound verifies the ring buffer keeps only the newest entries
func TestCoordinator_HistoryBound(t *testing.T) {
	c, _ := newTestCoordinator(newMockExecutor(), func(cfg *CoordinatorConfig) {
		cfg.HistorySize = 3
	})
	defer c.Close()

	var ids []string
	for i := 0; i < 5; i++ {
		s := c.Submit(domain.ActorHuman, domain.Back{}, SubmitOptions{})
		waitResult(t, s)
		ids = append(ids, s.ActionID)
	}

	history := c.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[4], history[2].ID)

	last := c.History(1)
	require.Len(t, last, 1)
	assert.Equal(t, ids[4], last[0].ID)

	c.ClearHistory()
	assert.Empty(t, c.History(0))
}

// TestCoordinator_QuantumSpacing verifies the drain loop waits one quantum
// between executions
func TestCoordinator_QuantumSpacing(t *testing.T) {
	exec := newMockExecutor()
	c, clk := newTestCoordinator(exec, func(cfg *CoordinatorConfig) {
		cfg.Quantum = 50 * time.Millisecond
	})
	defer c.Close()

	first := c.Submit(domain.ActorHuman, domain.Press{Key: "a"}, SubmitOptions{})
	second := c.Submit(domain.ActorHuman, domain.Press{Key: "b"}, SubmitOptions{})

	waitResult(t, first)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	assert.Len(t, exec.actions(), 1)

	clk.Step(50 * time.Millisecond)
	assert.True(t, waitResult(t, second).Success)
}

type recordingSinkStub struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
}

func (s *recordingSinkStub) RecordExecution(_ context.Context, e domain.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func TestCoordinator_SinksObserveExecutions(t *testing.T) {
	c, _ := newTestCoordinator(newMockExecutor(), nil)
	defer c.Close()

	sink := &recordingSinkStub{}
	c.AddSink(sink)

	waitResult(t, c.Submit(domain.ActorAgent, domain.Hover{X: 1, Y: 1}, SubmitOptions{}))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 1)
	assert.Equal(t, domain.KindHover, sink.entries[0].Action.Kind())
}

func TestCoordinator_CloseRejectsQueued(t *testing.T) {
	exec := newMockExecutor()
	exec.gate = make(chan struct{})
	c, _ := newTestCoordinator(exec, nil)

	running := c.Submit(domain.ActorHuman, domain.Press{Key: "a"}, SubmitOptions{})
	waitStarted(t, exec)
	queued := c.Submit(domain.ActorHuman, domain.Press{Key: "b"}, SubmitOptions{})

	c.Close()

	res := waitResult(t, queued)
	assert.False(t, res.Success)
	res = waitResult(t, running)
	assert.False(t, res.Success, "in-flight action sees cancelled context")

	s := c.Submit(domain.ActorHuman, domain.Back{}, SubmitOptions{})
	assert.False(t, s.Accepted)
}
