// Package events delivers engine notifications to subscribers.
// Every subscriber sees events in publish order, on its own goroutine,
// so a slow subscriber never blocks the publisher or other subscribers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names an event.
type Type string

// Coordinator events.
const (
	StateChanged   Type = "stateChange"
	ActionQueued   Type = "actionQueued"
	ActionExecute  Type = "actionExecute"
	ActionRejected Type = "actionRejected"
)

// Playback events.
const (
	PlaybackStarted     Type = "playbackStarted"
	PlaybackPaused      Type = "playbackPaused"
	PlaybackResumed     Type = "playbackResumed"
	PlaybackStopped     Type = "playbackStopped"
	PlaybackComplete    Type = "playbackComplete"
	ActionExecuting     Type = "actionExecuting"
	ActionExecuted      Type = "actionExecuted"
	ScreenshotDisplayed Type = "screenshotDisplayed"
	PlaybackError       Type = "playbackError"
)

// Supervisor events.
const (
	BrowserLost Type = "browserLost"
)

// Event is one notification. Data is JSON-serializable.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Publisher is what the engines depend on.
type Publisher interface {
	Publish(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// Handler consumes events for one subscriber.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// Publish enqueues e for every current subscriber. Never blocks on handlers.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.enqueue(e)
	}
}

// Subscribe registers h. The returned subscription must be closed to
// release its goroutine.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:      b.nextID,
		bus:     b,
		handler: h,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	if b.closed {
		s.closed = true
		close(s.done)
		return s
	}
	b.subs[s.id] = s
	go s.run(b.logger)
	return s
}

// Close stops delivery to every subscriber. Events already queued are
// still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Subscription is one registered handler with its private FIFO queue.
type Subscription struct {
	id      uint64
	bus     *Bus
	handler Handler
	done    chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// Close unsubscribes. Events already queued are still delivered.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.stop()
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription) run(logger *zap.Logger) {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(logger, e)
	}
}

func (s *Subscription) deliver(logger *zap.Logger, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				zap.String("event", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	s.handler(e)
}
