package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// TestBus_FIFOPerSubscriber verifies each subscriber sees publish order
func TestBus_FIFOPerSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	a, b := &collector{}, &collector{}
	subA := bus.Subscribe(a.handle)
	subB := bus.Subscribe(b.handle)

	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: ActionQueued, Data: i})
	}

	subA.Close()
	subB.Close()
	<-subA.Done()
	<-subB.Done()

	for _, c := range []*collector{a, b} {
		got := c.snapshot()
		require.Len(t, got, 100)
		for i, e := range got {
			assert.Equal(t, i, e.Data)
			assert.False(t, e.Time.IsZero())
		}
	}
}

// TestBus_SlowSubscriberDoesNotBlock verifies publishers never wait on handlers
func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(Event{Type: StateChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	close(release)
}

func TestBus_PanickingHandlerKeepsDelivering(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	c := &collector{}
	sub := bus.Subscribe(func(e Event) {
		if e.Data == "boom" {
			panic("handler failure")
		}
		c.handle(e)
	})

	bus.Publish(Event{Type: PlaybackError, Data: "boom"})
	bus.Publish(Event{Type: PlaybackComplete, Data: "ok"})
	sub.Close()
	<-sub.Done()

	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, PlaybackComplete, got[0].Type)
}

func TestBus_ClosedBusDropsEvents(t *testing.T) {
	bus := NewBus(zap.NewNop())
	c := &collector{}
	sub := bus.Subscribe(c.handle)
	bus.Close()
	<-sub.Done()

	bus.Publish(Event{Type: StateChanged})
	late := bus.Subscribe(c.handle)
	<-late.Done()

	assert.Empty(t, c.snapshot())
}
