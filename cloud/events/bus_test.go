package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/twitter/grid/distributor/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) get() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

func TestBusDeliversByType(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	closed := &recorder{}
	drained := &recorder{}
	bus.AddListener(SessionClosedType, closed.listen)
	bus.AddListener(NodeDrainCompleteType, drained.listen)

	bus.Fire(SessionClosedEvent{SessionId: "s1"})
	bus.Fire(NodeDrainCompleteEvent{NodeId: "n1"})
	bus.Fire(SessionClosedEvent{SessionId: "s2"})

	assert.Eventually(t, func() bool { return len(closed.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(drained.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{SessionClosedEvent{SessionId: "s1"}, SessionClosedEvent{SessionId: "s2"}}, closed.get())
}

func TestSlowListenerDoesNotBlockOthers(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	block := make(chan struct{})
	fast := &recorder{}
	bus.AddListener(NewSessionRequestType, func(Event) { <-block })
	bus.AddListener(NewSessionRequestType, fast.listen)

	for i := 0; i < 10; i++ {
		bus.Fire(NewSessionRequestEvent{RequestId: domain.NewRequestId()})
	}
	assert.Eventually(t, func() bool { return len(fast.get()) == 10 }, time.Second, 5*time.Millisecond)
	close(block)
}

func TestPanickingListenerKeepsReceiving(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	calls := &recorder{}
	bus.AddListener(NodeRejectedType, func(e Event) {
		calls.listen(e)
		panic("boom")
	})
	bus.Fire(NodeRejectedEvent{Uri: "http://a"})
	bus.Fire(NodeRejectedEvent{Uri: "http://b"})
	assert.Eventually(t, func() bool { return len(calls.get()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestFireAfterCloseDoesNotBlock(t *testing.T) {
	bus := NewLocalBus()
	bus.Close()
	done := make(chan struct{})
	go func() {
		bus.Fire(SessionClosedEvent{SessionId: "s1"})
		bus.AddListener(SessionClosedType, func(Event) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fire blocked on a closed bus")
	}
}
