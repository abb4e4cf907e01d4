package events

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Listener handles one event. Listeners registered on a Bus are invoked
// from a goroutine owned by the bus, one event at a time, in firing order.
type Listener func(Event)

// Bus is an asynchronous, fire and forget pub/sub transport.
type Bus interface {
	// Fire publishes e to every listener registered for e.Type().
	// Fire never waits on listeners.
	Fire(e Event)

	// AddListener registers l for events of type t.
	AddListener(t Type, l Listener)

	// Close stops delivery. Events already queued for a listener are still delivered.
	Close() error
}

type addListenerReq struct {
	t    Type
	l    Listener
	done chan struct{}
}

// localBus fans events out to listeners from a single loop goroutine.
// Each listener has its own subscriber which queues events so that a slow
// listener never blocks Fire or the other listeners.
type localBus struct {
	inCh      chan Event
	reqCh     chan addListenerReq
	doneCh    chan struct{}
	closeOnce sync.Once

	subs map[Type][]*subscriber
}

func NewLocalBus() Bus {
	b := &localBus{
		inCh:   make(chan Event),
		reqCh:  make(chan addListenerReq),
		doneCh: make(chan struct{}),
		subs:   make(map[Type][]*subscriber),
	}
	go b.loop()
	return b
}

func (b *localBus) Fire(e Event) {
	select {
	case b.inCh <- e:
	case <-b.doneCh:
		log.WithFields(log.Fields{"type": e.Type()}).Debug("bus closed, dropping event")
	}
}

func (b *localBus) AddListener(t Type, l Listener) {
	req := addListenerReq{t: t, l: l, done: make(chan struct{})}
	select {
	case b.reqCh <- req:
		<-req.done
	case <-b.doneCh:
	}
}

func (b *localBus) Close() error {
	b.closeOnce.Do(func() { close(b.doneCh) })
	return nil
}

func (b *localBus) loop() {
	for {
		select {
		case e := <-b.inCh:
			for _, sub := range b.subs[e.Type()] {
				sub.inCh <- e
			}
		case req := <-b.reqCh:
			b.subs[req.t] = append(b.subs[req.t], newSubscriber(req.l))
			close(req.done)
		case <-b.doneCh:
			for _, subs := range b.subs {
				for _, sub := range subs {
					close(sub.inCh)
				}
			}
			return
		}
	}
}

type subscriber struct {
	inCh     chan Event
	outCh    chan Event
	listener Listener
	queue    []Event
}

func newSubscriber(l Listener) *subscriber {
	s := &subscriber{
		inCh:     make(chan Event),
		outCh:    make(chan Event),
		listener: l,
	}
	go s.loop()
	go s.dispatch()
	return s
}

// loop accepts events as fast as the bus sends them and hands them to
// dispatch as fast as the listener consumes them.
func (s *subscriber) loop() {
	for s.inCh != nil || len(s.queue) > 0 {
		var outCh chan Event
		var next Event
		if len(s.queue) > 0 {
			outCh = s.outCh
			next = s.queue[0]
		}
		select {
		case e, ok := <-s.inCh:
			if !ok {
				s.inCh = nil
				continue
			}
			s.queue = append(s.queue, e)
		case outCh <- next:
			s.queue = s.queue[1:]
		}
	}
	close(s.outCh)
}

func (s *subscriber) dispatch() {
	for e := range s.outCh {
		s.deliver(e)
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"type": e.Type(), "panic": r}).Error("event listener panicked")
		}
	}()
	s.listener(e)
}
