package server

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/distributor/domain"
)

const (
	// Session creations attempted per second from the queue.
	DefaultRetryRate = 10

	// How often the queue is retried when nothing else wakes the runner.
	DefaultPollInterval = time.Second

	stopOrphanTimeout = 30 * time.Second
)

// RequestQueue is the part of the session queue the runner consumes.
// OfferFirst must refuse requests cancelled while the runner held them, and
// Complete must return false when nobody waits for the result.
type RequestQueue interface {
	Poll() *domain.SessionRequest
	OfferFirst(req *domain.SessionRequest) bool
	Complete(id domain.RequestId, session *domain.Session, err error) bool
	Len() int
}

type RunnerConfiguration struct {
	RetryRate    float64
	PollInterval time.Duration
}

// NewSessionRunner feeds queued requests to the distributor. Requests that
// find no capacity go back to the head of the queue and are retried when a
// new request arrives, a session closes, a node is added, or on the next poll.
type NewSessionRunner struct {
	distributor Distributor
	queue       RequestQueue
	limiter     *rate.Limiter
	interval    time.Duration

	triggerCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// Requests we put back ourselves; their offer events must not wake us.
	mu       sync.Mutex
	requeued map[domain.RequestId]bool
}

func NewNewSessionRunner(d Distributor, q RequestQueue, bus events.Bus, config RunnerConfiguration) *NewSessionRunner {
	if config.RetryRate == 0 {
		config.RetryRate = DefaultRetryRate
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &NewSessionRunner{
		distributor: d,
		queue:       q,
		limiter:     rate.NewLimiter(rate.Limit(config.RetryRate), 1),
		interval:    config.PollInterval,
		triggerCh:   make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		requeued:    make(map[domain.RequestId]bool),
	}
	bus.AddListener(events.NewSessionRequestType, r.onRequest)
	bus.AddListener(events.SessionClosedType, func(events.Event) { r.trigger() })
	bus.AddListener(events.NodeAddedType, func(events.Event) { r.trigger() })
	go r.loop()
	return r
}

func (r *NewSessionRunner) onRequest(e events.Event) {
	id := e.(events.NewSessionRequestEvent).RequestId
	r.mu.Lock()
	ours := r.requeued[id]
	delete(r.requeued, id)
	r.mu.Unlock()
	if !ours {
		r.trigger()
	}
}

func (r *NewSessionRunner) trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

func (r *NewSessionRunner) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.triggerCh:
		case <-ticker.C:
		case <-r.ctx.Done():
			return
		}
		r.step()
	}
}

// step makes one pass over the requests queued when it starts. Requests that
// found no capacity are put back in their original order, and later requests
// asking for the same capabilities are not tried in the same pass so they
// cannot overtake.
func (r *NewSessionRunner) step() {
	var retry []*domain.SessionRequest
	blocked := map[string]bool{}
	defer func() {
		for i := len(retry) - 1; i >= 0; i-- {
			r.requeue(retry[i])
		}
	}()

	for n := r.queue.Len(); n > 0; n-- {
		req := r.queue.Poll()
		if req == nil {
			return
		}
		key := capabilitiesKey(req)
		if blocked[key] {
			retry = append(retry, req)
			continue
		}
		if err := r.limiter.Wait(r.ctx); err != nil {
			retry = append(retry, req)
			return
		}
		session, err := r.distributor.NewSession(r.ctx, req)
		if IsNoCapacity(err) {
			blocked[key] = true
			retry = append(retry, req)
			continue
		}
		if err != nil {
			log.WithFields(log.Fields{"request": req.Id}).Infof("Failing queued request: %v", err)
		}
		if !r.queue.Complete(req.Id, session, err) && session != nil {
			r.stopOrphan(req.Id, session)
		}
	}
}

// stopOrphan ends a session whose request was cancelled while it was being
// created, so that its slot is not held forever.
func (r *NewSessionRunner) stopOrphan(id domain.RequestId, session *domain.Session) {
	logFields := log.Fields{"request": id, "session": session.Id}
	log.WithFields(logFields).Info("Request is gone, stopping its session")
	ctx, cancel := context.WithTimeout(context.Background(), stopOrphanTimeout)
	defer cancel()
	if err := r.distributor.StopSession(ctx, session.Id); err != nil {
		log.WithFields(logFields).Errorf("Failed to stop orphaned session: %v", err)
	}
}

func capabilitiesKey(req *domain.SessionRequest) string {
	parts := make([]string, len(req.Capabilities))
	for i, c := range req.Capabilities {
		parts[i] = c.String()
	}
	return strings.Join(parts, "|")
}

func (r *NewSessionRunner) requeue(req *domain.SessionRequest) {
	r.mu.Lock()
	r.requeued[req.Id] = true
	r.mu.Unlock()
	if !r.queue.OfferFirst(req) {
		r.mu.Lock()
		delete(r.requeued, req.Id)
		r.mu.Unlock()
	}
}

// Close stops the runner and waits for the current pass to finish.
func (r *NewSessionRunner) Close() error {
	r.cancel()
	<-r.done
	return nil
}
