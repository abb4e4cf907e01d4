// Package sessionqueue holds new session requests until a node has room for
// them, and sheds requests that wait too long.
package sessionqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/domain"
)

const (
	DefaultRequestTimeout = 5 * time.Minute
	DefaultSweepInterval  = 10 * time.Second

	// Dimension value used in queue info when a request does not ask for one.
	Any = "ANY"
)

var ErrDuplicateRequest = errors.New("request is already queued")

// SessionQueue is an ordered buffer of requests.
type SessionQueue interface {
	// OfferLast appends a new request and stamps its enqueue time.
	OfferLast(req *domain.SessionRequest) bool
	// OfferFirst puts a request back at the head, keeping its enqueue time.
	OfferFirst(req *domain.SessionRequest) bool
	Poll() *domain.SessionRequest
	Remove(id domain.RequestId) (*domain.SessionRequest, bool)
	Clear() int
	Len() int
	GetQueueInfo() QueueInfo

	// Submit queues the request and waits for it to be completed, to time
	// out, or for ctx to end.
	Submit(ctx context.Context, req *domain.SessionRequest) (*domain.Session, error)
	// Complete hands a result to the Submit call waiting for the request.
	Complete(id domain.RequestId, session *domain.Session, err error) bool
	// Cancel rejects a request whether it is queued or held by a consumer.
	// A held request is refused by OfferFirst once the consumer puts it back.
	Cancel(id domain.RequestId) bool
}

// QueueInfo counts queued requests by browser name, then platform, then
// browser version. Every level carries the count of requests below it.
type QueueInfo map[string]*BrowserInfo

type BrowserInfo struct {
	Count     int                      `json:"count"`
	Platforms map[string]*PlatformInfo `json:"platforms"`
}

type PlatformInfo struct {
	Count    int                     `json:"count"`
	Versions map[string]*VersionInfo `json:"versions"`
}

type VersionInfo struct {
	Count int `json:"count"`
}

func (info QueueInfo) add(browser, platform, version string) {
	b, ok := info[browser]
	if !ok {
		b = &BrowserInfo{Platforms: map[string]*PlatformInfo{}}
		info[browser] = b
	}
	b.Count++
	p, ok := b.Platforms[platform]
	if !ok {
		p = &PlatformInfo{Versions: map[string]*VersionInfo{}}
		b.Platforms[platform] = p
	}
	p.Count++
	v, ok := p.Versions[version]
	if !ok {
		v = &VersionInfo{}
		p.Versions[version] = v
	}
	v.Count++
}

type QueueConfiguration struct {
	RequestTimeout time.Duration
	SweepInterval  time.Duration
}

type result struct {
	session *domain.Session
	err     error
}

type waiter struct {
	ch         chan result
	enqueuedAt time.Time
}

// LocalSessionQueue keeps requests in memory.
type LocalSessionQueue struct {
	config QueueConfiguration
	bus    events.Bus
	stat   stats.StatsReceiver
	nowFn  func() time.Time

	mu       sync.Mutex
	requests *list.List
	index    map[domain.RequestId]*list.Element
	waiters  map[domain.RequestId]*waiter
	// Requests cancelled while polled out of the queue.
	cancelled map[domain.RequestId]bool

	closer    chan struct{}
	closeOnce sync.Once
}

var _ SessionQueue = (*LocalSessionQueue)(nil)

func NewLocalSessionQueue(config QueueConfiguration, bus events.Bus, stat stats.StatsReceiver) *LocalSessionQueue {
	q := newLocalSessionQueue(config, bus, stat)
	go q.sweepLoop(time.NewTicker(q.config.SweepInterval))
	return q
}

func newLocalSessionQueue(config QueueConfiguration, bus events.Bus, stat stats.StatsReceiver) *LocalSessionQueue {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &LocalSessionQueue{
		config:   config,
		bus:      bus,
		stat:     stat,
		nowFn:    time.Now,
		requests: list.New(),
		index:    make(map[domain.RequestId]*list.Element),
		waiters:  make(map[domain.RequestId]*waiter),
		closer:   make(chan struct{}),

		cancelled: make(map[domain.RequestId]bool),
	}
}

func (q *LocalSessionQueue) OfferLast(req *domain.SessionRequest) bool {
	q.mu.Lock()
	ok := q.offerLastLocked(req)
	q.mu.Unlock()
	if ok {
		q.bus.Fire(events.NewSessionRequestEvent{RequestId: req.Id})
	}
	return ok
}

func (q *LocalSessionQueue) offerLastLocked(req *domain.SessionRequest) bool {
	if _, ok := q.index[req.Id]; ok {
		return false
	}
	req.EnqueuedAt = q.nowFn()
	q.index[req.Id] = q.requests.PushBack(req)
	q.stat.Counter(stats.QueueOfferCounter).Inc(1)
	q.updateGaugeLocked()
	return true
}

func (q *LocalSessionQueue) OfferFirst(req *domain.SessionRequest) bool {
	q.mu.Lock()
	if q.cancelled[req.Id] {
		delete(q.cancelled, req.Id)
		q.mu.Unlock()
		log.WithFields(log.Fields{"request": req.Id}).Info("Dropping cancelled request")
		return false
	}
	if _, ok := q.index[req.Id]; ok {
		q.mu.Unlock()
		return false
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.nowFn()
	}
	q.index[req.Id] = q.requests.PushFront(req)
	q.stat.Counter(stats.QueueOfferCounter).Inc(1)
	q.stat.Counter(stats.QueueRequeuedCounter).Inc(1)
	q.updateGaugeLocked()
	q.mu.Unlock()

	q.bus.Fire(events.NewSessionRequestEvent{RequestId: req.Id})
	return true
}

func (q *LocalSessionQueue) Poll() *domain.SessionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.requests.Front()
	if front == nil {
		return nil
	}
	return q.removeLocked(front)
}

func (q *LocalSessionQueue) Remove(id domain.RequestId) (*domain.SessionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[id]
	if !ok {
		return nil, false
	}
	return q.removeLocked(e), true
}

func (q *LocalSessionQueue) removeLocked(e *list.Element) *domain.SessionRequest {
	req := q.requests.Remove(e).(*domain.SessionRequest)
	delete(q.index, req.Id)
	q.updateGaugeLocked()
	return req
}

// Clear drops every queued request, rejecting each one.
func (q *LocalSessionQueue) Clear() int {
	q.mu.Lock()
	var cleared []*domain.SessionRequest
	for e := q.requests.Front(); e != nil; e = e.Next() {
		cleared = append(cleared, e.Value.(*domain.SessionRequest))
	}
	q.requests.Init()
	q.index = make(map[domain.RequestId]*list.Element)
	q.updateGaugeLocked()
	q.mu.Unlock()

	for _, req := range cleared {
		q.reject(req.Id, "queue cleared")
	}
	log.Infof("Cleared %d requests from the queue", len(cleared))
	return len(cleared)
}

func (q *LocalSessionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requests.Len()
}

// GetQueueInfo uses the first capability set of each request.
func (q *LocalSessionQueue) GetQueueInfo() QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	info := QueueInfo{}
	for e := q.requests.Front(); e != nil; e = e.Next() {
		req := e.Value.(*domain.SessionRequest)
		var caps domain.Capabilities
		if len(req.Capabilities) > 0 {
			caps = req.Capabilities[0]
		}
		info.add(orAny(caps.GetBrowserName()), orAny(caps.GetPlatformName()), orAny(caps.GetBrowserVersion()))
	}
	return info
}

func orAny(s string) string {
	if s == "" {
		return Any
	}
	return s
}

func (q *LocalSessionQueue) Submit(ctx context.Context, req *domain.SessionRequest) (*domain.Session, error) {
	w := &waiter{ch: make(chan result, 1)}
	q.mu.Lock()
	if _, ok := q.waiters[req.Id]; ok {
		q.mu.Unlock()
		return nil, domain.NewSessionNotCreatedError(ErrDuplicateRequest, "request %s", req.Id)
	}
	if !q.offerLastLocked(req) {
		q.mu.Unlock()
		return nil, domain.NewSessionNotCreatedError(ErrDuplicateRequest, "request %s", req.Id)
	}
	w.enqueuedAt = req.EnqueuedAt
	q.waiters[req.Id] = w
	q.mu.Unlock()
	q.bus.Fire(events.NewSessionRequestEvent{RequestId: req.Id})

	select {
	case r := <-w.ch:
		return r.session, r.err
	case <-ctx.Done():
		q.mu.Lock()
		waiting := q.waiters[req.Id] == w
		if waiting {
			q.cancelLocked(req.Id)
		}
		q.mu.Unlock()
		if !waiting {
			// Completed while we were giving up; the result is on its way.
			r := <-w.ch
			return r.session, r.err
		}
		return nil, domain.NewSessionNotCreatedError(ctx.Err(), "request %s abandoned", req.Id)
	}
}

// cancelLocked forgets the waiter and takes the request out of the queue, or
// remembers it if a consumer holds it. Returns the waiter, if any.
func (q *LocalSessionQueue) cancelLocked(id domain.RequestId) (*waiter, bool) {
	w, waiting := q.waiters[id]
	delete(q.waiters, id)
	e, queued := q.index[id]
	if queued {
		q.removeLocked(e)
	} else if waiting {
		q.cancelled[id] = true
	}
	return w, queued || waiting
}

func (q *LocalSessionQueue) Cancel(id domain.RequestId) bool {
	q.mu.Lock()
	w, ok := q.cancelLocked(id)
	q.mu.Unlock()
	if !ok {
		return false
	}
	log.WithFields(log.Fields{"request": id}).Info("Request cancelled")
	q.bus.Fire(events.NewSessionRejectedEvent{RequestId: id, Reason: "cancelled"})
	if w != nil {
		w.ch <- result{err: domain.NewSessionNotCreatedError(nil, "request %s cancelled", id)}
	}
	return true
}

func (q *LocalSessionQueue) Complete(id domain.RequestId, session *domain.Session, err error) bool {
	q.mu.Lock()
	w, ok := q.waiters[id]
	delete(q.waiters, id)
	delete(q.cancelled, id)
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.stat.Latency(stats.QueueWaitLatency_ms).Record(q.nowFn().Sub(w.enqueuedAt))
	w.ch <- result{session: session, err: err}
	return true
}

func (q *LocalSessionQueue) reject(id domain.RequestId, reason string) {
	q.bus.Fire(events.NewSessionRejectedEvent{RequestId: id, Reason: reason})
	q.Complete(id, nil, domain.NewSessionNotCreatedError(nil, "%s", reason))
}

// sweep evicts requests that waited longer than the request timeout.
func (q *LocalSessionQueue) sweep() int {
	now := q.nowFn()
	q.mu.Lock()
	var expired []*domain.SessionRequest
	for e := q.requests.Front(); e != nil; {
		next := e.Next()
		req := e.Value.(*domain.SessionRequest)
		if now.Sub(req.EnqueuedAt) > q.config.RequestTimeout {
			expired = append(expired, q.removeLocked(e))
		}
		e = next
	}
	q.mu.Unlock()

	for _, req := range expired {
		log.WithFields(log.Fields{"request": req.Id, "enqueuedAt": req.EnqueuedAt}).Info("Request timed out in queue")
		q.stat.Counter(stats.QueueTimedOutCounter).Inc(1)
		q.reject(req.Id, "timed out waiting for a node")
	}
	return len(expired)
}

func (q *LocalSessionQueue) sweepLoop(ticker *time.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.sweep()
		case <-q.closer:
			return
		}
	}
}

func (q *LocalSessionQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closer) })
	return nil
}

func (q *LocalSessionQueue) updateGaugeLocked() {
	q.stat.Gauge(stats.QueueSizeGauge).Update(int64(q.requests.Len()))
}
