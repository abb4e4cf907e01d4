// Package local provides an in-process Node. It keeps its slots in memory and
// reports heartbeats, closed sessions and drains over an event bus. It backs
// the "local.memory" configuration and most tests.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node"
)

// SessionFactory starts a browser for a slot with the given stereotype and
// returns the capabilities of the running session.
type SessionFactory func(ctx context.Context, stereotype domain.Capabilities, req node.CreateSessionRequest) (domain.Capabilities, error)

// EchoSessionFactory pretends to start a browser, answering with the stereotype
// overlaid by the requested capabilities.
func EchoSessionFactory(ctx context.Context, stereotype domain.Capabilities, req node.CreateSessionRequest) (domain.Capabilities, error) {
	caps := stereotype.Copy()
	for k, v := range req.Capabilities {
		caps[k] = v
	}
	return caps, nil
}

type NodeConfig struct {
	Uri string

	// One slot is created per entry.
	Stereotypes []domain.Capabilities

	// Zero means one session per slot.
	MaxSessionCount int

	RegistrationSecret string

	// Zero disables heartbeats.
	HeartbeatPeriod time.Duration

	Factory SessionFactory
}

type LocalNode struct {
	id     domain.NodeId
	config NodeConfig
	bus    events.Bus
	nowFn  func() time.Time

	mu       sync.Mutex
	slots    []domain.Slot
	draining bool
	healthy  bool
	closer   chan struct{}
	closed   bool
}

var _ node.Node = (*LocalNode)(nil)

func NewLocalNode(config NodeConfig, bus events.Bus) *LocalNode {
	if config.MaxSessionCount <= 0 {
		config.MaxSessionCount = len(config.Stereotypes)
	}
	if config.Factory == nil {
		config.Factory = EchoSessionFactory
	}
	n := &LocalNode{
		id:      domain.NewNodeId(),
		config:  config,
		bus:     bus,
		nowFn:   time.Now,
		healthy: true,
		closer:  make(chan struct{}),
	}
	for _, st := range config.Stereotypes {
		n.slots = append(n.slots, domain.Slot{
			Id:         domain.NewSlotId(n.id),
			Stereotype: st.Copy(),
			State:      domain.SlotAvailable,
		})
	}
	if config.HeartbeatPeriod > 0 {
		go n.heartbeatLoop(time.NewTicker(config.HeartbeatPeriod))
	}
	return n
}

func (n *LocalNode) Id() domain.NodeId { return n.id }
func (n *LocalNode) Uri() string       { return n.config.Uri }

func (n *LocalNode) GetStatus(ctx context.Context) (domain.NodeStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusLocked(), nil
}

func (n *LocalNode) statusLocked() domain.NodeStatus {
	slots := make([]domain.Slot, len(n.slots))
	for i, s := range n.slots {
		slots[i] = s.Copy()
	}
	availability := domain.Up
	if n.draining {
		availability = domain.Draining
	}
	return domain.NodeStatus{
		NodeId:             n.id,
		Uri:                n.config.Uri,
		MaxSessionCount:    n.config.MaxSessionCount,
		Slots:              slots,
		Availability:       availability,
		RegistrationSecret: n.config.RegistrationSecret,
	}
}

// NewSession claims the first free slot whose stereotype matches and starts a
// session on it. The slot is held while the factory runs.
func (n *LocalNode) NewSession(ctx context.Context, req node.CreateSessionRequest) (*domain.Session, error) {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return nil, domain.NewSessionNotCreatedError(nil, "node %s is draining", n.id)
	}
	idx := n.freeSlotLocked(req.Capabilities)
	if idx < 0 {
		n.mu.Unlock()
		return nil, domain.NewSessionNotCreatedError(nil, "node %s has no free slot for %s", n.id, req.Capabilities)
	}
	stereotype := n.slots[idx].Stereotype.Copy()
	n.slots[idx].State = domain.SlotReserved
	n.slots[idx].Session = domain.NewReservedSession(n.config.Uri, stereotype, n.nowFn())
	n.mu.Unlock()

	caps, err := n.config.Factory(ctx, stereotype, req)

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.slots[idx].State = domain.SlotAvailable
		n.slots[idx].Session = nil
		return nil, domain.NewSessionNotCreatedError(err, "node %s could not start session", n.id)
	}
	now := n.nowFn()
	session := &domain.Session{
		Id:           domain.NewSessionId(),
		Uri:          n.config.Uri,
		Stereotype:   stereotype,
		Capabilities: caps,
		StartTime:    now,
	}
	n.slots[idx].State = domain.SlotActive
	n.slots[idx].LastStarted = now
	n.slots[idx].Session = session.Copy()
	log.WithFields(log.Fields{
		"node":    n.id,
		"slot":    n.slots[idx].Id,
		"session": session.Id,
	}).Info("Started session")
	return session, nil
}

func (n *LocalNode) freeSlotLocked(desired domain.Capabilities) int {
	if n.usedLocked() >= n.config.MaxSessionCount {
		return -1
	}
	for i, s := range n.slots {
		if s.State == domain.SlotAvailable && s.Stereotype.Matches(desired) {
			return i
		}
	}
	return -1
}

// StopSession ends a session and announces it on the bus. A draining node
// reports drain completion once its last session stops.
func (n *LocalNode) StopSession(ctx context.Context, id domain.SessionId) error {
	n.mu.Lock()
	found := false
	for i := range n.slots {
		if n.slots[i].Session != nil && n.slots[i].Session.Id == id {
			n.slots[i].State = domain.SlotAvailable
			n.slots[i].Session = nil
			found = true
			break
		}
	}
	drained := found && n.draining && n.usedLocked() == 0
	n.mu.Unlock()

	if !found {
		return &domain.NoSuchSessionError{Id: id}
	}
	n.bus.Fire(events.SessionClosedEvent{SessionId: id})
	if drained {
		n.bus.Fire(events.NodeDrainCompleteEvent{NodeId: n.id})
	}
	return nil
}

func (n *LocalNode) usedLocked() int {
	used := 0
	for _, s := range n.slots {
		if s.State != domain.SlotAvailable {
			used++
		}
	}
	return used
}

func (n *LocalNode) HealthCheck(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.healthy {
		return fmt.Errorf("node %s is unhealthy", n.id)
	}
	return nil
}

// SetHealthy controls the outcome of HealthCheck.
func (n *LocalNode) SetHealthy(healthy bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = healthy
}

// Drain refuses further sessions. Drain completes immediately when nothing is
// running, otherwise when the last session stops.
func (n *LocalNode) Drain(ctx context.Context) error {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return nil
	}
	n.draining = true
	idle := n.usedLocked() == 0
	n.mu.Unlock()

	log.WithFields(log.Fields{"node": n.id, "idle": idle}).Info("Draining node")
	n.bus.Fire(events.NodeDrainStartedEvent{NodeId: n.id})
	if idle {
		n.bus.Fire(events.NodeDrainCompleteEvent{NodeId: n.id})
	}
	return nil
}

// Heartbeat fires the node's current status on the bus.
func (n *LocalNode) Heartbeat() {
	status, _ := n.GetStatus(context.Background())
	n.bus.Fire(events.NodeStatusEvent{Status: status})
}

func (n *LocalNode) heartbeatLoop(ticker *time.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.Heartbeat()
		case <-n.closer:
			return
		}
	}
}

// Close stops heartbeats.
func (n *LocalNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.closer)
	}
	return nil
}
