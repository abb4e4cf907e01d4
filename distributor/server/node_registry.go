package server

import (
	"sort"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node"
)

type RefreshResult int

const (
	Updated RefreshResult = iota
	// Unknown nodes are not added by Refresh, the caller decides.
	Unknown
	// Rejected heartbeats carried the wrong registration secret.
	Rejected
)

func (r RefreshResult) String() string {
	switch r {
	case Updated:
		return "updated"
	case Unknown:
		return "unknown"
	case Rejected:
		return "rejected"
	}
	return "invalid"
}

type nodeEntry struct {
	host         *Host
	availability domain.Availability
}

// NodeRegistry is the distributor's view of the cluster. All nodes live in
// one map guarded by one lock; each Host guards its own slots underneath it.
type NodeRegistry struct {
	secret string
	bus    events.Bus
	stat   stats.StatsReceiver
	nowFn  func() time.Time

	mu    sync.RWMutex
	nodes map[domain.NodeId]*nodeEntry
}

func NewNodeRegistry(secret string, bus events.Bus, stat stats.StatsReceiver) *NodeRegistry {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &NodeRegistry{
		secret: secret,
		bus:    bus,
		stat:   stat,
		nowFn:  time.Now,
		nodes:  make(map[domain.NodeId]*nodeEntry),
	}
}

// Add registers a node, replacing any node with the same id or uri. The new
// node is DOWN until a health check succeeds.
func (r *NodeRegistry) Add(n node.Node, status domain.NodeStatus) *Host {
	host := NewHost(n, status)
	host.nowFn = r.nowFn
	host.commit = r.SetSession

	var replaced []*nodeEntry
	r.mu.Lock()
	for id, e := range r.nodes {
		if id == host.Id() || (host.Uri() != "" && e.host.Uri() == host.Uri()) {
			replaced = append(replaced, e)
			delete(r.nodes, id)
		}
	}
	r.nodes[host.Id()] = &nodeEntry{host: host, availability: domain.Down}
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, e := range replaced {
		log.WithFields(log.Fields{"node": e.host.Id(), "uri": e.host.Uri()}).Info("Replacing node")
		if e.host.Id() != host.Id() {
			r.bus.Fire(events.NodeRemovedEvent{NodeId: e.host.Id(), Uri: e.host.Uri()})
		}
	}
	log.WithFields(log.Fields{"node": host.Id(), "uri": host.Uri()}).Info("Added node")
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Added node status:\n%s", spew.Sdump(host.Status()))
	}
	r.bus.Fire(events.NodeAddedEvent{NodeId: host.Id(), Uri: host.Uri()})
	return host
}

// Refresh applies a heartbeat.
func (r *NodeRegistry) Refresh(status domain.NodeStatus) RefreshResult {
	if status.RegistrationSecret != r.secret {
		log.WithFields(log.Fields{"node": status.NodeId, "uri": status.Uri}).Error("Node has wrong registration secret")
		r.stat.Counter(stats.RegistryRejectedNodesCounter).Inc(1)
		r.bus.Fire(events.NodeRejectedEvent{Uri: status.Uri, Reason: "registration secret does not match"})
		return Rejected
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[status.NodeId]
	if !ok {
		return Unknown
	}
	e.host.update(status)
	if e.availability == domain.Up && status.Availability == domain.Draining {
		log.WithFields(log.Fields{"node": status.NodeId}).Info("Node reports it is draining")
		e.availability = domain.Draining
	}
	r.updateGaugesLocked()
	return Updated
}

// Remove drops a node whatever its availability.
func (r *NodeRegistry) Remove(id domain.NodeId) (domain.NodeStatus, bool) {
	r.mu.Lock()
	e, ok := r.nodes[id]
	if ok {
		delete(r.nodes, id)
		r.updateGaugesLocked()
	}
	r.mu.Unlock()
	if !ok {
		return domain.NodeStatus{}, false
	}

	status := e.host.Status()
	status.Availability = e.availability
	log.WithFields(log.Fields{"node": id, "uri": status.Uri, "sessions": status.UsedSlots()}).Info("Removed node")
	r.bus.Fire(events.NodeRemovedEvent{NodeId: id, Uri: status.Uri})
	return status, true
}

// SetAvailability returns the previous availability, and false if the node
// is not registered.
func (r *NodeRegistry) SetAvailability(id domain.NodeId, a domain.Availability) (domain.Availability, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[id]
	if !ok {
		return domain.Down, false
	}
	prev := e.availability
	if prev != a {
		e.availability = a
		log.WithFields(log.Fields{"node": id, "from": prev, "to": a}).Info("Node availability changed")
		r.updateGaugesLocked()
	}
	return prev, true
}

// CompareAndSetAvailability moves the node to "to" only if it is still in
// "from". It returns false if the node is gone or was moved by someone else.
func (r *NodeRegistry) CompareAndSetAvailability(id domain.NodeId, from, to domain.Availability) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[id]
	if !ok || e.availability != from {
		return false
	}
	if from != to {
		e.availability = to
		log.WithFields(log.Fields{"node": id, "from": from, "to": to}).Info("Node availability changed")
		r.updateGaugesLocked()
	}
	return true
}

func (r *NodeRegistry) Availability(id domain.NodeId) (domain.Availability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	if !ok {
		return domain.Down, false
	}
	return e.availability, true
}

func (r *NodeRegistry) Get(id domain.NodeId) (domain.NodeStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	if !ok {
		return domain.NodeStatus{}, false
	}
	return e.status(), true
}

func (r *NodeRegistry) host(id domain.NodeId) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return e.host, true
}

func (r *NodeRegistry) hostRunning(id domain.SessionId) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.nodes {
		if e.host.runs(id) {
			return e.host, true
		}
	}
	return nil, false
}

// Snapshot copies every node's status, ordered by node id.
func (r *NodeRegistry) Snapshot() []domain.NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.NodeStatus, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId < out[j].NodeId })
	return out
}

// Reserve claims a specific slot on an UP node.
func (r *NodeRegistry) Reserve(id domain.SlotId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[id.NodeId]
	if !ok || e.availability != domain.Up {
		return false
	}
	if !e.host.reserveSlot(id) {
		return false
	}
	r.updateGaugesLocked()
	return true
}

// SetSession completes a reservation: a session makes the slot ACTIVE, nil
// returns it to AVAILABLE. Slots without a reservation are left untouched.
func (r *NodeRegistry) SetSession(id domain.SlotId, session *domain.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.nodes[id.NodeId]
	if !ok {
		log.WithFields(log.Fields{"slot": id}).Warn("Node is gone, cannot update slot")
		r.stat.Counter(stats.RegistryDivergenceCounter).Inc(1)
		return false
	}
	if !e.host.setSession(id, session) {
		r.stat.Counter(stats.RegistryDivergenceCounter).Inc(1)
		return false
	}
	r.updateGaugesLocked()
	return true
}

// Release frees whichever slot runs the session.
func (r *NodeRegistry) Release(id domain.SessionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.nodes {
		if e.host.release(id) {
			r.updateGaugesLocked()
			return nil
		}
	}
	return &domain.NoSuchSessionError{Id: id}
}

func (e *nodeEntry) status() domain.NodeStatus {
	status := e.host.Status()
	status.Availability = e.availability
	return status
}

func (r *NodeRegistry) updateGaugesLocked() {
	var up, down, draining, used, free int64
	for _, e := range r.nodes {
		switch e.availability {
		case domain.Up:
			up++
		case domain.Down:
			down++
		case domain.Draining:
			draining++
		}
		status := e.host.Status()
		n := int64(status.UsedSlots())
		used += n
		free += int64(len(status.Slots)) - n
	}
	r.stat.Gauge(stats.RegistryUpNodesGauge).Update(up)
	r.stat.Gauge(stats.RegistryDownNodesGauge).Update(down)
	r.stat.Gauge(stats.RegistryDrainingNodesGauge).Update(draining)
	r.stat.Gauge(stats.RegistryUsedSlotsGauge).Update(used)
	r.stat.Gauge(stats.RegistryFreeSlotsGauge).Update(free)
}
