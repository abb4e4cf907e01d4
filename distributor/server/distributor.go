package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node"
	"github.com/twitter/grid/sessionmap"
)

const (
	// Provide defaults for config settings that should never be uninitialized/zero.

	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second

	// Consecutive failed probes before an UP node is marked DOWN.
	DefaultUnhealthyThreshold = 3

	// How long a node may stay DOWN before it is removed.
	DefaultStillDownTimeout = time.Minute

	// Attempts made to read a node's status when it is added.
	DefaultStatusRetries = 3
)

// ErrNoCapacity is the cause of SessionNotCreatedErrors returned when no UP
// node could take any of the requested capability sets.
var ErrNoCapacity = errors.New("no node has capacity")

// ErrNoSuchNode is the cause of errors for operations on unregistered nodes.
var ErrNoSuchNode = errors.New("no such node")

func IsNoSuchNode(err error) bool {
	return errors.Is(err, ErrNoSuchNode)
}

// IsNoCapacity is true for errors that may succeed later once capacity frees up.
func IsNoCapacity(err error) bool {
	return errors.Is(err, ErrNoCapacity)
}

// Distributor matches session requests with node slots and keeps the node
// registry in sync with the cluster.
type Distributor interface {
	// NewSession starts a session on the least loaded node able to satisfy
	// one of the request's capability sets, trying them in order.
	NewSession(ctx context.Context, req *domain.SessionRequest) (*domain.Session, error)

	// Add registers a node and starts health checking it.
	Add(ctx context.Context, n node.Node) error

	// Remove forgets a node. Its sessions are not stopped.
	Remove(id domain.NodeId) bool

	// Drain asks a node to stop taking sessions.
	Drain(ctx context.Context, id domain.NodeId) error

	// StopSession ends a session this distributor created and frees its slot.
	StopSession(ctx context.Context, id domain.SessionId) error

	GetStatus() DistributorStatus
}

type NodeSummary struct {
	NodeId          domain.NodeId       `json:"nodeId"`
	Uri             string              `json:"uri"`
	MaxSessionCount int                 `json:"maxSessionCount"`
	Slots           []domain.Slot       `json:"slots"`
	Availability    domain.Availability `json:"availability"`
	Load            float64             `json:"load"`
}

type DistributorStatus struct {
	Nodes []NodeSummary `json:"nodes"`
}

// HasCapacity is true when some UP node has a free slot.
func (s DistributorStatus) HasCapacity() bool {
	for _, n := range s.Nodes {
		if n.Availability == domain.Up && n.Load < 100 {
			for _, slot := range n.Slots {
				if slot.State == domain.SlotAvailable {
					return true
				}
			}
		}
	}
	return false
}

// DistributorConfiguration holds the tunables of a LocalDistributor. Zero
// values are replaced by the defaults above.
type DistributorConfiguration struct {
	RegistrationSecret  string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	UnhealthyThreshold  int
	StillDownTimeout    time.Duration

	// Negative disables retries.
	StatusRetries int
}

func (c DistributorConfiguration) withDefaults() DistributorConfiguration {
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.UnhealthyThreshold == 0 {
		c.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if c.StillDownTimeout == 0 {
		c.StillDownTimeout = DefaultStillDownTimeout
	}
	if c.StatusRetries == 0 {
		c.StatusRetries = DefaultStatusRetries
	}
	if c.StatusRetries < 0 {
		c.StatusRetries = 0
	}
	return c
}

// LocalDistributor runs the scheduler in process.
type LocalDistributor struct {
	config   DistributorConfiguration
	registry *NodeRegistry
	sessions sessionmap.SessionMap
	bus      events.Bus
	factory  node.Factory
	stat     stats.StatsReceiver
	nowFn    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	healthMu     sync.Mutex
	healthChecks map[domain.NodeId]*healthCheck
}

var _ Distributor = (*LocalDistributor)(nil)

// NewLocalDistributor listens on bus for heartbeats, closed sessions and
// drains. factory builds handles for unknown nodes that heartbeat with the
// right secret; a nil factory ignores them.
func NewLocalDistributor(
	config DistributorConfiguration,
	bus events.Bus,
	sessions sessionmap.SessionMap,
	factory node.Factory,
	stat stats.StatsReceiver,
) *LocalDistributor {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &LocalDistributor{
		config:       config,
		registry:     NewNodeRegistry(config.RegistrationSecret, bus, stat),
		sessions:     sessions,
		bus:          bus,
		factory:      factory,
		stat:         stat,
		nowFn:        time.Now,
		ctx:          ctx,
		cancel:       cancel,
		healthChecks: make(map[domain.NodeId]*healthCheck),
	}
	for _, t := range []events.Type{
		events.NodeStatusType,
		events.SessionClosedType,
		events.NodeDrainStartedType,
		events.NodeDrainCompleteType,
	} {
		bus.AddListener(t, d.handleEvent)
	}
	log.Infof("Created distributor with config: %+v", configForLog(config))
	return d
}

func configForLog(c DistributorConfiguration) DistributorConfiguration {
	if c.RegistrationSecret != "" {
		c.RegistrationSecret = "<redacted>"
	}
	return c
}

func (d *LocalDistributor) Registry() *NodeRegistry { return d.registry }

func (d *LocalDistributor) NewSession(ctx context.Context, req *domain.SessionRequest) (*domain.Session, error) {
	defer d.stat.Latency(stats.DistributorNewSessionLatency_ms).Time().Stop()
	d.stat.Counter(stats.DistributorNewSessionCounter).Inc(1)
	logFields := log.Fields{"request": req.Id}

	if len(req.Capabilities) == 0 {
		return nil, domain.NewSessionNotCreatedError(nil, "no capabilities found")
	}

	host, slotId, create, desired, ok := d.reserve(req.Capabilities)
	if !ok {
		d.stat.Counter(stats.DistributorNoCapacityCounter).Inc(1)
		log.WithFields(logFields).Debugf("No provider for session: %v", req.Capabilities)
		return nil, domain.NewSessionNotCreatedError(ErrNoCapacity, "no provider for session: %v", req.Capabilities)
	}
	logFields["node"] = host.Id()
	logFields["slot"] = slotId

	session, err := create(ctx, node.CreateSessionRequest{
		RequestId:    req.Id,
		Dialects:     req.Dialects,
		Capabilities: desired,
	})
	if err != nil {
		d.stat.Counter(stats.DistributorCreateFailedCounter).Inc(1)
		log.WithFields(logFields).Errorf("Node failed to create session: %v", err)
		return nil, domain.NewSessionNotCreatedError(err, "node %s", host.Id())
	}
	if err := d.sessions.Add(session); err != nil {
		log.WithFields(logFields).Errorf("Failed to record session %s: %v", session.Id, err)
	}
	d.stat.Counter(stats.DistributorSessionCreatedCounter).Inc(1)
	logFields["session"] = session.Id
	log.WithFields(logFields).Info("Created session")
	return session, nil
}

type candidate struct {
	host *Host
	load float64
	last time.Time
}

// reserve picks and reserves a slot under the registry write lock so that
// concurrent requests never claim the same slot.
func (d *LocalDistributor) reserve(alternatives []domain.Capabilities) (
	*Host, domain.SlotId, CreateSessionFn, domain.Capabilities, bool) {
	defer d.stat.Latency(stats.DistributorSelectLatency_ms).Time().Stop()

	r := d.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	var up []*Host
	for _, e := range r.nodes {
		if e.availability == domain.Up {
			up = append(up, e.host)
		}
	}
	for _, desired := range alternatives {
		var candidates []candidate
		for _, h := range up {
			if h.HasCapacity(desired) {
				candidates = append(candidates, candidate{h, h.Load(), h.LastSessionCreated()})
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.load != b.load {
				return a.load < b.load
			}
			if !a.last.Equal(b.last) {
				return a.last.Before(b.last)
			}
			return a.host.Id() < b.host.Id()
		})
		for _, c := range candidates {
			if slotId, create, ok := c.host.Reserve(desired); ok {
				r.updateGaugesLocked()
				return c.host, slotId, create, desired, true
			}
		}
	}
	return nil, domain.SlotId{}, nil, nil, false
}

func (d *LocalDistributor) Add(ctx context.Context, n node.Node) error {
	var status domain.NodeStatus
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.config.StatusRetries)), ctx)
	err := backoff.Retry(func() error {
		var err error
		status, err = n.GetStatus(ctx)
		return err
	}, b)
	if err != nil {
		return errors.Wrapf(err, "reading status of node %s at %s", n.Id(), n.Uri())
	}
	d.add(n, status)
	return nil
}

func (d *LocalDistributor) add(n node.Node, status domain.NodeStatus) {
	d.registry.Add(n, status)
	d.startHealthCheck(n)
}

func (d *LocalDistributor) Remove(id domain.NodeId) bool {
	d.stopHealthCheck(id)
	_, ok := d.registry.Remove(id)
	return ok
}

// Drain marks the node DRAINING right away; the node reports completion on
// the bus when its last session ends.
func (d *LocalDistributor) Drain(ctx context.Context, id domain.NodeId) error {
	host, ok := d.registry.host(id)
	if !ok {
		return errors.Wrapf(ErrNoSuchNode, "draining %s", id)
	}
	if err := host.Node().Drain(ctx); err != nil {
		return errors.Wrapf(err, "draining node %s", id)
	}
	d.registry.SetAvailability(id, domain.Draining)
	return nil
}

func (d *LocalDistributor) StopSession(ctx context.Context, id domain.SessionId) error {
	host, ok := d.registry.hostRunning(id)
	if !ok {
		return &domain.NoSuchSessionError{Id: id}
	}
	if err := host.Node().StopSession(ctx, id); err != nil && !domain.IsNoSuchSession(err) {
		return errors.Wrapf(err, "stopping session %s on node %s", id, host.Id())
	}
	// Remote nodes report the free slot only with their next heartbeat.
	if err := d.registry.Release(id); err != nil {
		log.WithFields(log.Fields{"session": id}).Debugf("Stopped session was already released: %v", err)
	}
	d.sessions.Remove(id)
	log.WithFields(log.Fields{"session": id, "node": host.Id()}).Info("Stopped session")
	return nil
}

func (d *LocalDistributor) GetStatus() DistributorStatus {
	snapshot := d.registry.Snapshot()
	status := DistributorStatus{Nodes: make([]NodeSummary, 0, len(snapshot))}
	for _, n := range snapshot {
		status.Nodes = append(status.Nodes, NodeSummary{
			NodeId:          n.NodeId,
			Uri:             n.Uri,
			MaxSessionCount: n.MaxSessionCount,
			Slots:           n.Slots,
			Availability:    n.Availability,
			Load:            load(n),
		})
	}
	return status
}

// Close stops all health checks.
func (d *LocalDistributor) Close() error {
	d.cancel()
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	d.healthChecks = make(map[domain.NodeId]*healthCheck)
	return nil
}

func (d *LocalDistributor) handleEvent(e events.Event) {
	switch ev := e.(type) {
	case events.NodeStatusEvent:
		d.refresh(ev.Status)
	case events.SessionClosedEvent:
		if err := d.registry.Release(ev.SessionId); err != nil {
			log.WithFields(log.Fields{"session": ev.SessionId}).Debugf("Closed session was not in a slot: %v", err)
		}
	case events.NodeDrainStartedEvent:
		d.registry.SetAvailability(ev.NodeId, domain.Draining)
	case events.NodeDrainCompleteEvent:
		d.Remove(ev.NodeId)
	default:
		log.Errorf("Unexpected event %T", e)
	}
}

func (d *LocalDistributor) refresh(status domain.NodeStatus) {
	switch d.registry.Refresh(status) {
	case Unknown:
		logFields := log.Fields{"node": status.NodeId, "uri": status.Uri}
		if d.factory == nil {
			log.WithFields(logFields).Warn("Heartbeat from unknown node, no factory to add it")
			return
		}
		if status.Availability == domain.Draining {
			log.WithFields(logFields).Info("Ignoring heartbeat from unknown draining node")
			return
		}
		d.add(d.factory(status), status)
	case Updated:
		// Nodes that cannot fire on our bus finish draining by reporting
		// no sessions while draining.
		if a, ok := d.registry.Availability(status.NodeId); ok && a == domain.Draining &&
			status.Availability == domain.Draining && status.UsedSlots() == 0 {
			d.bus.Fire(events.NodeDrainCompleteEvent{NodeId: status.NodeId})
		}
	}
}
