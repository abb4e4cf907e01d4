package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/domain"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) add(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestAddStartsDownAndRemoveForgets(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	n := env.localNode("http://n1", cheese)
	status, _ := n.GetStatus(context.Background())

	r.Add(n, status)
	got, ok := r.Get(n.Id())
	require.True(t, ok)
	assert.Equal(t, domain.Down, got.Availability)
	assert.Len(t, r.Snapshot(), 1)

	removed, ok := r.Remove(n.Id())
	require.True(t, ok)
	assert.Equal(t, n.Id(), removed.NodeId)
	assert.Empty(t, r.Snapshot())
	_, ok = r.Remove(n.Id())
	assert.False(t, ok)
}

func TestAddCollapsesSameIdOrUri(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	ctrl := gomock.NewController(t)

	first := mockNode(ctrl, "node-1", "http://same")
	r.Add(first, statusWithLoad("node-1", "http://same", cheese, 1, 0))
	second := mockNode(ctrl, "node-2", "http://same")
	r.Add(second, statusWithLoad("node-2", "http://same", cheese, 1, 0))

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, domain.NodeId("node-2"), snapshot[0].NodeId)

	again := mockNode(ctrl, "node-2", "http://moved")
	r.Add(again, statusWithLoad("node-2", "http://moved", cheese, 2, 0))
	snapshot = r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "http://moved", snapshot[0].Uri)
	assert.Len(t, snapshot[0].Slots, 2)
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	ctrl := gomock.NewController(t)
	for _, id := range []domain.NodeId{"c", "a", "b"} {
		r.Add(mockNode(ctrl, id, "http://"+string(id)), statusWithLoad(id, "http://"+string(id), cheese, 1, 0))
	}

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, []domain.NodeId{"a", "b", "c"},
		[]domain.NodeId{snapshot[0].NodeId, snapshot[1].NodeId, snapshot[2].NodeId})

	snapshot[0].Slots[0].State = domain.SlotActive
	again, _ := r.Get("a")
	assert.Equal(t, domain.SlotAvailable, again.Slots[0].State)
}

func TestSetAvailability(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	n := env.localNode("http://n1", cheese)
	env.addUp(t, n)

	prev, ok := r.SetAvailability(n.Id(), domain.Draining)
	assert.True(t, ok)
	assert.Equal(t, domain.Up, prev)
	prev, ok = r.SetAvailability(n.Id(), domain.Draining)
	assert.True(t, ok)
	assert.Equal(t, domain.Draining, prev)

	_, ok = r.SetAvailability("missing", domain.Up)
	assert.False(t, ok)
}

func TestCompareAndSetAvailability(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	n := env.localNode("http://n1", cheese)
	env.addUp(t, n)

	r.SetAvailability(n.Id(), domain.Draining)
	assert.False(t, r.CompareAndSetAvailability(n.Id(), domain.Up, domain.Down))
	assert.False(t, r.CompareAndSetAvailability(n.Id(), domain.Down, domain.Up))
	assert.Equal(t, domain.Draining, env.availability(n.Id()))

	assert.True(t, r.CompareAndSetAvailability(n.Id(), domain.Draining, domain.Down))
	assert.Equal(t, domain.Down, env.availability(n.Id()))
	assert.False(t, r.CompareAndSetAvailability("missing", domain.Down, domain.Up))
}

func TestReserveOnlyOnUpNodes(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	n := env.localNode("http://n1", cheese, cheese)
	status, _ := n.GetStatus(context.Background())
	r.Add(n, status)
	slot := status.Slots[0].Id

	assert.False(t, r.Reserve(slot), "DOWN node")
	r.SetAvailability(n.Id(), domain.Draining)
	assert.False(t, r.Reserve(slot), "DRAINING node")

	r.SetAvailability(n.Id(), domain.Up)
	assert.True(t, r.Reserve(slot))
	assert.False(t, r.Reserve(slot), "already reserved")
	assert.False(t, r.Reserve(domain.SlotId{NodeId: n.Id(), Id: "nope"}))
	assert.False(t, r.Reserve(domain.SlotId{NodeId: "missing", Id: "nope"}))

	got, _ := r.Get(n.Id())
	assert.Equal(t, domain.SlotReserved, got.Slots[0].State)
	assert.True(t, got.Slots[0].Session.IsReservation())
}

func TestReserveRespectsMaxSessionCount(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	ctrl := gomock.NewController(t)
	status := statusWithLoad("n", "http://n", cheese, 2, 0)
	status.MaxSessionCount = 1
	r.Add(mockNode(ctrl, "n", "http://n"), status)
	r.SetAvailability("n", domain.Up)

	assert.True(t, r.Reserve(status.Slots[0].Id))
	assert.False(t, r.Reserve(status.Slots[1].Id))
}

func TestSetSessionAndRelease(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	n := env.localNode("http://n1", cheese)
	env.addUp(t, n)
	got, _ := r.Get(n.Id())
	slot := got.Slots[0].Id

	session := &domain.Session{Id: domain.NewSessionId(), Uri: "http://n1"}
	assert.False(t, r.SetSession(slot, session), "slot was never reserved")

	require.True(t, r.Reserve(slot))
	require.True(t, r.SetSession(slot, session))
	got, _ = r.Get(n.Id())
	assert.Equal(t, domain.SlotActive, got.Slots[0].State)
	assert.Equal(t, session.Id, got.Slots[0].Session.Id)
	assert.Equal(t, env.clock.Now(), got.Slots[0].LastStarted)

	assert.False(t, r.SetSession(slot, nil), "active slots are not rolled back")

	require.NoError(t, r.Release(session.Id))
	got, _ = r.Get(n.Id())
	assert.Equal(t, domain.SlotAvailable, got.Slots[0].State)
	assert.Nil(t, got.Slots[0].Session)

	assert.True(t, domain.IsNoSuchSession(r.Release(session.Id)))

	stats.VerifyStats("", env.stat.Registry(), t, map[string]stats.Rule{
		stats.RegistryDivergenceCounter: {Checker: stats.Int64EqTest, Value: 2},
		stats.RegistryUpNodesGauge:      {Checker: stats.Int64EqTest, Value: 1},
		stats.RegistryFreeSlotsGauge:    {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestRefresh(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	ctrl := gomock.NewController(t)

	status := statusWithLoad("n", "http://n", cheese, 2, 0)
	assert.Equal(t, Unknown, r.Refresh(status))

	r.Add(mockNode(ctrl, "n", "http://n"), status)
	busy := status.Copy()
	busy.Slots[1].State = domain.SlotActive
	busy.Slots[1].Session = &domain.Session{Id: "s1"}

	// DOWN nodes take the new slots but stay DOWN.
	assert.Equal(t, Updated, r.Refresh(busy))
	got, _ := r.Get("n")
	assert.Equal(t, domain.Down, got.Availability)
	assert.Equal(t, domain.SlotActive, got.Slots[1].State)

	r.SetAvailability("n", domain.Up)
	draining := busy.Copy()
	draining.Availability = domain.Draining
	assert.Equal(t, Updated, r.Refresh(draining))
	got, _ = r.Get("n")
	assert.Equal(t, domain.Draining, got.Availability)
}

func TestRefreshKeepsLocalReservations(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	ctrl := gomock.NewController(t)
	status := statusWithLoad("n", "http://n", cheese, 1, 0)
	r.Add(mockNode(ctrl, "n", "http://n"), status)
	r.SetAvailability("n", domain.Up)
	require.True(t, r.Reserve(status.Slots[0].Id))

	// The node has not heard of the reservation yet.
	assert.Equal(t, Updated, r.Refresh(status))
	got, _ := r.Get("n")
	assert.Equal(t, domain.SlotReserved, got.Slots[0].State)
	assert.True(t, r.SetSession(status.Slots[0].Id, &domain.Session{Id: "s1"}))
}

func TestRefreshKeepsSlotSetFixed(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	r := env.d.registry
	ctrl := gomock.NewController(t)
	status := statusWithLoad("n", "http://n", cheese, 2, 0)
	r.Add(mockNode(ctrl, "n", "http://n"), status)

	// One known slot now busy, the other missing, plus a slot never seen.
	report := status.Copy()
	report.Slots = report.Slots[:1]
	report.Slots[0].State = domain.SlotActive
	report.Slots[0].Session = &domain.Session{Id: "s1"}
	extra := statusWithLoad("n", "http://n", chrome, 1, 0).Slots[0]
	report.Slots = append(report.Slots, extra)
	assert.Equal(t, Updated, r.Refresh(report))

	got, _ := r.Get("n")
	require.Len(t, got.Slots, 2)
	assert.Equal(t, status.Slots[0].Id, got.Slots[0].Id)
	assert.Equal(t, domain.SlotActive, got.Slots[0].State)
	assert.Equal(t, domain.SessionId("s1"), got.Slots[0].Session.Id)
	assert.Equal(t, status.Slots[1].Id, got.Slots[1].Id)
	assert.Equal(t, domain.SlotAvailable, got.Slots[1].State)

	r.SetAvailability("n", domain.Up)
	_, _, ok := mustHost(t, r, "n").Reserve(chrome)
	assert.False(t, ok, "unknown slot must not be offered")
}

func mustHost(t *testing.T, r *NodeRegistry, id domain.NodeId) *Host {
	h, ok := r.host(id)
	require.True(t, ok)
	return h
}

func TestRefreshWithWrongSecretIsRejected(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{RegistrationSecret: "cheese"}, nil)
	r := env.d.registry
	rejected := &eventLog{}
	env.bus.AddListener(events.NodeRejectedType, rejected.add)
	ctrl := gomock.NewController(t)

	status := statusWithLoad("n", "http://n", cheese, 1, 0)
	status.RegistrationSecret = "cheese"
	r.Add(mockNode(ctrl, "n", "http://n"), status)

	wrong := statusWithLoad("n", "http://n", cheese, 3, 0)
	wrong.RegistrationSecret = "camembert"
	assert.Equal(t, Rejected, r.Refresh(wrong))
	assert.Eventually(t, func() bool { return rejected.len() == 1 }, time.Second, 5*time.Millisecond)

	got, _ := r.Get("n")
	assert.Len(t, got.Slots, 1)
	assert.Equal(t, Updated, r.Refresh(status))
}

func TestHostLoadAndLastSessionCreated(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mockNode(ctrl, "n", "http://n")
	status := statusWithLoad("n", "http://n", cheese, 4, 1)
	started := time.Unix(1600000000, 0)
	status.Slots[0].LastStarted = started
	h := NewHost(n, status)

	assert.Equal(t, 25.0, h.Load())
	assert.Equal(t, started, h.LastSessionCreated())
	assert.True(t, h.HasCapacity(cheese))
	assert.False(t, h.HasCapacity(chrome))
}

func TestHostReserveRollsBackOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mockNode(ctrl, "n", "http://n")
	n.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(nil, assert.AnError)
	h := NewHost(n, statusWithLoad("n", "http://n", cheese, 1, 0))

	_, create, ok := h.Reserve(cheese)
	require.True(t, ok)
	assert.False(t, h.HasCapacity(cheese))
	_, _, ok = h.Reserve(cheese)
	assert.False(t, ok)

	_, err := create(context.Background(), nodeRequest(cheese))
	assert.Equal(t, assert.AnError, err)
	assert.True(t, h.HasCapacity(cheese))
	assert.Equal(t, domain.SlotAvailable, h.Status().Slots[0].State)
}
