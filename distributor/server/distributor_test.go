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
	"github.com/twitter/grid/distributor/node"
	"github.com/twitter/grid/distributor/node/local"
)

func TestNewSessionWithoutCapabilities(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	_, err := env.d.NewSession(context.Background(), newRequest())
	assert.True(t, domain.IsSessionNotCreated(err))
	assert.False(t, IsNoCapacity(err))
}

func TestNewSessionEndToEnd(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	n := env.localNode("http://n1", cheese)
	require.NoError(t, env.d.Add(context.Background(), n))
	assert.Eventually(t, func() bool { return env.availability(n.Id()) == domain.Up }, time.Second, 5*time.Millisecond)

	session, err := env.d.NewSession(context.Background(), newRequest(cheese))
	require.NoError(t, err)
	assert.Equal(t, "http://n1", session.Uri)
	stored, err := env.sessions.Get(session.Id)
	require.NoError(t, err)
	assert.Equal(t, session.Id, stored.Id)

	status := env.d.GetStatus()
	require.Len(t, status.Nodes, 1)
	assert.Equal(t, 100.0, status.Nodes[0].Load)
	assert.Equal(t, domain.SlotActive, status.Nodes[0].Slots[0].State)
	assert.False(t, status.HasCapacity())

	_, err = env.d.NewSession(context.Background(), newRequest(cheese))
	assert.True(t, IsNoCapacity(err))

	require.NoError(t, n.StopSession(context.Background(), session.Id))
	assert.Eventually(t, func() bool { return env.d.GetStatus().HasCapacity() }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := env.sessions.Get(session.Id)
		return domain.IsNoSuchSession(err)
	}, time.Second, 5*time.Millisecond)

	stats.VerifyStats("", env.stat.Registry(), t, map[string]stats.Rule{
		stats.DistributorNewSessionCounter:     {Checker: stats.Int64EqTest, Value: 2},
		stats.DistributorSessionCreatedCounter: {Checker: stats.Int64EqTest, Value: 1},
		stats.DistributorNoCapacityCounter:     {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestStopSessionFreesSlotRightAway(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	ctrl := gomock.NewController(t)
	n := mockNode(ctrl, "a", "http://a")
	env.d.registry.Add(n, statusWithLoad("a", "http://a", cheese, 1, 0))
	env.d.registry.SetAvailability("a", domain.Up)
	created := &domain.Session{Id: "s1", Uri: "http://a"}
	n.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(created, nil)
	n.EXPECT().StopSession(gomock.Any(), domain.SessionId("s1")).Return(nil)
	ctx := context.Background()

	session, err := env.d.NewSession(ctx, newRequest(cheese))
	require.NoError(t, err)
	require.False(t, env.d.GetStatus().HasCapacity())

	require.NoError(t, env.d.StopSession(ctx, session.Id))
	assert.True(t, env.d.GetStatus().HasCapacity())
	_, err = env.sessions.Get(session.Id)
	assert.True(t, domain.IsNoSuchSession(err))

	assert.True(t, domain.IsNoSuchSession(env.d.StopSession(ctx, session.Id)))
}

func TestOnlyOneOfManyConcurrentRequestsGetsTheLastSlot(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	env.addUp(t, env.localNode("http://n1", cheese))

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, noCapacity := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.d.NewSession(context.Background(), newRequest(cheese))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if IsNoCapacity(err) {
				noCapacity++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 19, noCapacity)
}

func TestLeastLoadedNodeWins(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	ctrl := gomock.NewController(t)

	var idle *node.MockNode
	for i, used := range []int{4, 0, 6, 8} {
		id := domain.NodeId([]string{"a", "b", "c", "d"}[i])
		uri := "http://" + string(id)
		n := mockNode(ctrl, id, uri)
		if used == 0 {
			idle = n
		}
		env.d.registry.Add(n, statusWithLoad(id, uri, chrome, 10, used))
		env.d.registry.SetAvailability(id, domain.Up)
	}
	idle.EXPECT().NewSession(gomock.Any(), gomock.Any()).
		Return(&domain.Session{Id: "s1", Uri: "http://b"}, nil)

	session, err := env.d.NewSession(context.Background(), newRequest(chrome))
	require.NoError(t, err)
	assert.Equal(t, "http://b", session.Uri)
}

func TestEqualLoadGoesToLeastRecentlyUsedNode(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	ctrl := gomock.NewController(t)

	for _, id := range []domain.NodeId{"c", "a", "b"} {
		n := mockNode(ctrl, id, "http://"+string(id))
		uri := "http://" + string(id)
		n.EXPECT().NewSession(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, node.CreateSessionRequest) (*domain.Session, error) {
				return &domain.Session{Id: domain.NewSessionId(), Uri: uri}, nil
			}).AnyTimes()
		env.d.registry.Add(n, statusWithLoad(id, uri, cheese, 2, 0))
		env.d.registry.SetAvailability(id, domain.Up)
	}

	var order []string
	for i := 0; i < 4; i++ {
		env.clock.Advance(time.Second)
		session, err := env.d.NewSession(context.Background(), newRequest(cheese))
		require.NoError(t, err)
		order = append(order, session.Uri)
		require.NoError(t, env.d.registry.Release(session.Id))
	}
	assert.Equal(t, []string{"http://a", "http://b", "http://c", "http://a"}, order)
}

func TestCapabilityAlternativesAreTriedInOrder(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	env.addUp(t, env.localNode("http://ff", firefox))

	session, err := env.d.NewSession(context.Background(), newRequest(chrome, firefox))
	require.NoError(t, err)
	assert.Equal(t, "firefox", session.Capabilities.GetBrowserName())
}

func TestDownAndDrainingNodesAreNotScheduled(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	down := env.localNode("http://down", cheese)
	status, _ := down.GetStatus(context.Background())
	env.d.registry.Add(down, status)
	draining := env.localNode("http://draining", cheese)
	env.addUp(t, draining)
	env.d.registry.SetAvailability(draining.Id(), domain.Draining)

	_, err := env.d.NewSession(context.Background(), newRequest(cheese))
	assert.True(t, IsNoCapacity(err))
}

func TestFailedCreationIsRolledBackAndNotRetried(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	ctrl := gomock.NewController(t)

	broken := mockNode(ctrl, "a", "http://a")
	broken.EXPECT().NewSession(gomock.Any(), gomock.Any()).Return(nil, assert.AnError).Times(1)
	env.d.registry.Add(broken, statusWithLoad("a", "http://a", cheese, 1, 0))
	env.d.registry.SetAvailability("a", domain.Up)
	// Busier, so never chosen first, and never tried as a fallback.
	other := mockNode(ctrl, "b", "http://b")
	env.d.registry.Add(other, statusWithLoad("b", "http://b", cheese, 2, 1))
	env.d.registry.SetAvailability("b", domain.Up)

	_, err := env.d.NewSession(context.Background(), newRequest(cheese))
	assert.True(t, domain.IsSessionNotCreated(err))
	assert.False(t, IsNoCapacity(err))

	got, _ := env.d.registry.Get("a")
	assert.Equal(t, domain.SlotAvailable, got.Slots[0].State)
	assert.Nil(t, got.Slots[0].Session)
	stats.VerifyStats("", env.stat.Registry(), t, map[string]stats.Rule{
		stats.DistributorCreateFailedCounter: {Checker: stats.Int64EqTest, Value: 1},
		stats.RegistryUsedSlotsGauge:         {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestAddFailsWhenStatusUnavailable(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{StatusRetries: -1}, nil)
	ctrl := gomock.NewController(t)
	n := mockNode(ctrl, "a", "http://a")
	n.EXPECT().GetStatus(gomock.Any()).Return(domain.NodeStatus{}, assert.AnError)

	assert.Error(t, env.d.Add(context.Background(), n))
	assert.Empty(t, env.d.GetStatus().Nodes)
}

func TestRemove(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	n := env.localNode("http://n1", cheese)
	require.NoError(t, env.d.Add(context.Background(), n))
	assert.Len(t, env.d.GetStatus().Nodes, 1)

	assert.True(t, env.d.Remove(n.Id()))
	assert.Empty(t, env.d.GetStatus().Nodes)
	assert.False(t, env.d.Remove(n.Id()))
}

func TestHeartbeatFromUnknownNodeAddsIt(t *testing.T) {
	var worker *local.LocalNode
	env := makeEnv(t, DistributorConfiguration{RegistrationSecret: "cheese"}, func(domain.NodeStatus) node.Node {
		return worker
	})
	worker = local.NewLocalNode(local.NodeConfig{
		Uri:                "http://n1",
		Stereotypes:        []domain.Capabilities{cheese},
		RegistrationSecret: "cheese",
	}, env.bus)

	worker.Heartbeat()
	assert.Eventually(t, func() bool { return env.availability(worker.Id()) == domain.Up }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatWithWrongSecretIsRejected(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{RegistrationSecret: "cheese"}, func(domain.NodeStatus) node.Node {
		t.Error("rejected node must not be built")
		return nil
	})
	rejected := &eventLog{}
	env.bus.AddListener(events.NodeRejectedType, rejected.add)
	worker := local.NewLocalNode(local.NodeConfig{
		Uri:                "http://n1",
		Stereotypes:        []domain.Capabilities{cheese},
		RegistrationSecret: "gouda",
	}, env.bus)

	worker.Heartbeat()
	assert.Eventually(t, func() bool { return rejected.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, env.d.GetStatus().Nodes)
}

func TestDrain(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	removed := &eventLog{}
	env.bus.AddListener(events.NodeRemovedType, removed.add)
	n := env.localNode("http://n1", cheese, cheese)
	env.addUp(t, n)

	session, err := env.d.NewSession(context.Background(), newRequest(cheese))
	require.NoError(t, err)
	require.NoError(t, env.d.Drain(context.Background(), n.Id()))
	assert.Equal(t, domain.Draining, env.availability(n.Id()))

	_, err = env.d.NewSession(context.Background(), newRequest(cheese))
	assert.True(t, IsNoCapacity(err))

	require.NoError(t, n.StopSession(context.Background(), session.Id))
	assert.Eventually(t, func() bool { return removed.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, env.d.GetStatus().Nodes)

	assert.True(t, IsNoSuchNode(env.d.Drain(context.Background(), n.Id())))
}

func TestDrainingHeartbeatWithoutSessionsCompletesDrain(t *testing.T) {
	env := makeEnv(t, DistributorConfiguration{}, nil)
	ctrl := gomock.NewController(t)
	n := mockNode(ctrl, "a", "http://a")
	status := statusWithLoad("a", "http://a", cheese, 1, 0)
	env.d.registry.Add(n, status)
	env.d.registry.SetAvailability("a", domain.Up)

	status.Availability = domain.Draining
	env.bus.Fire(events.NodeStatusEvent{Status: status})
	assert.Eventually(t, func() bool { return len(env.d.GetStatus().Nodes) == 0 }, time.Second, 5*time.Millisecond)
}
