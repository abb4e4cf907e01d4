package server

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/common/log/hooks"
	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node"
	"github.com/twitter/grid/distributor/node/local"
	"github.com/twitter/grid/sessionmap"
)

// Used to get proper logging from tests...
func init() {
	if loglevel := os.Getenv("GRID_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	} else {
		log.SetLevel(log.ErrorLevel)
	}
}

var cheese = domain.Capabilities{"cheese": "brie"}
var chrome = domain.Capabilities{domain.BrowserName: "chrome"}
var firefox = domain.Capabilities{domain.BrowserName: "firefox"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1600000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	bus      events.Bus
	sessions *sessionmap.LocalSessionMap
	stat     stats.StatsReceiver
	d        *LocalDistributor
	clock    *fakeClock
}

func makeEnv(t *testing.T, config DistributorConfiguration, factory node.Factory) *testEnv {
	bus := events.NewLocalBus()
	stat := stats.NewCustomStatsReceiver(nil)
	sessions := sessionmap.NewLocalSessionMap(bus, stat)
	d := NewLocalDistributor(config, bus, sessions, factory, stat)
	clock := newFakeClock()
	d.nowFn = clock.Now
	d.registry.nowFn = clock.Now
	t.Cleanup(func() {
		d.Close()
		bus.Close()
	})
	return &testEnv{bus: bus, sessions: sessions, stat: stat, d: d, clock: clock}
}

// addUp registers a node without health checking it and marks it UP.
func (e *testEnv) addUp(t *testing.T, n node.Node) *Host {
	status, err := n.GetStatus(context.Background())
	require.NoError(t, err)
	h := e.d.registry.Add(n, status)
	e.d.registry.SetAvailability(n.Id(), domain.Up)
	return h
}

func (e *testEnv) localNode(uri string, stereotypes ...domain.Capabilities) *local.LocalNode {
	return local.NewLocalNode(local.NodeConfig{Uri: uri, Stereotypes: stereotypes}, e.bus)
}

func (e *testEnv) availability(id domain.NodeId) domain.Availability {
	a, _ := e.d.registry.Availability(id)
	return a
}

// mockNode answers Id and Uri; tests add expectations for the rest.
func mockNode(ctrl *gomock.Controller, id domain.NodeId, uri string) *node.MockNode {
	n := node.NewMockNode(ctrl)
	n.EXPECT().Id().Return(id).AnyTimes()
	n.EXPECT().Uri().Return(uri).AnyTimes()
	return n
}

// statusWithLoad describes a node with total slots of the given stereotype,
// the first used of which run sessions.
func statusWithLoad(id domain.NodeId, uri string, stereotype domain.Capabilities, total, used int) domain.NodeStatus {
	status := domain.NodeStatus{NodeId: id, Uri: uri, MaxSessionCount: total}
	for i := 0; i < total; i++ {
		slot := domain.Slot{Id: domain.NewSlotId(id), Stereotype: stereotype, State: domain.SlotAvailable}
		if i < used {
			slot.State = domain.SlotActive
			slot.Session = &domain.Session{Id: domain.NewSessionId(), Uri: uri, Stereotype: stereotype}
		}
		status.Slots = append(status.Slots, slot)
	}
	return status
}

func newRequest(caps ...domain.Capabilities) *domain.SessionRequest {
	return domain.NewSessionRequest([]string{"W3C"}, caps...)
}

func nodeRequest(caps domain.Capabilities) node.CreateSessionRequest {
	return node.CreateSessionRequest{RequestId: domain.NewRequestId(), Capabilities: caps}
}

// messageHook runs fn whenever msg is logged.
type messageHook struct {
	msg string
	fn  func()
}

func (h *messageHook) Levels() []log.Level { return log.AllLevels }

func (h *messageHook) Fire(e *log.Entry) error {
	if e.Message == h.msg {
		h.fn()
	}
	return nil
}

// onLogMessage lets a test act at the point the code under test logs msg.
func onLogMessage(t *testing.T, msg string, fn func()) {
	logger := log.StandardLogger()
	level, out := logger.GetLevel(), logger.Out
	prev := logger.ReplaceHooks(log.LevelHooks{})
	logger.AddHook(&messageHook{msg: msg, fn: fn})
	if !logger.IsLevelEnabled(log.InfoLevel) {
		logger.SetOutput(io.Discard)
		logger.SetLevel(log.InfoLevel)
	}
	t.Cleanup(func() {
		logger.ReplaceHooks(prev)
		logger.SetLevel(level)
		logger.SetOutput(out)
	})
}
