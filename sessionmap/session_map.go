// Package sessionmap records which node serves each running session so that
// later commands can be routed to it.
package sessionmap

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/domain"
)

type SessionMap interface {
	Add(session *domain.Session) error
	Get(id domain.SessionId) (*domain.Session, error)
	Remove(id domain.SessionId)
}

// LocalSessionMap is an in-memory SessionMap. Entries are dropped when a
// SessionClosedEvent is seen on the bus.
type LocalSessionMap struct {
	mu       sync.RWMutex
	sessions map[domain.SessionId]*domain.Session
	stat     stats.StatsReceiver
}

var _ SessionMap = (*LocalSessionMap)(nil)

func NewLocalSessionMap(bus events.Bus, stat stats.StatsReceiver) *LocalSessionMap {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	m := &LocalSessionMap{
		sessions: make(map[domain.SessionId]*domain.Session),
		stat:     stat,
	}
	if bus != nil {
		bus.AddListener(events.SessionClosedType, func(e events.Event) {
			m.Remove(e.(events.SessionClosedEvent).SessionId)
		})
	}
	return m
}

func (m *LocalSessionMap) Add(session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.Id] = session.Copy()
	m.stat.Gauge(stats.SessionMapSizeGauge).Update(int64(len(m.sessions)))
	return nil
}

func (m *LocalSessionMap) Get(id domain.SessionId) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &domain.NoSuchSessionError{Id: id}
	}
	return s.Copy(), nil
}

func (m *LocalSessionMap) Remove(id domain.SessionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		log.WithFields(log.Fields{"session": id}).Debug("Removed session")
	}
	m.stat.Gauge(stats.SessionMapSizeGauge).Update(int64(len(m.sessions)))
}

func (m *LocalSessionMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
