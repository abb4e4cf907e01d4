package server

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node"
)

// CreateSessionFn finishes a reservation by asking the node for a session.
// It must be called without holding the registry lock.
type CreateSessionFn func(ctx context.Context, req node.CreateSessionRequest) (*domain.Session, error)

// Host tracks the slots of one node and hands out reservations on them.
// Its mutex nests inside the registry lock, never the other way around.
type Host struct {
	node  node.Node
	nowFn func() time.Time

	// commit applies RESERVED -> ACTIVE (or back to AVAILABLE on a nil session)
	// once the node has answered. The registry points it at SetSession so the
	// transition is made under the registry lock.
	commit func(domain.SlotId, *domain.Session) bool

	mu     sync.Mutex
	status domain.NodeStatus
}

func NewHost(n node.Node, status domain.NodeStatus) *Host {
	status = status.Copy()
	status.NodeId = n.Id()
	if status.Uri == "" {
		status.Uri = n.Uri()
	}
	h := &Host{node: n, nowFn: time.Now, status: status}
	h.commit = h.setSession
	return h
}

func (h *Host) Id() domain.NodeId { return h.node.Id() }
func (h *Host) Node() node.Node   { return h.node }

// Status returns a copy of the host's slots. Availability is owned by the
// registry and is not meaningful here.
func (h *Host) Status() domain.NodeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.Copy()
}

func (h *Host) Uri() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.Uri
}

// HasCapacity is true if a session is allowed and some free slot's
// stereotype satisfies desired.
func (h *Host) HasCapacity(desired domain.Capabilities) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freeSlotLocked(desired) >= 0
}

// Load is the percentage of MaxSessionCount in use.
func (h *Host) Load() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return load(h.status)
}

// LastSessionCreated is the most recent session start across all slots.
func (h *Host) LastSessionCreated() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	var last time.Time
	for _, s := range h.status.Slots {
		if s.LastStarted.After(last) {
			last = s.LastStarted
		}
	}
	return last
}

// Reserve marks the first free slot matching desired as RESERVED. The
// returned function creates the session on the node and either commits the
// slot as ACTIVE or rolls it back to AVAILABLE.
func (h *Host) Reserve(desired domain.Capabilities) (domain.SlotId, CreateSessionFn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.freeSlotLocked(desired)
	if idx < 0 {
		return domain.SlotId{}, nil, false
	}
	h.reserveLocked(idx)
	slotId := h.status.Slots[idx].Id

	create := func(ctx context.Context, req node.CreateSessionRequest) (*domain.Session, error) {
		session, err := h.node.NewSession(ctx, req)
		if err != nil {
			h.commit(slotId, nil)
			return nil, err
		}
		h.commit(slotId, session)
		return session, nil
	}
	return slotId, create, true
}

// reserveSlot reserves a specific slot.
func (h *Host) reserveSlot(id domain.SlotId) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.UsedSlots() >= h.status.MaxSessionCount {
		return false
	}
	for i, s := range h.status.Slots {
		if s.Id == id {
			if s.State != domain.SlotAvailable {
				return false
			}
			h.reserveLocked(i)
			return true
		}
	}
	return false
}

func (h *Host) reserveLocked(idx int) {
	slot := &h.status.Slots[idx]
	slot.State = domain.SlotReserved
	slot.Session = domain.NewReservedSession(h.status.Uri, slot.Stereotype, h.nowFn())
}

// setSession moves a reserved slot to ACTIVE, or back to AVAILABLE when
// session is nil. It refuses slots that do not hold a reservation.
func (h *Host) setSession(id domain.SlotId, session *domain.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.status.Slots {
		slot := &h.status.Slots[i]
		if slot.Id != id {
			continue
		}
		if !slot.Session.IsReservation() {
			log.WithFields(log.Fields{
				"node":  h.status.NodeId,
				"slot":  id,
				"state": slot.State,
			}).Warn("Slot is not reserved, ignoring update")
			return false
		}
		if session == nil {
			slot.State = domain.SlotAvailable
			slot.Session = nil
			return true
		}
		slot.State = domain.SlotActive
		slot.LastStarted = h.nowFn()
		slot.Session = session.Copy()
		return true
	}
	log.WithFields(log.Fields{"node": h.status.NodeId, "slot": id}).Warn("Unknown slot")
	return false
}

func (h *Host) runs(id domain.SessionId) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.status.Slots {
		if s.Session != nil && s.Session.Id == id {
			return true
		}
	}
	return false
}

// release frees the slot running the session, if any.
func (h *Host) release(id domain.SessionId) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.status.Slots {
		slot := &h.status.Slots[i]
		if slot.Session != nil && slot.Session.Id == id {
			slot.State = domain.SlotAvailable
			slot.Session = nil
			return true
		}
	}
	return false
}

// update applies the slot states reported by the node. The slot set is the
// one the host was built with: reported slots it does not know are ignored
// and slots missing from the report keep their last known state. A slot
// reserved here keeps its reservation since the node learns about it only
// once the session is created.
func (h *Host) update(status domain.NodeStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reported := make(map[domain.SlotId]domain.Slot, len(status.Slots))
	for _, s := range status.Slots {
		reported[s.Id] = s
	}
	for i := range h.status.Slots {
		slot := &h.status.Slots[i]
		r, ok := reported[slot.Id]
		if !ok {
			continue
		}
		delete(reported, slot.Id)
		if slot.Session.IsReservation() {
			continue
		}
		slot.State = r.State
		slot.LastStarted = r.LastStarted
		slot.Session = r.Session.Copy()
	}
	for id := range reported {
		log.WithFields(log.Fields{"node": h.status.NodeId, "slot": id}).Warn("Ignoring unknown slot in node status")
	}
	if status.Uri != "" {
		h.status.Uri = status.Uri
	}
}

func (h *Host) freeSlotLocked(desired domain.Capabilities) int {
	if h.status.UsedSlots() >= h.status.MaxSessionCount {
		return -1
	}
	for i, s := range h.status.Slots {
		if s.State == domain.SlotAvailable && s.Stereotype.Matches(desired) {
			return i
		}
	}
	return -1
}

func load(status domain.NodeStatus) float64 {
	if status.MaxSessionCount <= 0 {
		return 100
	}
	return float64(status.UsedSlots()) / float64(status.MaxSessionCount) * 100
}
