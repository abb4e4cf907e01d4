package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Availability is the cluster visible state of a node.
type Availability int

const (
	// New nodes start DOWN until a health check proves they are reachable.
	Down Availability = iota
	Up
	Draining
)

func (a Availability) String() string {
	switch a {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	case Draining:
		return "DRAINING"
	}
	return fmt.Sprintf("Availability(%d)", int(a))
}

func ParseAvailability(s string) (Availability, error) {
	switch s {
	case "UP":
		return Up, nil
	case "DOWN":
		return Down, nil
	case "DRAINING":
		return Draining, nil
	}
	return Down, fmt.Errorf("unknown availability %q", s)
}

func (a Availability) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Availability) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseAvailability(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SlotState is the occupancy of a single slot.
type SlotState int

const (
	SlotAvailable SlotState = iota
	SlotReserved
	SlotActive
)

func (s SlotState) String() string {
	switch s {
	case SlotAvailable:
		return "AVAILABLE"
	case SlotReserved:
		return "RESERVED"
	case SlotActive:
		return "ACTIVE"
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

func (s SlotState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SlotState) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch str {
	case "AVAILABLE":
		*s = SlotAvailable
	case "RESERVED":
		*s = SlotReserved
	case "ACTIVE":
		*s = SlotActive
	default:
		return fmt.Errorf("unknown slot state %q", str)
	}
	return nil
}

// ReservedSessionId marks a slot that has been reserved but whose session
// has not been created yet.
const ReservedSessionId = SessionId("reserved")

// Session is a live browser session bound to exactly one slot.
type Session struct {
	Id           SessionId    `json:"id"`
	Uri          string       `json:"uri"`
	Stereotype   Capabilities `json:"stereotype"`
	Capabilities Capabilities `json:"capabilities"`
	StartTime    time.Time    `json:"startTime"`
}

func NewReservedSession(uri string, stereotype Capabilities, at time.Time) *Session {
	return &Session{
		Id:           ReservedSessionId,
		Uri:          uri,
		Stereotype:   stereotype,
		Capabilities: stereotype,
		StartTime:    at,
	}
}

func (s *Session) IsReservation() bool {
	return s != nil && s.Id == ReservedSessionId
}

func (s *Session) Copy() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Stereotype = s.Stereotype.Copy()
	cp.Capabilities = s.Capabilities.Copy()
	return &cp
}

// Slot is one unit of capacity on a node. The stereotype never changes,
// only the occupancy does.
type Slot struct {
	Id          SlotId       `json:"id"`
	Stereotype  Capabilities `json:"stereotype"`
	State       SlotState    `json:"state"`
	LastStarted time.Time    `json:"lastStarted"`
	Session     *Session     `json:"session,omitempty"`
}

func (s Slot) Copy() Slot {
	s.Stereotype = s.Stereotype.Copy()
	s.Session = s.Session.Copy()
	return s
}

// NodeStatus is a point in time description of a node, as reported by the
// node's heartbeat and as stored by the registry.
type NodeStatus struct {
	NodeId             NodeId       `json:"nodeId"`
	Uri                string       `json:"uri"`
	MaxSessionCount    int          `json:"maxSessionCount"`
	Slots              []Slot       `json:"slots"`
	Availability       Availability `json:"availability"`
	RegistrationSecret string       `json:"registrationSecret,omitempty"`
}

func (n NodeStatus) Copy() NodeStatus {
	slots := make([]Slot, len(n.Slots))
	for i, s := range n.Slots {
		slots[i] = s.Copy()
	}
	n.Slots = slots
	return n
}

// UsedSlots counts slots that are reserved or active.
func (n NodeStatus) UsedSlots() int {
	used := 0
	for _, s := range n.Slots {
		if s.State != SlotAvailable {
			used++
		}
	}
	return used
}

func (n NodeStatus) String() string {
	return fmt.Sprintf("{nodeId:%s, uri:%s, maxSessions:%d, slots:%d, used:%d, availability:%s}",
		n.NodeId, n.Uri, n.MaxSessionCount, len(n.Slots), n.UsedSlots(), n.Availability)
}

// SessionRequest asks for a new session. Capabilities holds alternatives in
// order of preference; the first one any node can satisfy wins.
type SessionRequest struct {
	Id           RequestId      `json:"id"`
	EnqueuedAt   time.Time      `json:"enqueuedAt"`
	Dialects     []string       `json:"dialects"`
	Capabilities []Capabilities `json:"capabilities"`
}

func NewSessionRequest(dialects []string, caps ...Capabilities) *SessionRequest {
	return &SessionRequest{
		Id:           NewRequestId(),
		Dialects:     dialects,
		Capabilities: caps,
	}
}
