package domain

import (
	"fmt"

	uuid "github.com/nu7hatch/gouuid"
)

// NodeId identifies a node. Ids are random so that the NodeId tie-break used
// when ordering scheduling candidates does not favor any node.
type NodeId string

// SessionId identifies a browser session.
type SessionId string

// RequestId identifies a queued new session request.
type RequestId string

// SlotId identifies a slot on a node and carries the id of the owning node.
type SlotId struct {
	NodeId NodeId `json:"nodeId"`
	Id     string `json:"id"`
}

func (s SlotId) String() string {
	return fmt.Sprintf("%s/%s", s.NodeId, s.Id)
}

func NewNodeId() NodeId {
	return NodeId(newUUID())
}

func NewSessionId() SessionId {
	return SessionId(newUUID())
}

func NewRequestId() RequestId {
	return RequestId(newUUID())
}

func NewSlotId(nodeId NodeId) SlotId {
	return SlotId{NodeId: nodeId, Id: newUUID()}
}

func newUUID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// crypto/rand is exhausted or unavailable, nothing sensible to fall back to.
		panic(fmt.Sprintf("could not generate uuid: %v", err))
	}
	return id.String()
}
