// Package events carries grid lifecycle notifications between nodes, the
// distributor and the session queue.
package events

import (
	"fmt"

	"github.com/twitter/grid/distributor/domain"
)

type Type string

const (
	NodeStatusType        Type = "node-status"
	NodeAddedType         Type = "node-added"
	NodeRemovedType       Type = "node-removed"
	NodeRejectedType      Type = "node-rejected"
	NodeDrainStartedType  Type = "node-drain-started"
	NodeDrainCompleteType Type = "node-drain-complete"
	SessionClosedType     Type = "session-closed"
	NewSessionRequestType Type = "new-session-request"
	NewSessionRejectType  Type = "new-session-rejected"
)

// Event is implemented by every message sent over a Bus.
type Event interface {
	Type() Type
}

// NodeStatusEvent is a node heartbeat.
type NodeStatusEvent struct {
	Status domain.NodeStatus
}

type NodeAddedEvent struct {
	NodeId domain.NodeId
	Uri    string
}

type NodeRemovedEvent struct {
	NodeId domain.NodeId
	Uri    string
}

// NodeRejectedEvent is fired when a node presents the wrong registration secret.
type NodeRejectedEvent struct {
	Uri    string
	Reason string
}

type NodeDrainStartedEvent struct {
	NodeId domain.NodeId
}

type NodeDrainCompleteEvent struct {
	NodeId domain.NodeId
}

type SessionClosedEvent struct {
	SessionId domain.SessionId
}

// NewSessionRequestEvent announces that a request is waiting in the queue.
type NewSessionRequestEvent struct {
	RequestId domain.RequestId
}

// NewSessionRejectedEvent is fired when a queued request is given up on.
type NewSessionRejectedEvent struct {
	RequestId domain.RequestId
	Reason    string
}

func (NodeStatusEvent) Type() Type         { return NodeStatusType }
func (NodeAddedEvent) Type() Type          { return NodeAddedType }
func (NodeRemovedEvent) Type() Type        { return NodeRemovedType }
func (NodeRejectedEvent) Type() Type       { return NodeRejectedType }
func (NodeDrainStartedEvent) Type() Type   { return NodeDrainStartedType }
func (NodeDrainCompleteEvent) Type() Type  { return NodeDrainCompleteType }
func (SessionClosedEvent) Type() Type      { return SessionClosedType }
func (NewSessionRequestEvent) Type() Type  { return NewSessionRequestType }
func (NewSessionRejectedEvent) Type() Type { return NewSessionRejectType }

func (e NodeStatusEvent) String() string {
	return fmt.Sprintf("%s %s", e.Type(), e.Status)
}

func (e NewSessionRejectedEvent) String() string {
	return fmt.Sprintf("%s %s: %s", e.Type(), e.RequestId, e.Reason)
}
