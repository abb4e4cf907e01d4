// Package node defines how the distributor talks to the worker processes
// that actually run browsers.
package node

//go:generate mockgen -source=node.go -package=node -destination=node_mock.go

import (
	"context"

	"github.com/twitter/grid/distributor/domain"
)

// CreateSessionRequest is what the distributor asks a node to start, after
// picking one of the request's capability alternatives.
type CreateSessionRequest struct {
	RequestId    domain.RequestId    `json:"requestId"`
	Dialects     []string            `json:"dialects"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

// Node is a worker offering slots. Implementations may be in process or
// forward calls to a remote worker.
type Node interface {
	Id() domain.NodeId
	Uri() string

	// GetStatus returns the node's own view of its slots.
	GetStatus(ctx context.Context) (domain.NodeStatus, error)

	// NewSession starts a browser session. It is never retried by the
	// distributor since creating a session is not known to be idempotent.
	NewSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error)

	// StopSession ends a session started by NewSession and frees its slot.
	StopSession(ctx context.Context, id domain.SessionId) error

	// HealthCheck returns nil if the node is reachable and able to take sessions.
	HealthCheck(ctx context.Context) error

	// Drain stops the node from accepting sessions; it reports drain start and
	// completion through the event bus.
	Drain(ctx context.Context) error
}

// Factory builds a Node handle for a node first seen through a heartbeat.
type Factory func(status domain.NodeStatus) Node
