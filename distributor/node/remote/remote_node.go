// Package remote forwards Node calls over HTTP to a worker running elsewhere,
// and serves a Node over HTTP on the worker side.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node"
)

const (
	StatusPath  = "/se/grid/node/status"
	SessionPath = "/se/grid/node/session"
	DrainPath   = "/se/grid/node/drain"
	HealthPath  = "/readyz"
)

// ~15s total of trying with exponential backoff.
const DefaultHttpTries = 4

type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

// MakePesterClient returns a retrying client. It is only used for requests
// that are safe to repeat.
func MakePesterClient(tries int) *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.LogHook = func(e pester.ErrEntry) {
		log.Infof("Retrying node request after failed attempt: %+v", e)
	}
	return client
}

// RemoteNode talks to a worker at Uri. Reads (status, health) go through a
// retrying client; session creation and drain are sent once.
type RemoteNode struct {
	id     domain.NodeId
	uri    string
	reads  Client
	writes Client
}

var _ node.Node = (*RemoteNode)(nil)

func NewRemoteNode(id domain.NodeId, uri string, reads, writes Client) *RemoteNode {
	return &RemoteNode{
		id:     id,
		uri:    strings.TrimSuffix(uri, "/"),
		reads:  reads,
		writes: writes,
	}
}

// NewFactory builds remote handles for nodes that announce themselves through
// heartbeats.
func NewFactory(reads, writes Client) node.Factory {
	return func(status domain.NodeStatus) node.Node {
		return NewRemoteNode(status.NodeId, status.Uri, reads, writes)
	}
}

// DefaultFactory uses a pester client for reads and http.DefaultClient for writes.
func DefaultFactory() node.Factory {
	return NewFactory(MakePesterClient(DefaultHttpTries), http.DefaultClient)
}

func (n *RemoteNode) Id() domain.NodeId { return n.id }
func (n *RemoteNode) Uri() string       { return n.uri }

func (n *RemoteNode) GetStatus(ctx context.Context) (domain.NodeStatus, error) {
	var status domain.NodeStatus
	resp, err := n.do(ctx, n.reads, "GET", StatusPath, nil)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, errors.Wrapf(err, "decoding status from %s", n.uri)
	}
	return status, nil
}

func (n *RemoteNode) NewSession(ctx context.Context, req node.CreateSessionRequest) (*domain.Session, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding session request")
	}
	resp, err := n.do(ctx, n.writes, "POST", SessionPath, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewSessionNotCreatedError(err, "node %s", n.id)
	}
	defer resp.Body.Close()
	session := &domain.Session{}
	if err := json.NewDecoder(resp.Body).Decode(session); err != nil {
		return nil, domain.NewSessionNotCreatedError(err, "node %s sent an unreadable session", n.id)
	}
	return session, nil
}

func (n *RemoteNode) StopSession(ctx context.Context, id domain.SessionId) error {
	resp, err := n.do(ctx, n.writes, "DELETE", SessionPath+"/"+string(id), nil)
	if err != nil {
		return errors.Wrapf(err, "stopping session %s", id)
	}
	resp.Body.Close()
	return nil
}

func (n *RemoteNode) HealthCheck(ctx context.Context) error {
	resp, err := n.do(ctx, n.reads, "GET", HealthPath, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (n *RemoteNode) Drain(ctx context.Context) error {
	resp, err := n.do(ctx, n.writes, "POST", DrainPath, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends one request and turns any non-200 answer into an error carrying
// the response body.
func (n *RemoteNode) do(ctx context.Context, client Client, method, path string, body io.Reader) (*http.Response, error) {
	uri := n.uri + path
	req, err := http.NewRequest(method, uri, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building request %s %s", method, uri)
	}
	req = req.WithContext(ctx)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, uri)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %s: %s", method, uri, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
