package api

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

	"github.com/twitter/grid/common"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node/remote"
	"github.com/twitter/grid/distributor/server"
	"github.com/twitter/grid/sessionqueue"
)

// Client talks to a distributor's api. Reads are retried, writes are sent once.
type Client struct {
	addr   string
	reads  remote.Client
	writes remote.Client
}

func NewClient(addr string, reads, writes remote.Client) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{addr: strings.TrimSuffix(addr, "/"), reads: reads, writes: writes}
}

// DefaultClient retries reads with pester and times out writes after
// common.DefaultClientTimeout.
func DefaultClient(addr string) *Client {
	return NewClient(addr,
		remote.MakePesterClient(remote.DefaultHttpTries),
		&http.Client{Timeout: common.DefaultClientTimeout})
}

func (c *Client) GetStatus(ctx context.Context) (server.DistributorStatus, error) {
	var status server.DistributorStatus
	err := c.do(ctx, c.reads, "GET", StatusPath, nil, &status)
	return status, err
}

func (c *Client) GetQueueInfo(ctx context.Context) (sessionqueue.QueueInfo, error) {
	info := sessionqueue.QueueInfo{}
	err := c.do(ctx, c.reads, "GET", QueuePath, nil, &info)
	return info, err
}

// Heartbeat reports a node's status, registering the node if it is new.
func (c *Client) Heartbeat(ctx context.Context, status domain.NodeStatus) error {
	return c.do(ctx, c.writes, "POST", NodePath, status, nil)
}

func (c *Client) Drain(ctx context.Context, id domain.NodeId) error {
	return c.do(ctx, c.writes, "POST", NodePrefix+string(id)+DrainSuffix, nil, nil)
}

func (c *Client) RemoveNode(ctx context.Context, id domain.NodeId) error {
	return c.do(ctx, c.writes, "DELETE", NodePrefix+string(id), nil, nil)
}

func (c *Client) ClearQueue(ctx context.Context) (int, error) {
	var result ClearResult
	err := c.do(ctx, c.writes, "DELETE", QueuePath, nil, &result)
	return result.Cleared, err
}

func (c *Client) CancelRequest(ctx context.Context, id domain.RequestId) error {
	return c.do(ctx, c.writes, "DELETE", RequestPrefix+string(id), nil, nil)
}

// NewSession blocks until the request is served, rejected or ctx ends.
func (c *Client) NewSession(ctx context.Context, payload NewSessionPayload) (*domain.Session, error) {
	var session domain.Session
	if err := c.do(ctx, c.writes, "POST", SessionPath, payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) do(ctx context.Context, client remote.Client, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "encoding %s %s", method, path)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, body)
	if err != nil {
		return errors.Wrapf(err, "building %s %s", method, path)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, c.addr+path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, c.addr+path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decoding %s %s", method, path)
}
