// Package starter builds a distributor, its session queue and its nodes from
// a configuration and serves them over http.
package starter

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/cloud/events"
	"github.com/twitter/grid/common"
	"github.com/twitter/grid/common/endpoints"
	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/api"
	"github.com/twitter/grid/distributor/config"
	"github.com/twitter/grid/distributor/node"
	"github.com/twitter/grid/distributor/node/local"
	"github.com/twitter/grid/distributor/node/remote"
	"github.com/twitter/grid/distributor/server"
	"github.com/twitter/grid/sessionmap"
	"github.com/twitter/grid/sessionqueue"
)

// ApiPrefix is where the api handlers are mounted.
const ApiPrefix = "/se/grid/"

type Grid struct {
	Bus         events.Bus
	Stats       stats.StatsReceiver
	Sessions    *sessionmap.LocalSessionMap
	Distributor *server.LocalDistributor
	Queue       *sessionqueue.LocalSessionQueue
	Runner      *server.NewSessionRunner

	// In-process nodes, only for the "memory" node type.
	Nodes []*local.LocalNode
}

// NewGrid wires every component. Nodes of type "memory" are added before it
// returns; "remote" nodes join later by heartbeating.
func NewGrid(ctx context.Context, configs *config.JSONConfigs, stat stats.StatsReceiver) (*Grid, error) {
	log.Infof("Starting grid with configs: %s", configs)
	distributorConfig, err := configs.Distributor.CreateDistributorConfig()
	if err != nil {
		return nil, err
	}
	runnerConfig, err := configs.Distributor.CreateRunnerConfig()
	if err != nil {
		return nil, err
	}
	queueConfig, err := configs.SessionQueue.CreateQueueConfig()
	if err != nil {
		return nil, err
	}
	factory, err := makeFactory(configs.Nodes)
	if err != nil {
		return nil, err
	}

	g := &Grid{Bus: events.NewLocalBus(), Stats: stat}
	g.Sessions = sessionmap.NewLocalSessionMap(g.Bus, stat.Scope("sessions"))
	g.Distributor = server.NewLocalDistributor(*distributorConfig, g.Bus, g.Sessions, factory, stat.Scope("distributor"))
	g.Queue = sessionqueue.NewLocalSessionQueue(*queueConfig, g.Bus, stat.Scope("queue"))
	g.Runner = server.NewNewSessionRunner(g.Distributor, g.Queue, g.Bus, *runnerConfig)

	if configs.Nodes.Type == "memory" {
		if err := g.addMemoryNodes(ctx, configs.Nodes, distributorConfig.RegistrationSecret); err != nil {
			g.Close()
			return nil, err
		}
	}
	return g, nil
}

func makeFactory(c config.NodesJSONConfig) (node.Factory, error) {
	switch c.Type {
	case "memory", "remote":
	default:
		return nil, errors.Errorf("unsupported nodes type: %s", c.Type)
	}
	tries := c.HttpTries
	if tries <= 0 {
		tries = remote.DefaultHttpTries
	}
	return remote.NewFactory(
		remote.MakePesterClient(tries),
		&http.Client{Timeout: common.DefaultClientTimeout},
	), nil
}

func (g *Grid) addMemoryNodes(ctx context.Context, c config.NodesJSONConfig, secret string) error {
	stereotypes, err := c.ParseStereotypes()
	if err != nil {
		return err
	}
	if len(stereotypes) == 0 {
		return errors.New("memory nodes need at least one stereotype")
	}
	heartbeat, err := c.ParseHeartbeatPeriod()
	if err != nil {
		return err
	}
	for i := 0; i < c.Count; i++ {
		n := local.NewLocalNode(local.NodeConfig{
			Uri:                fmt.Sprintf("memory://node%d", i),
			Stereotypes:        stereotypes,
			MaxSessionCount:    c.MaxSessionCount,
			RegistrationSecret: secret,
			HeartbeatPeriod:    heartbeat,
		}, g.Bus)
		g.Nodes = append(g.Nodes, n)
		if err := g.Distributor.Add(ctx, n); err != nil {
			return errors.Wrapf(err, "adding memory node %d", i)
		}
	}
	log.Infof("Added %d memory nodes", c.Count)
	return nil
}

func (g *Grid) Handler() http.Handler {
	return api.NewHandler(g.Distributor, g.Queue, g.Bus, g.Stats)
}

// Close stops the runner first so nothing is scheduled on a closing distributor.
func (g *Grid) Close() error {
	if g.Runner != nil {
		g.Runner.Close()
	}
	g.Queue.Close()
	for _, n := range g.Nodes {
		n.Close()
	}
	g.Distributor.Close()
	return g.Bus.Close()
}

// RunServer serves the grid on httpAddr until ctx ends or serving fails.
func RunServer(ctx context.Context, configs *config.JSONConfigs, httpAddr string, stat stats.StatsReceiver) error {
	g, err := NewGrid(ctx, configs, stat)
	if err != nil {
		return err
	}
	defer g.Close()

	srv := endpoints.NewTwitterServer(endpoints.Addr(httpAddr), stat, map[string]http.Handler{
		ApiPrefix: g.Handler(),
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving")
	case <-ctx.Done():
	}
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), common.DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down")
	}
	return <-errCh
}
