package server

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/grid/common/stats"
	"github.com/twitter/grid/distributor/domain"
	"github.com/twitter/grid/distributor/node"
)

// healthCheck is the probe state for one node. It is only touched by the
// goroutine probing that node.
type healthCheck struct {
	node      node.Node
	cancel    context.CancelFunc
	failures  int
	downSince time.Time
}

// startHealthCheck probes the node once right away and then on every
// interval, until the node is removed. Nodes are added DOWN, so downSince
// starts now.
func (d *LocalDistributor) startHealthCheck(n node.Node) {
	ctx, cancel := context.WithCancel(d.ctx)
	hc := &healthCheck{node: n, cancel: cancel, downSince: d.nowFn()}

	d.healthMu.Lock()
	if prev, ok := d.healthChecks[n.Id()]; ok {
		prev.cancel()
	}
	d.healthChecks[n.Id()] = hc
	d.healthMu.Unlock()

	go d.healthLoop(ctx, hc)
}

func (d *LocalDistributor) stopHealthCheck(id domain.NodeId) {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	if hc, ok := d.healthChecks[id]; ok {
		hc.cancel()
		delete(d.healthChecks, id)
	}
}

func (d *LocalDistributor) healthLoop(ctx context.Context, hc *healthCheck) {
	ticker := time.NewTicker(d.config.HealthCheckInterval)
	defer ticker.Stop()
	for d.checkHealth(ctx, hc) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// checkHealth runs one probe and applies the state machine:
//
//	UP   --UnhealthyThreshold consecutive failures--> DOWN
//	DOWN --one success--> UP
//	DOWN --failing for longer than StillDownTimeout--> removed
//
// DRAINING nodes are left alone, including ones drained while the probe ran.
// Returns false once the node is gone.
func (d *LocalDistributor) checkHealth(ctx context.Context, hc *healthCheck) bool {
	probeCtx, cancel := context.WithTimeout(ctx, d.config.HealthCheckTimeout)
	err := hc.node.HealthCheck(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	id := hc.node.Id()
	availability, ok := d.registry.Availability(id)
	if !ok {
		return false
	}
	if availability == domain.Draining {
		return true
	}
	logFields := log.Fields{"node": id, "uri": hc.node.Uri()}

	if err == nil {
		hc.failures = 0
		if availability == domain.Down {
			log.WithFields(logFields).Info("Node passed health check")
			if !d.registry.CompareAndSetAvailability(id, domain.Down, domain.Up) {
				log.WithFields(logFields).Info("Node availability changed during health check, not marking up")
			}
		}
		return true
	}

	hc.failures++
	d.stat.Counter(stats.HealthCheckFailureCounter).Inc(1)
	logFields["failures"] = hc.failures
	log.WithFields(logFields).Infof("Node failed health check: %v", err)

	switch availability {
	case domain.Up:
		if hc.failures >= d.config.UnhealthyThreshold {
			log.WithFields(logFields).Info("Marking node down")
			if d.registry.CompareAndSetAvailability(id, domain.Up, domain.Down) {
				hc.downSince = d.nowFn()
			}
		}
	case domain.Down:
		if d.nowFn().Sub(hc.downSince) > d.config.StillDownTimeout {
			log.WithFields(logFields).Infof("Node down since %v, removing", hc.downSince)
			d.stat.Counter(stats.HealthCheckRemovedNodesCounter).Inc(1)
			d.Remove(id)
			return false
		}
	}
	return true
}
