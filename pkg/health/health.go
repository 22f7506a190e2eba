/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package health runs the node liveness state machine. A single periodic
// sweep demotes nodes whose heartbeats age past the configured timeouts
// (online → suspect → offline) and the heartbeat path promotes them back.
// The health service is the sole writer of these three status values.
package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/events"
	"github.com/packfleet/packfleet/pkg/metrics"
	"github.com/packfleet/packfleet/pkg/store"
)

type Options struct {
	// HeartbeatTimeout demotes online → suspect.
	HeartbeatTimeout time.Duration `validate:"min=1s"`
	// LeaseTimeout demotes suspect → offline.
	LeaseTimeout time.Duration `validate:"min=1s"`
	// SweepInterval drives the periodic check; worst-case offline
	// detection latency is LeaseTimeout + SweepInterval.
	SweepInterval time.Duration `validate:"min=1s"`
}

func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout: 60 * time.Second,
		LeaseTimeout:     120 * time.Second,
		SweepInterval:    30 * time.Second,
	}
}

type Monitor struct {
	log   logr.Logger
	clock clock.WithTicker
	store store.Interface
	bus   *events.Bus
	opts  Options

	sweeping atomic.Bool
}

func NewMonitor(log logr.Logger, clk clock.WithTicker, st store.Interface, bus *events.Bus, opts Options) *Monitor {
	return &Monitor{
		log:   log.WithName("health"),
		clock: clk,
		store: st,
		bus:   bus,
		opts:  opts,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := m.Sweep(ctx); err != nil {
				m.log.Error(err, "health sweep failed")
			}
		}
	}
}

// Sweep walks all nodes once and applies timeout transitions. A sweep that
// finds the previous one still running skips.
func (m *Monitor) Sweep(ctx context.Context) error {
	if !m.sweeping.CompareAndSwap(false, true) {
		metrics.TickSkips.WithLabelValues("health").Inc()
		return nil
	}
	defer m.sweeping.Store(false)

	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes, %w", err)
	}
	now := m.clock.Now()
	counts := map[core.NodeStatus]int{}
	var errs error
	for _, node := range nodes {
		counts[node.Status]++
		age := now.Sub(node.LastHeartbeat)
		switch node.Status {
		case core.NodeOnline:
			if age >= m.opts.HeartbeatTimeout {
				errs = multierr.Append(errs, m.demote(ctx, node, core.NodeSuspect))
			}
		case core.NodeSuspect:
			if age >= m.opts.LeaseTimeout {
				errs = multierr.Append(errs, m.demote(ctx, node, core.NodeOffline))
			}
		}
	}
	for _, status := range []core.NodeStatus{core.NodeOnline, core.NodeSuspect, core.NodeOffline, core.NodeDraining, core.NodeMaintenance} {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return errs
}

func (m *Monitor) demote(ctx context.Context, node *core.Node, to core.NodeStatus) error {
	node.Status = to
	if _, err := m.store.UpdateNode(ctx, node); err != nil {
		if store.IsConflict(err) {
			// Another writer moved the node; the next sweep re-evaluates.
			return nil
		}
		return fmt.Errorf("demoting node %s to %s, %w", node.ID, to, err)
	}
	m.log.Info("node demoted", "node", node.ID, "status", to)

	switch to {
	case core.NodeSuspect:
		m.bus.Publish(events.Event{Kind: events.KindNodeSuspect, NodeID: node.ID})
	case core.NodeOffline:
		// Losing the node loses its pods: fail them in one atomic batch so
		// the reconciler replaces them on the next pass.
		failed, err := m.store.MarkPodsFailedByNode(ctx, node.ID, core.ReasonNodeLost, m.clock.Now())
		if err != nil {
			return fmt.Errorf("failing pods on lost node %s, %w", node.ID, err)
		}
		m.bus.Publish(events.Event{Kind: events.KindNodeOffline, NodeID: node.ID})
		if len(failed) > 0 {
			podIDs := make([]core.PodID, 0, len(failed))
			for _, pod := range failed {
				podIDs = append(podIDs, pod.ID)
			}
			m.log.Info("pods lost with node", "node", node.ID, "pods", len(podIDs))
			m.bus.Publish(events.Event{Kind: events.KindPodsFailed, NodeID: node.ID, PodIDs: podIDs, Message: string(core.ReasonNodeLost)})
		}
	}
	return nil
}

// Observe records a heartbeat: it refreshes the lease and promotes suspect
// or offline nodes back to online. Pod-state side effects of the heartbeat
// (stale cleanup) are the caller's concern; a heartbeat always counts for
// liveness even when its pod report is stale.
func (m *Monitor) Observe(ctx context.Context, nodeID core.NodeID) error {
	node, err := m.store.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("observing heartbeat for %s, %w", nodeID, err)
	}
	previous := node.Status
	node.LastHeartbeat = m.clock.Now()
	switch previous {
	case core.NodeSuspect, core.NodeOffline:
		node.Status = core.NodeOnline
	}
	if _, err := m.store.UpdateNode(ctx, node); err != nil {
		if store.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("recording heartbeat for %s, %w", nodeID, err)
	}
	if previous == core.NodeSuspect || previous == core.NodeOffline {
		m.log.Info("node recovered", "node", nodeID, "from", previous)
		m.bus.Publish(events.Event{Kind: events.KindNodeOnline, NodeID: nodeID})
	}
	return nil
}
