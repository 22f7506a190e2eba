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

package test

import (
	"fmt"
	"sync"
	"time"

	"github.com/Pallinder/go-randomdata"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/registry"
	"github.com/packfleet/packfleet/pkg/wire"
)

// Node is a fake node agent: it registers over a pipe channel, heartbeats
// with the pod ids it believes it runs, acknowledges deploys by reporting
// running, and honours stop frames. Losing the channel does not clear its
// pod bookkeeping, which is exactly what makes reconnects report stale
// pods.
type Node struct {
	env  *Environment
	ID   core.NodeID
	Name string

	RuntimeKind core.RuntimeKind
	Allocatable core.Resources
	Labels      map[string]string
	Taints      core.Taints

	mu       sync.Mutex
	channel  registry.Channel
	active   map[core.PodID]uint64
	lastBeat time.Time
	// down keeps the agent from reconnecting, simulating a dead machine.
	down          bool
	lastReconnect time.Time
	// failVersions makes deploys of these pack versions crash right after
	// they report running.
	failVersions map[string]core.TerminationReason
}

// SetDown stops the agent from reconnecting until SetDown(false).
func (n *Node) SetDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

// maybeReconnect redials a lost channel on the reconnect cadence, the way
// a real agent would.
func (n *Node) maybeReconnect(now time.Time, interval time.Duration) {
	n.mu.Lock()
	if n.down || n.channel != nil || now.Sub(n.lastReconnect) < interval {
		n.mu.Unlock()
		return
	}
	n.lastReconnect = now
	n.mu.Unlock()
	_ = n.Connect()
}

// NodeOption mutates a fake node before it connects.
type NodeOption func(*Node)

func WithAllocatable(r core.Resources) NodeOption {
	return func(n *Node) { n.Allocatable = r }
}

func WithNodeLabels(labels map[string]string) NodeOption {
	return func(n *Node) { n.Labels = labels }
}

func WithTaints(taints ...core.Taint) NodeOption {
	return func(n *Node) { n.Taints = taints }
}

// StartNode connects a fake node and registers it. The node id equals the
// name so scenarios can address nodes directly.
func (e *Environment) StartNode(name string, opts ...NodeOption) *Node {
	if name == "" {
		name = randomdata.SillyName()
	}
	node := &Node{
		env:          e,
		ID:           core.NodeID(name),
		Name:         name,
		RuntimeKind:  core.RuntimeKindServer,
		Allocatable:  core.Resources{CPUMillis: 4000, MemoryMB: 8192, Pods: 32, StorageMB: 10240},
		active:       map[core.PodID]uint64{},
		failVersions: map[string]core.TerminationReason{},
	}
	for _, opt := range opts {
		opt(node)
	}
	e.mu.Lock()
	e.nodes[node.ID] = node
	e.mu.Unlock()

	if err := node.Connect(); err != nil {
		panic(err)
	}
	return node
}

// Connect opens a fresh channel, registers and heartbeats once.
func (n *Node) Connect() error {
	serverEnd, nodeEnd := registry.NewPipe(fmt.Sprintf("10.0.0.1:%d", len(n.Name)+40000))
	if _, err := n.env.Operator.Registry.Admit(n.env.Ctx, serverEnd); err != nil {
		return err
	}
	n.mu.Lock()
	n.channel = nodeEnd
	n.mu.Unlock()

	go n.pump(nodeEnd)

	register := wire.MustNew(wire.TypeNodeRegister, wire.NodeRegister{
		NodeID:      n.ID,
		Name:        n.Name,
		RuntimeKind: n.RuntimeKind,
		Allocatable: n.Allocatable,
		Labels:      n.Labels,
		Taints:      n.Taints,
	})
	if err := nodeEnd.Send(register); err != nil {
		return err
	}
	time.Sleep(settleDelay)
	n.Heartbeat()
	time.Sleep(settleDelay)
	return nil
}

// FailDeploysOf makes every deploy of the given pack version crash with
// reason just after reporting running.
func (n *Node) FailDeploysOf(version string, reason core.TerminationReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failVersions[version] = reason
}

// Heartbeat reports liveness and the currently held pod ids.
func (n *Node) Heartbeat() {
	n.mu.Lock()
	ch := n.channel
	podIDs := make([]core.PodID, 0, len(n.active))
	for id := range n.active {
		podIDs = append(podIDs, id)
	}
	n.lastBeat = n.env.Clock.Now()
	n.mu.Unlock()
	if ch == nil {
		return
	}
	_ = ch.Send(wire.MustNew(wire.TypeNodeHeartbeat, wire.NodeHeartbeat{
		NodeID:       n.ID,
		Timestamp:    n.env.Clock.Now(),
		ActivePodIDs: podIDs,
	}))
}

// ActivePods snapshots the pod ids the agent believes it runs.
func (n *Node) ActivePods() []core.PodID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]core.PodID, 0, len(n.active))
	for id := range n.active {
		out = append(out, id)
	}
	return out
}

func (n *Node) connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel != nil
}

func (n *Node) maybeHeartbeat(now time.Time, interval time.Duration) {
	n.mu.Lock()
	due := now.Sub(n.lastBeat) >= interval
	n.mu.Unlock()
	if due {
		n.Heartbeat()
	}
}

// pump reacts to control frames until the channel dies.
func (n *Node) pump(ch registry.Channel) {
	for {
		msg, err := ch.Receive(n.env.Ctx)
		if err != nil {
			n.mu.Lock()
			if n.channel == ch {
				n.channel = nil
			}
			n.mu.Unlock()
			return
		}
		switch msg.Type {
		case wire.TypePodDeploy:
			var deploy wire.PodDeploy
			if err := wire.Decode(msg, &deploy); err != nil {
				continue
			}
			n.mu.Lock()
			n.active[deploy.PodID] = deploy.Incarnation
			failReason, failing := n.failVersions[deploy.Pack.Version]
			n.mu.Unlock()

			n.report(ch, deploy.PodID, deploy.Incarnation, core.PodRunning, "")
			if failing {
				n.mu.Lock()
				delete(n.active, deploy.PodID)
				n.mu.Unlock()
				n.report(ch, deploy.PodID, deploy.Incarnation, core.PodFailed, failReason)
			}
		case wire.TypePodStop:
			var stop wire.PodStop
			if err := wire.Decode(msg, &stop); err != nil {
				continue
			}
			n.mu.Lock()
			incarnation, held := n.active[stop.PodID]
			delete(n.active, stop.PodID)
			n.mu.Unlock()
			if !held {
				incarnation = stop.Incarnation
			}
			n.report(ch, stop.PodID, incarnation, core.PodStopped, stop.Reason)
		case wire.TypeNodeShutdown:
			return
		}
	}
}

func (n *Node) report(ch registry.Channel, podID core.PodID, incarnation uint64, status core.PodStatus, reason core.TerminationReason) {
	_ = ch.Send(wire.MustNew(wire.TypePodStatus, wire.PodStatusUpdate{
		PodID:             podID,
		Incarnation:       incarnation,
		Status:            status,
		TerminationReason: reason,
	}))
}
