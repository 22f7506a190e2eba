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

package operator

import (
	"context"

	"github.com/google/uuid"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/store"
	"github.com/packfleet/packfleet/pkg/wire"
)

// handleMessage dispatches every admitted inbound frame. Decode or
// validation failures are rejected here at the boundary and never reach the
// core loops.
func (o *Operator) handleMessage(ctx context.Context, connID core.ConnectionID, msg wire.Message) {
	// API-flakiness rules apply to the control plane's own handling of
	// admitted frames; a synthesised failure skips the frame the way a
	// flaky backend would.
	err := o.Chaos.MaybeFailAPICall(ctx, func(ctx context.Context) error {
		switch msg.Type {
		case wire.TypeNodeRegister:
			return o.handleRegister(ctx, connID, msg)
		case wire.TypeNodeHeartbeat:
			return o.handleHeartbeat(ctx, msg)
		case wire.TypePodStatus:
			return o.handlePodStatus(ctx, msg)
		default:
			o.Log.V(1).Info("unhandled frame", "type", msg.Type, "connection", connID)
			return nil
		}
	})
	if err != nil {
		o.Log.Error(err, "handling frame", "type", msg.Type, "connection", connID)
	}
}

func (o *Operator) handleRegister(ctx context.Context, connID core.ConnectionID, msg wire.Message) error {
	var payload wire.NodeRegister
	if err := wire.Decode(msg, &payload); err != nil {
		return err
	}

	nodeID := payload.NodeID
	var node *core.Node
	if nodeID != "" {
		existing, err := o.Store.GetNode(ctx, nodeID)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		node = existing
	}
	if node == nil {
		if nodeID == "" {
			nodeID = core.NodeID(uuid.NewString())
		}
		node = &core.Node{ID: nodeID, Status: core.NodeOffline}
	}

	node.Name = payload.Name
	node.RuntimeKind = payload.RuntimeKind
	node.RuntimeVersion = payload.RuntimeVersion
	node.Capabilities = payload.Capabilities
	node.Allocatable = payload.Allocatable
	node.Annotations = payload.Annotations
	node.Taints = payload.Taints
	node.ConnectionID = connID
	// Identity labels let daemon pods pin to this node with a plain
	// selector.
	labels := map[string]string{}
	for k, v := range payload.Labels {
		labels[k] = v
	}
	labels[core.LabelNodeID] = string(node.ID)
	labels[core.LabelHostname] = node.Name
	node.Labels = labels

	if err := node.Validate(); err != nil {
		return err
	}

	if node.ResourceVersion == 0 {
		if err := o.Store.CreateNode(ctx, node); err != nil {
			return err
		}
	} else if _, err := o.Store.UpdateNode(ctx, node); err != nil && !store.IsConflict(err) {
		return err
	}

	if err := o.Registry.BindNode(connID, node.ID); err != nil {
		return err
	}
	o.Log.Info("node registered", "node", node.ID, "name", node.Name, "connection", connID)
	return nil
}

func (o *Operator) handleHeartbeat(ctx context.Context, msg wire.Message) error {
	var payload wire.NodeHeartbeat
	if err := wire.Decode(msg, &payload); err != nil {
		return err
	}
	if err := o.Health.Observe(ctx, payload.NodeID); err != nil {
		return err
	}
	// Stale pods are stopped synchronously so exactly one stop goes out
	// before this node's next heartbeat is processed.
	o.Reconciler.HandleStaleReport(ctx, payload.NodeID, payload.ActivePodIDs)
	return nil
}

func (o *Operator) handlePodStatus(ctx context.Context, msg wire.Message) error {
	var payload wire.PodStatusUpdate
	if err := wire.Decode(msg, &payload); err != nil {
		return err
	}
	pod, err := o.Store.GetPod(ctx, payload.PodID)
	if err != nil {
		if store.IsNotFound(err) {
			// Unknown pod; the stale report path will stop it.
			return nil
		}
		return err
	}
	// A stale incarnation is ignored for state but already counted for
	// liveness by the transport.
	if payload.Incarnation < pod.Incarnation {
		o.Log.V(1).Info("stale pod status ignored",
			"pod", pod.ID, "reported", payload.Incarnation, "current", pod.Incarnation)
		return nil
	}
	if pod.Terminal() {
		return nil
	}

	now := o.Clock.Now()
	pod.Status = payload.Status
	pod.StatusMessage = payload.StatusMessage
	switch payload.Status {
	case core.PodRunning:
		if pod.StartedAt == nil {
			pod.StartedAt = &now
		}
	case core.PodStopped, core.PodFailed, core.PodEvicted:
		if payload.TerminationReason != "" {
			pod.TerminationReason = payload.TerminationReason
		}
		pod.StoppedAt = &now
	}

	updated, err := o.Store.UpdatePod(ctx, pod)
	if err != nil {
		if store.IsConflict(err) {
			return nil
		}
		return err
	}

	if updated.Terminal() {
		if err := o.Scheduler.ReleaseAllocation(ctx, updated); err != nil {
			o.Log.Error(err, "releasing allocation", "pod", updated.ID)
		}
		if updated.Status == core.PodFailed {
			o.Reconciler.RecordPodFailure(ctx, updated)
		}
	}
	return nil
}
