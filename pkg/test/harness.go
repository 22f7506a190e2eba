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
	"time"

	"github.com/samber/lo"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/chaos"
	"github.com/packfleet/packfleet/pkg/scenarios"
)

// Harness adapts the environment to the scenario runner's surface,
// resolving scenario names to entity ids.
type Harness struct {
	env      *Environment
	services map[string]core.ServiceID
}

var _ scenarios.Harness = (*Harness)(nil)

func NewHarness(env *Environment) *Harness {
	return &Harness{env: env, services: map[string]core.ServiceID{}}
}

func (h *Harness) Advance(d time.Duration) { h.env.Step(d) }

func (h *Harness) StartNode(name string) { h.env.StartNode(name) }

func (h *Harness) SetNodeDown(name string, down bool) {
	if node := h.env.node(core.NodeID(name)); node != nil {
		node.SetDown(down)
		if down {
			h.env.Operator.Registry.SimulateNodeLoss(node.ID)
		}
	}
}

func (h *Harness) BanNode(name string, d time.Duration) {
	h.env.Operator.Registry.BanNode(core.NodeID(name), d)
}

func (h *Harness) UnbanNode(name string) {
	h.env.Operator.Registry.UnbanNode(core.NodeID(name))
}

func (h *Harness) PauseNode(name string, d time.Duration) {
	h.env.Operator.Registry.PauseNode(core.NodeID(name), d)
}

func (h *Harness) ResumeNode(name string) {
	h.env.Operator.Registry.ResumeNode(core.NodeID(name))
}

func (h *Harness) AddMessageRule(rule chaos.MessageRule) string {
	return h.env.Operator.Chaos.AddMessageRule(rule)
}

func (h *Harness) AddHeartbeatRule(rule chaos.MessageRule) string {
	return h.env.Operator.Chaos.AddHeartbeatRule(rule)
}

func (h *Harness) RemoveRule(id string) bool {
	return h.env.Operator.Chaos.RemoveRule(id)
}

func (h *Harness) CreatePartition(nodes []string, d time.Duration) string {
	ids := lo.Map(nodes, func(n string, _ int) core.NodeID { return core.NodeID(n) })
	return string(h.env.Operator.Registry.CreatePartition(ids, nil, d))
}

func (h *Harness) RemovePartition(id string) bool {
	return h.env.Operator.Registry.RemovePartition(chaos.PartitionID(id))
}

func (h *Harness) RegisterPack(pack *core.Pack) {
	h.env.RegisterPack(pack)
}

func (h *Harness) CreateService(spec scenarios.ServiceSpec) {
	svc := h.env.CreateService(&core.Service{
		Name:         spec.Name,
		PackID:       spec.PackID,
		PackVersion:  spec.PackVersion,
		Replicas:     spec.Replicas,
		FollowLatest: spec.FollowLatest,
	})
	h.services[spec.Name] = svc.ID
}

func (h *Harness) ScaleService(name string, replicas uint32) {
	h.env.UpdateService(h.serviceID(name), func(svc *core.Service) { svc.Replicas = replicas })
}

func (h *Harness) SetServiceVersion(name, version string) {
	h.env.UpdateService(h.serviceID(name), func(svc *core.Service) { svc.PackVersion = version })
}

// FailDeploys arms every fake agent to crash pods of the given version.
func (h *Harness) FailDeploys(version string, reason core.TerminationReason) {
	for _, node := range h.env.allNodes() {
		node.FailDeploysOf(version, reason)
	}
}

// Check evaluates an expectation against live state.
func (h *Harness) Check(exp scenarios.Expectation) error {
	for name, want := range exp.NodeStatus {
		if got := h.env.NodeStatus(core.NodeID(name)); got != want {
			return fmt.Errorf("node %s is %s, want %s", name, got, want)
		}
	}
	for name, want := range exp.RunningPods {
		running := h.env.RunningPods(h.serviceID(name))
		if len(running) != want {
			return fmt.Errorf("service %s has %d running pods, want %d", name, len(running), want)
		}
	}
	for name, allowed := range exp.RunningOnlyOn {
		allowedIDs := lo.Map(allowed, func(n string, _ int) core.NodeID { return core.NodeID(n) })
		for _, pod := range h.env.RunningPods(h.serviceID(name)) {
			if !lo.Contains(allowedIDs, pod.NodeID) {
				return fmt.Errorf("service %s pod %s runs on %s, want one of %v", name, pod.ID, pod.NodeID, allowed)
			}
		}
	}
	for name, want := range exp.PodsWithReason {
		pods := h.env.PodsOf(h.serviceID(name))
		got := lo.CountBy(pods, func(p *core.Pod) bool {
			return p.Terminal() && p.TerminationReason == want.Reason
		})
		if got != want.Count {
			return fmt.Errorf("service %s has %d pods with reason %s, want %d", name, got, want.Reason, want.Count)
		}
	}
	for _, name := range exp.NoLingeringStops {
		if stopping := h.env.PodsOf(h.serviceID(name), core.PodStopping); len(stopping) > 0 {
			return fmt.Errorf("service %s still has %d stopping pods", name, len(stopping))
		}
	}
	for name, want := range exp.PackVersion {
		if got := h.env.GetService(h.serviceID(name)).PackVersion; got != want {
			return fmt.Errorf("service %s runs version %s, want %s", name, got, want)
		}
	}
	for name, want := range exp.FailedVersion {
		if got := h.env.GetService(h.serviceID(name)).FailedVersion; got != want {
			return fmt.Errorf("service %s failed version is %q, want %q", name, got, want)
		}
	}
	for _, name := range exp.BackoffArmed {
		if h.env.GetService(h.serviceID(name)).FailureBackoffUntil == nil {
			return fmt.Errorf("service %s has no failure backoff armed", name)
		}
	}
	for _, name := range exp.NodeHoldsNoPods {
		node := h.env.node(core.NodeID(name))
		if node == nil {
			return fmt.Errorf("unknown node %s", name)
		}
		if held := node.ActivePods(); len(held) > 0 {
			return fmt.Errorf("node %s still holds pods %v", name, held)
		}
	}
	return nil
}

func (h *Harness) serviceID(name string) core.ServiceID {
	id, ok := h.services[name]
	if !ok {
		panic(fmt.Sprintf("scenario references unknown service %q", name))
	}
	return id
}
