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

package scenarios

import (
	"time"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/chaos"
)

const (
	packWeb = core.PackID("web")
	svcWeb  = "svc-web"
	nodeA   = "node-a"
	nodeB   = "node-b"
)

// Catalogue returns the built-in scenarios. All of them assume the default
// timing constants and seed 1.
func Catalogue() []Scenario {
	return []Scenario{
		nodeBanReschedule(),
		fastUnbanNoReschedule(),
		heartbeatDelayBelowThreshold(),
		heartbeatDelayAboveThreshold(),
		partitionHealsBeforeTimeout(),
		serviceScaleDown(),
		crashLoopRollback(),
	}
}

// twoNodeService stands up NodeA, NodeB and a one-replica service whose
// pod lands on NodeA (spread policy, lexicographic tie-break).
func twoNodeService() []Step {
	return []Step{
		{Kind: StepRegisterPack, Pack: &core.Pack{ID: packWeb, Name: "web", Version: "1.0.0"}},
		{Kind: StepStartNode, Node: nodeA},
		{Kind: StepStartNode, Node: nodeB},
		{Kind: StepCreateService, Service: &ServiceSpec{Name: svcWeb, PackID: packWeb, PackVersion: "1.0.0", Replicas: 1}},
		{Kind: StepAdvance, Duration: 20 * time.Second},
		{Kind: StepExpect, Expect: &Expectation{
			RunningPods:   map[string]int{svcWeb: 1},
			RunningOnlyOn: map[string][]string{svcWeb: {nodeA}},
		}},
	}
}

func nodeBanReschedule() Scenario {
	steps := twoNodeService()
	steps = append(steps,
		Step{Kind: StepBanNode, Node: nodeA},
		// Heartbeats stop at the ban; the node passes HEARTBEAT_TIMEOUT and
		// is demoted at the following sweep.
		Step{Kind: StepAdvance, Duration: 75 * time.Second},
		Step{Kind: StepExpect, Expect: &Expectation{
			NodeStatus: map[string]core.NodeStatus{nodeA: core.NodeSuspect},
		}},
		// Past LEASE_TIMEOUT the node goes offline, its pod is failed with
		// node_lost, and the reconciler replaces it on NodeB.
		Step{Kind: StepAdvance, Duration: 75 * time.Second},
		Step{Kind: StepExpect, Expect: &Expectation{
			NodeStatus:     map[string]core.NodeStatus{nodeA: core.NodeOffline, nodeB: core.NodeOnline},
			RunningPods:    map[string]int{svcWeb: 1},
			RunningOnlyOn:  map[string][]string{svcWeb: {nodeB}},
			PodsWithReason: map[string]ReasonCount{svcWeb: {Reason: core.ReasonNodeLost, Count: 1}},
		}},
		Step{Kind: StepUnbanNode, Node: nodeA},
		// The agent reconnects, comes back online, and its stale pod is
		// stopped; the replacement stays where it is.
		Step{Kind: StepAdvance, Duration: 35 * time.Second},
		Step{Kind: StepExpect, Expect: &Expectation{
			NodeStatus:      map[string]core.NodeStatus{nodeA: core.NodeOnline},
			RunningPods:     map[string]int{svcWeb: 1},
			RunningOnlyOn:   map[string][]string{svcWeb: {nodeB}},
			NodeHoldsNoPods: []string{nodeA},
		}},
	)
	return Scenario{
		Name:        "node-ban-reschedule",
		Description: "Banned node goes suspect then offline, its pod reschedules, unban does not reclaim it",
		Steps:       steps,
	}
}

func fastUnbanNoReschedule() Scenario {
	steps := twoNodeService()
	steps = append(steps,
		Step{Kind: StepBanNode, Node: nodeA},
		Step{Kind: StepAdvance, Duration: 30 * time.Second},
		Step{Kind: StepUnbanNode, Node: nodeA},
		// Reconnect and heartbeat land before HEARTBEAT_TIMEOUT.
		Step{Kind: StepAdvance, Duration: 40 * time.Second},
		Step{Kind: StepExpect, Expect: &Expectation{
			NodeStatus:    map[string]core.NodeStatus{nodeA: core.NodeOnline},
			RunningPods:   map[string]int{svcWeb: 1},
			RunningOnlyOn: map[string][]string{svcWeb: {nodeA}},
		}},
	)
	return Scenario{
		Name:        "fast-unban-no-reschedule",
		Description: "A ban shorter than the heartbeat timeout never demotes the node or moves pods",
		Steps:       steps,
	}
}

func heartbeatDelayBelowThreshold() Scenario {
	steps := twoNodeService()
	steps = append(steps,
		Step{Kind: StepInjectHeartbeat, RuleName: "slow-beats", Rule: chaos.MessageRule{
			Direction: chaos.DirectionIncoming,
			NodeID:    nodeA,
			DelayMs:   45_000,
		}},
		Step{Kind: StepAdvance, Duration: 120 * time.Second},
		Step{Kind: StepExpect, Expect: &Expectation{
			NodeStatus:    map[string]core.NodeStatus{nodeA: core.NodeOnline},
			RunningPods:   map[string]int{svcWeb: 1},
			RunningOnlyOn: map[string][]string{svcWeb: {nodeA}},
		}},
	)
	return Scenario{
		Name:        "heartbeat-delay-below-threshold",
		Description: "A 45s heartbeat delay stays under the 60s timeout: no demotion, no reschedule",
		Steps:       steps,
	}
}

func heartbeatDelayAboveThreshold() Scenario {
	steps := twoNodeService()
	steps = append(steps,
		Step{Kind: StepInjectHeartbeat, RuleName: "very-slow-beats", Rule: chaos.MessageRule{
			Direction: chaos.DirectionIncoming,
			NodeID:    nodeA,
			DelayMs:   150_000,
		}},
		Step{Kind: StepAdvance, Duration: 140 * time.Second},
		Step{Kind: StepExpect, Expect: &Expectation{
			NodeStatus:    map[string]core.NodeStatus{nodeA: core.NodeOffline},
			RunningPods:   map[string]int{svcWeb: 1},
			RunningOnlyOn: map[string][]string{svcWeb: {nodeB}},
		}},
		Step{Kind: StepRemoveRule, RuleName: "very-slow-beats"},
		Step{Kind: StepAdvance, Duration: 30 * time.Second},
		Step{Kind: StepExpect, Expect: &Expectation{
			NodeStatus:      map[string]core.NodeStatus{nodeA: core.NodeOnline},
			RunningPods:     map[string]int{svcWeb: 1},
			RunningOnlyOn:   map[string][]string{svcWeb: {nodeB}},
			NodeHoldsNoPods: []string{nodeA},
		}},
	)
	return Scenario{
		Name:        "heartbeat-delay-above-threshold",
		Description: "A 150s heartbeat delay demotes the node and moves its pod; recovery stops the stale pod",
		Steps:       steps,
	}
}

func partitionHealsBeforeTimeout() Scenario {
	steps := twoNodeService()
	steps = append(steps,
		Step{Kind: StepPartition, RuleName: "cut-a", Nodes: []string{nodeA}},
		// The cut outlives one sweep but heals before the heartbeat
		// timeout, so the node never leaves online.
		Step{Kind: StepAdvance, Duration: 40 * time.Second},
		Step{Kind: StepHealPartition, RuleName: "cut-a"},
		Step{Kind: StepAdvance, Duration: 40 * time.Second},
		Step{Kind: StepExpect, Expect: &Expectation{
			NodeStatus:    map[string]core.NodeStatus{nodeA: core.NodeOnline},
			RunningPods:   map[string]int{svcWeb: 1},
			RunningOnlyOn: map[string][]string{svcWeb: {nodeA}},
		}},
	)
	return Scenario{
		Name:        "partition-heals-before-timeout",
		Description: "A partition shorter than the heartbeat timeout never demotes the node or moves pods",
		Steps:       steps,
	}
}

func serviceScaleDown() Scenario {
	return Scenario{
		Name:        "service-scale-down",
		Description: "Scaling 3 → 1 retires two pods cleanly with scaled_down and leaves nothing stopping",
		Steps: []Step{
			{Kind: StepRegisterPack, Pack: &core.Pack{ID: packWeb, Name: "web", Version: "1.0.0"}},
			{Kind: StepStartNode, Node: nodeA},
			{Kind: StepStartNode, Node: nodeB},
			{Kind: StepCreateService, Service: &ServiceSpec{Name: svcWeb, PackID: packWeb, PackVersion: "1.0.0", Replicas: 3}},
			{Kind: StepAdvance, Duration: 25 * time.Second},
			{Kind: StepExpect, Expect: &Expectation{RunningPods: map[string]int{svcWeb: 3}}},
			{Kind: StepScaleService, Name: svcWeb, Replicas: 1},
			{Kind: StepAdvance, Duration: 15 * time.Second},
			{Kind: StepExpect, Expect: &Expectation{
				RunningPods:      map[string]int{svcWeb: 1},
				PodsWithReason:   map[string]ReasonCount{svcWeb: {Reason: core.ReasonScaledDown, Count: 2}},
				NoLingeringStops: []string{svcWeb},
			}},
		},
	}
}

func crashLoopRollback() Scenario {
	return Scenario{
		Name:        "crash-loop-rollback",
		Description: "A crash-looping rollout rolls back to the last successful version after three failures",
		Steps: []Step{
			{Kind: StepRegisterPack, Pack: &core.Pack{ID: packWeb, Name: "web", Version: "1.0.0"}},
			{Kind: StepRegisterPack, Pack: &core.Pack{ID: packWeb, Name: "web", Version: "1.1.0"}},
			{Kind: StepStartNode, Node: nodeA},
			{Kind: StepStartNode, Node: nodeB},
			{Kind: StepCreateService, Service: &ServiceSpec{Name: svcWeb, PackID: packWeb, PackVersion: "1.0.0", Replicas: 1}},
			// Let v1.0.0 survive the stability window so it is recorded as
			// the last successful version.
			{Kind: StepAdvance, Duration: 90 * time.Second},
			{Kind: StepFailDeploys, Version: "1.1.0", Reason: core.ReasonError},
			{Kind: StepSetVersion, Name: svcWeb, Version: "1.1.0"},
			// Three crash-loop rounds under scheduling backoff, then the
			// reconciler reverts.
			{Kind: StepAdvance, Duration: 150 * time.Second},
			{Kind: StepExpect, Expect: &Expectation{
				PackVersion:      map[string]string{svcWeb: "1.0.0"},
				FailedVersion:    map[string]string{svcWeb: "1.1.0"},
				BackoffArmed:     []string{svcWeb},
				RunningPods:      map[string]int{svcWeb: 1},
				NoLingeringStops: []string{svcWeb},
			}},
		},
	}
}
