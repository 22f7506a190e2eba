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

package scheduler

import (
	"github.com/packfleet/packfleet/pkg/apis/core"
)

// Pending reasons annotated onto pods the scheduler cannot place.
const (
	PendingNoEligibleNodes   = "no_eligible_nodes"
	PendingRuntimeMismatch   = "runtime_incompatible"
	PendingUntoleratedTaints = "untolerated_taints"
	PendingSelectorMismatch  = "selector_mismatch"
	PendingCrashLoopBackoff  = "crash_loop_backoff"
)

// Feasible evaluates every hard predicate of pod against node. When the
// node is rejected the second return names the reason for pending-reason
// bookkeeping.
func Feasible(pod *core.Pod, pack *core.Pack, node *core.Node) (bool, string) {
	if !node.Schedulable() {
		return false, PendingNoEligibleNodes
	}
	// Runtime compatibility: tag and minimum runtime version.
	if pack != nil {
		if !pack.CompatibleWithRuntime(node.RuntimeKind) {
			return false, PendingRuntimeMismatch
		}
		if !pack.SupportsRuntimeVersion(node.RuntimeVersion) {
			return false, PendingRuntimeMismatch
		}
	}
	// Resource fit, componentwise against the node's headroom.
	request := pod.ResourceRequests
	request.Pods = max64(request.Pods, 1)
	if available := node.Available(); !available.Fits(request) {
		return false, available.InsufficientIn(request)
	}
	// Every NoSchedule/NoExecute taint needs a matching toleration.
	if err := node.Taints.Tolerates(pod.Tolerations); err != nil {
		return false, PendingUntoleratedTaints
	}
	// Node selector and required affinity terms.
	ok, err := pod.Scheduling.MatchesNode(node.Labels)
	if err != nil || !ok {
		return false, PendingSelectorMismatch
	}
	return true, ""
}

// FeasibleOn filters nodes down to those passing all predicates; when none
// pass, reason summarises why placement is impossible.
func FeasibleOn(pod *core.Pod, pack *core.Pack, nodes []*core.Node) (feasible []*core.Node, reason string) {
	if len(nodes) == 0 {
		return nil, PendingNoEligibleNodes
	}
	reasons := map[string]int{}
	for _, node := range nodes {
		ok, why := Feasible(pod, pack, node)
		if ok {
			feasible = append(feasible, node)
			continue
		}
		reasons[why]++
	}
	if len(feasible) > 0 {
		return feasible, ""
	}
	// Report the most common rejection so the annotation is useful.
	best, bestCount := PendingNoEligibleNodes, 0
	for why, count := range reasons {
		if count > bestCount {
			best, bestCount = why, count
		}
	}
	return nil, best
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
