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
	"math/rand"
	"sort"

	"github.com/packfleet/packfleet/pkg/apis/core"
)

// Policy selects the cluster-wide placement bias.
type Policy string

const (
	PolicySpread      Policy = "spread"
	PolicyBinpack     Policy = "binpack"
	PolicyRandom      Policy = "random"
	PolicyLeastLoaded Policy = "least_loaded"
	PolicyAffinity    Policy = "affinity"
)

const preferNoSchedulePenalty = 10

// candidate pairs a node with its computed score.
type candidate struct {
	node  *core.Node
	score float64
}

// rank scores every feasible node and orders candidates best-first, ties
// broken by lexicographically lower node id so placement is deterministic.
func rank(pod *core.Pod, nodes []*core.Node, policy Policy, rng *rand.Rand) []candidate {
	candidates := make([]candidate, 0, len(nodes))
	for _, node := range nodes {
		candidates = append(candidates, candidate{node: node, score: score(pod, node, policy, rng)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})
	return candidates
}

func score(pod *core.Pod, node *core.Node, policy Policy, rng *rand.Rand) float64 {
	affinity := float64(pod.Scheduling.PreferredScore(node.Labels))
	affinity -= float64(preferNoSchedulePenalty * node.Taints.UntoleratedPreferred(pod.Tolerations))

	switch policy {
	case PolicyBinpack:
		return affinity + float64(node.Allocated.Pods)
	case PolicyRandom:
		return affinity + rng.Float64()
	case PolicyLeastLoaded:
		return affinity - utilisation(node)
	case PolicyAffinity:
		return affinity
	case PolicySpread:
		fallthrough
	default:
		return affinity - float64(node.Allocated.Pods)
	}
}

// utilisation sums fractional cpu and memory load.
func utilisation(node *core.Node) float64 {
	var util float64
	if node.Allocatable.CPUMillis > 0 {
		util += float64(node.Allocated.CPUMillis) / float64(node.Allocatable.CPUMillis)
	}
	if node.Allocatable.MemoryMB > 0 {
		util += float64(node.Allocated.MemoryMB) / float64(node.Allocatable.MemoryMB)
	}
	return util
}
