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

package core

import (
	"fmt"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
)

type NodeSelectorOperator string

const (
	NodeSelectorOpIn           NodeSelectorOperator = "In"
	NodeSelectorOpNotIn        NodeSelectorOperator = "NotIn"
	NodeSelectorOpExists       NodeSelectorOperator = "Exists"
	NodeSelectorOpDoesNotExist NodeSelectorOperator = "DoesNotExist"
	NodeSelectorOpGt           NodeSelectorOperator = "Gt"
	NodeSelectorOpLt           NodeSelectorOperator = "Lt"
)

// NodeSelectorRequirement is a single label predicate over node labels.
type NodeSelectorRequirement struct {
	Key      string               `json:"key"`
	Operator NodeSelectorOperator `json:"operator"`
	Values   []string             `json:"values,omitempty"`
}

// Matches evaluates the requirement against a node label set. Gt and Lt
// compare the first value numerically.
func (r NodeSelectorRequirement) Matches(nodeLabels map[string]string) (bool, error) {
	op, ok := selectionOperators[r.Operator]
	if !ok {
		return false, fmt.Errorf("unknown node selector operator %q", r.Operator)
	}
	values := r.Values
	if (r.Operator == NodeSelectorOpGt || r.Operator == NodeSelectorOpLt) && len(values) > 1 {
		values = values[:1]
	}
	req, err := labels.NewRequirement(r.Key, op, values)
	if err != nil {
		return false, fmt.Errorf("invalid node selector requirement for %q, %w", r.Key, err)
	}
	return req.Matches(labels.Set(nodeLabels)), nil
}

var selectionOperators = map[NodeSelectorOperator]selection.Operator{
	NodeSelectorOpIn:           selection.In,
	NodeSelectorOpNotIn:        selection.NotIn,
	NodeSelectorOpExists:       selection.Exists,
	NodeSelectorOpDoesNotExist: selection.DoesNotExist,
	NodeSelectorOpGt:           selection.GreaterThan,
	NodeSelectorOpLt:           selection.LessThan,
}

// NodeSelectorTerm is a conjunction of requirements; all must match.
type NodeSelectorTerm struct {
	MatchExpressions []NodeSelectorRequirement `json:"matchExpressions,omitempty"`
}

func (t NodeSelectorTerm) Matches(nodeLabels map[string]string) (bool, error) {
	for _, expr := range t.MatchExpressions {
		ok, err := expr.Matches(nodeLabels)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// PreferredSchedulingTerm weights a term for scoring; weight is 1-100.
type PreferredSchedulingTerm struct {
	Weight     int32            `json:"weight"`
	Preference NodeSelectorTerm `json:"preference"`
}

// NodeAffinity holds hard requirements and soft preferences over node
// labels. Required terms are disjunctive: any one satisfiable term admits
// the node.
type NodeAffinity struct {
	Required  []NodeSelectorTerm        `json:"required,omitempty"`
	Preferred []PreferredSchedulingTerm `json:"preferred,omitempty"`
}

// SchedulingSpec carries the placement constraints stamped on a pod.
type SchedulingSpec struct {
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`
	NodeAffinity *NodeAffinity     `json:"nodeAffinity,omitempty"`
}

// MatchesNode evaluates the hard constraints (selector and required
// affinity) against node labels.
func (s SchedulingSpec) MatchesNode(nodeLabels map[string]string) (bool, error) {
	for k, v := range s.NodeSelector {
		if nodeLabels[k] != v {
			return false, nil
		}
	}
	if s.NodeAffinity == nil || len(s.NodeAffinity.Required) == 0 {
		return true, nil
	}
	for _, term := range s.NodeAffinity.Required {
		ok, err := term.Matches(nodeLabels)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// PreferredScore sums the weights of matching preferred terms.
func (s SchedulingSpec) PreferredScore(nodeLabels map[string]string) int32 {
	if s.NodeAffinity == nil {
		return 0
	}
	var score int32
	for _, term := range s.NodeAffinity.Preferred {
		if ok, err := term.Preference.Matches(nodeLabels); err == nil && ok {
			score += term.Weight
		}
	}
	return score
}
