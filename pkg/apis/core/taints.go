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

	"go.uber.org/multierr"
)

type TaintEffect string

const (
	TaintEffectNoSchedule       TaintEffect = "NoSchedule"
	TaintEffectPreferNoSchedule TaintEffect = "PreferNoSchedule"
	TaintEffectNoExecute        TaintEffect = "NoExecute"
)

// Taint marks a node so that pods are repelled from it unless they carry a
// matching toleration.
type Taint struct {
	Key    string      `json:"key"`
	Value  string      `json:"value,omitempty"`
	Effect TaintEffect `json:"effect"`
}

func (t Taint) String() string {
	return fmt.Sprintf("%s=%s:%s", t.Key, t.Value, t.Effect)
}

type TolerationOperator string

const (
	TolerationOpEqual  TolerationOperator = "Equal"
	TolerationOpExists TolerationOperator = "Exists"
)

// Toleration allows a pod onto nodes carrying a matching taint. An Exists
// toleration with an empty key tolerates every taint.
type Toleration struct {
	Key               string             `json:"key,omitempty"`
	Operator          TolerationOperator `json:"operator,omitempty"`
	Value             string             `json:"value,omitempty"`
	Effect            TaintEffect        `json:"effect,omitempty"`
	TolerationSeconds *int64             `json:"tolerationSeconds,omitempty"`
}

// ToleratesTaint returns true if the toleration matches the taint. An empty
// effect matches all effects, an empty operator defaults to Equal.
func (t Toleration) ToleratesTaint(taint Taint) bool {
	if t.Effect != "" && t.Effect != taint.Effect {
		return false
	}
	if t.Key != "" && t.Key != taint.Key {
		return false
	}
	switch t.Operator {
	case TolerationOpExists:
		return true
	case TolerationOpEqual, "":
		// An empty key with Equal only matches an empty taint key.
		return t.Key == taint.Key && t.Value == taint.Value
	default:
		return false
	}
}

// Taints is a decorated alias type for []Taint
type Taints []Taint

// Has returns true if taints has a taint for the given key and effect
func (ts Taints) Has(taint Taint) bool {
	for _, t := range ts {
		if t.Key == taint.Key && t.Effect == taint.Effect {
			return true
		}
	}
	return false
}

// Tolerates returns nil if every NoSchedule and NoExecute taint is tolerated
// by at least one of the supplied tolerations. PreferNoSchedule taints never
// block scheduling; they are scored separately.
func (ts Taints) Tolerates(tolerations []Toleration) (errs error) {
	for i := range ts {
		taint := ts[i]
		if taint.Effect == TaintEffectPreferNoSchedule {
			continue
		}
		tolerates := false
		for _, t := range tolerations {
			tolerates = tolerates || t.ToleratesTaint(taint)
		}
		if !tolerates {
			errs = multierr.Append(errs, fmt.Errorf("did not tolerate %s", taint))
		}
	}
	return errs
}

// UntoleratedPreferred counts PreferNoSchedule taints not covered by any
// toleration; the scheduler penalises each.
func (ts Taints) UntoleratedPreferred(tolerations []Toleration) int {
	count := 0
	for i := range ts {
		taint := ts[i]
		if taint.Effect != TaintEffectPreferNoSchedule {
			continue
		}
		tolerated := false
		for _, t := range tolerations {
			tolerated = tolerated || t.ToleratesTaint(taint)
		}
		if !tolerated {
			count++
		}
	}
	return count
}
