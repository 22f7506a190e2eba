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

// Package scenarios declares chaos scenarios as data: a closed set of
// typed steps plus convergence expectations, executed by a Runner against
// a Harness. The built-in catalogue covers the reconciliation properties
// the control plane guarantees under faults.
package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/chaos"
)

// StepKind enumerates the closed set of scenario steps.
type StepKind string

const (
	StepAdvance           StepKind = "advance-time"
	StepStartNode         StepKind = "start-node"
	StepNodeDown          StepKind = "node-down"
	StepNodeUp            StepKind = "node-up"
	StepBanNode           StepKind = "ban-node"
	StepUnbanNode         StepKind = "unban-node"
	StepPauseNode         StepKind = "pause-node"
	StepResumeNode        StepKind = "resume-node"
	StepInjectMessageRule StepKind = "inject-message-rule"
	StepInjectHeartbeat   StepKind = "inject-heartbeat-rule"
	StepRemoveRule        StepKind = "remove-rule"
	StepPartition         StepKind = "create-partition"
	StepHealPartition     StepKind = "heal-partition"
	StepRegisterPack      StepKind = "register-pack"
	StepCreateService     StepKind = "create-service"
	StepScaleService      StepKind = "scale-service"
	StepSetVersion        StepKind = "set-service-version"
	StepFailDeploys       StepKind = "fail-deploys"
	StepExpect            StepKind = "expect"
)

// ServiceSpec is the scenario-facing shape of a service.
type ServiceSpec struct {
	Name         string
	PackID       core.PackID
	PackVersion  string
	Replicas     uint32
	FollowLatest bool
}

// Expectation asserts on converged state; zero-valued fields are not
// checked.
type Expectation struct {
	// NodeStatus maps node name to required liveness status.
	NodeStatus map[string]core.NodeStatus
	// RunningPods maps service name to the exact running pod count.
	RunningPods map[string]int
	// PodsWithReason maps service name to the exact count of terminal pods
	// with the given reason.
	PodsWithReason map[string]ReasonCount
	// RunningOnlyOn requires every running pod of the service to sit on
	// one of the named nodes.
	RunningOnlyOn map[string][]string
	// NoLingeringStops requires services to have no pod stuck in stopping.
	NoLingeringStops []string
	// PackVersion / FailedVersion assert service rollout state.
	PackVersion   map[string]string
	FailedVersion map[string]string
	// BackoffArmed requires failureBackoffUntil to be set.
	BackoffArmed []string
	// NodeHoldsNoPods requires the named fake agent's local pod set to be
	// empty (stale cleanup completed).
	NodeHoldsNoPods []string
}

type ReasonCount struct {
	Reason core.TerminationReason
	Count  int
}

// Step is a tagged variant; only the fields its kind names are read.
type Step struct {
	Kind StepKind

	Duration time.Duration
	Node     string
	RuleName string
	Rule     chaos.MessageRule
	Nodes    []string
	Pack     *core.Pack
	Service  *ServiceSpec
	Name     string
	Replicas uint32
	Version  string
	Reason   core.TerminationReason
	Expect   *Expectation
}

// Scenario is a named sequence of steps ending in expectations.
type Scenario struct {
	Name        string
	Description string
	Steps       []Step
}

// Harness is the surface a scenario drives; the test environment
// implements it over a live in-process control plane.
type Harness interface {
	Advance(d time.Duration)
	StartNode(name string)
	SetNodeDown(name string, down bool)
	BanNode(name string, d time.Duration)
	UnbanNode(name string)
	PauseNode(name string, d time.Duration)
	ResumeNode(name string)
	AddMessageRule(rule chaos.MessageRule) string
	AddHeartbeatRule(rule chaos.MessageRule) string
	RemoveRule(id string) bool
	CreatePartition(nodes []string, d time.Duration) string
	RemovePartition(id string) bool
	RegisterPack(pack *core.Pack)
	CreateService(spec ServiceSpec)
	ScaleService(name string, replicas uint32)
	SetServiceVersion(name, version string)
	FailDeploys(version string, reason core.TerminationReason)
	Check(exp Expectation) error
}

// Runner executes scenarios, resolving symbolic rule and partition names
// to the ids the harness returns.
type Runner struct {
	harness Harness
}

func NewRunner(h Harness) *Runner {
	return &Runner{harness: h}
}

func (r *Runner) Run(ctx context.Context, scenario Scenario) error {
	ruleIDs := map[string]string{}
	partitionIDs := map[string]string{}

	for i, step := range scenario.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.apply(step, ruleIDs, partitionIDs); err != nil {
			return fmt.Errorf("scenario %s step %d (%s), %w", scenario.Name, i, step.Kind, err)
		}
	}
	return nil
}

func (r *Runner) apply(step Step, ruleIDs, partitionIDs map[string]string) error {
	h := r.harness
	switch step.Kind {
	case StepAdvance:
		h.Advance(step.Duration)
	case StepStartNode:
		h.StartNode(step.Node)
	case StepNodeDown:
		h.SetNodeDown(step.Node, true)
	case StepNodeUp:
		h.SetNodeDown(step.Node, false)
	case StepBanNode:
		h.BanNode(step.Node, step.Duration)
	case StepUnbanNode:
		h.UnbanNode(step.Node)
	case StepPauseNode:
		h.PauseNode(step.Node, step.Duration)
	case StepResumeNode:
		h.ResumeNode(step.Node)
	case StepInjectMessageRule:
		ruleIDs[step.RuleName] = h.AddMessageRule(step.Rule)
	case StepInjectHeartbeat:
		ruleIDs[step.RuleName] = h.AddHeartbeatRule(step.Rule)
	case StepRemoveRule:
		id, ok := ruleIDs[step.RuleName]
		if !ok {
			return fmt.Errorf("unknown rule %q", step.RuleName)
		}
		if !h.RemoveRule(id) {
			return fmt.Errorf("rule %q was not installed", step.RuleName)
		}
	case StepPartition:
		partitionIDs[step.RuleName] = h.CreatePartition(step.Nodes, step.Duration)
	case StepHealPartition:
		id, ok := partitionIDs[step.RuleName]
		if !ok {
			return fmt.Errorf("unknown partition %q", step.RuleName)
		}
		if !h.RemovePartition(id) {
			return fmt.Errorf("partition %q was not installed", step.RuleName)
		}
	case StepRegisterPack:
		h.RegisterPack(step.Pack)
	case StepCreateService:
		h.CreateService(*step.Service)
	case StepScaleService:
		h.ScaleService(step.Name, step.Replicas)
	case StepSetVersion:
		h.SetServiceVersion(step.Name, step.Version)
	case StepFailDeploys:
		h.FailDeploys(step.Version, step.Reason)
	case StepExpect:
		return h.Check(*step.Expect)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
	return nil
}
