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

package chaos

import (
	"time"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/wire"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionBoth     Direction = "both"
)

// Action is the evaluator's verdict for a single message.
type Action string

const (
	ActionSend  Action = "send"
	ActionDrop  Action = "drop"
	ActionDelay Action = "delay"
)

// Decision pairs an action with its delay when Action is ActionDelay.
type Decision struct {
	Action Action
	Delay  time.Duration
}

var Send = Decision{Action: ActionSend}

// MessageRule matches messages by direction, endpoint and type, then drops
// with probability DropRate or delays by DelayMs plus uniform jitter. A nil
// ExpiresAt means the rule lives until removed; removal with duration zero
// is explicit, never automatic.
type MessageRule struct {
	ID            string             `json:"id"`
	Direction     Direction          `json:"direction"`
	NodeID        core.NodeID        `json:"nodeId,omitempty"`
	ConnectionID  core.ConnectionID  `json:"connId,omitempty"`
	MessageTypes  []wire.MessageType `json:"messageTypes,omitempty"`
	DropRate      float64            `json:"dropRate"`
	DelayMs       int64              `json:"delayMs,omitempty"`
	DelayJitterMs int64              `json:"delayJitterMs,omitempty"`
	ExpiresAt     *time.Time         `json:"expiresAt,omitempty"`
}

// matches reports whether the rule applies to a candidate message.
func (r MessageRule) matches(direction Direction, connID core.ConnectionID, nodeID core.NodeID, msgType wire.MessageType, now time.Time) bool {
	if r.Direction != DirectionBoth && r.Direction != direction {
		return false
	}
	if r.NodeID != "" && r.NodeID != nodeID {
		return false
	}
	if r.ConnectionID != "" && r.ConnectionID != connID {
		return false
	}
	if len(r.MessageTypes) > 0 && !lo.Contains(r.MessageTypes, msgType) {
		return false
	}
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return false
	}
	return true
}

func (r MessageRule) expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// APIRules inject synthetic failures into wrapped control-plane API calls.
type APIRules struct {
	ErrorRate   float64 `json:"errorRate"`
	TimeoutRate float64 `json:"timeoutRate"`
	TimeoutMs   int64   `json:"timeoutMs"`
}

type PartitionID string

// Partition is a labelled cut: endpoints inside the member sets are severed
// from everything outside, including the control plane.
type Partition struct {
	ID          PartitionID                 `json:"id"`
	Nodes       sets.Set[core.NodeID]       `json:"-"`
	Connections sets.Set[core.ConnectionID] `json:"-"`
	ExpiresAt   *time.Time                  `json:"expiresAt,omitempty"`
}

func (p Partition) expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// severs reports whether traffic between the control plane and the given
// endpoint crosses the cut.
func (p Partition) severs(connID core.ConnectionID, nodeID core.NodeID, now time.Time) bool {
	if p.expired(now) {
		return false
	}
	return (nodeID != "" && p.Nodes.Has(nodeID)) || (connID != "" && p.Connections.Has(connID))
}

// ruleSet is the immutable snapshot evaluators read; mutations clone and
// swap so no lock is taken per message.
type ruleSet struct {
	messageRules   []MessageRule
	heartbeatRules []MessageRule
	apiRules       APIRules
	partitions     []Partition
}

func (rs *ruleSet) clone() *ruleSet {
	return &ruleSet{
		messageRules:   append([]MessageRule(nil), rs.messageRules...),
		heartbeatRules: append([]MessageRule(nil), rs.heartbeatRules...),
		apiRules:       rs.apiRules,
		partitions:     append([]Partition(nil), rs.partitions...),
	}
}

// prune drops expired rules and partitions; called on snapshot rebuild.
func (rs *ruleSet) prune(now time.Time) {
	rs.messageRules = lo.Filter(rs.messageRules, func(r MessageRule, _ int) bool { return !r.expired(now) })
	rs.heartbeatRules = lo.Filter(rs.heartbeatRules, func(r MessageRule, _ int) bool { return !r.expired(now) })
	rs.partitions = lo.Filter(rs.partitions, func(p Partition, _ int) bool { return !p.expired(now) })
}
