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

// Package chaos is the fault-injection engine behind the reconciliation
// test harness. The registry consults it inline on every message it
// transports; rule evaluation reads a copy-on-write snapshot and draws all
// randomness from one seeded PRNG so identical scenarios replay identical
// decision traces.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/wire"
)

var (
	// ErrProductionLockout is returned when chaos is enabled while the
	// production flag is set.
	ErrProductionLockout = errors.New("chaos engine is locked out in production")
	// ErrInjectedFailure and ErrInjectedTimeout are the synthetic API
	// failures produced by MaybeFailAPICall.
	ErrInjectedFailure = errors.New("injected api failure")
	ErrInjectedTimeout = errors.New("injected api timeout")
)

// Stats counts evaluator decisions; the chaos test properties assert on
// these exactly.
type Stats struct {
	MessagesDropped  atomic.Uint64
	MessagesDelayed  atomic.Uint64
	APICallsFailed   atomic.Uint64
	APICallsTimedOut atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	MessagesDropped  uint64 `json:"messagesDropped"`
	MessagesDelayed  uint64 `json:"messagesDelayed"`
	APICallsFailed   uint64 `json:"apiCallsFailed"`
	APICallsTimedOut uint64 `json:"apiCallsTimedOut"`
}

type Options struct {
	// ProductionMode locks the engine out entirely.
	ProductionMode bool
	// Seed feeds the PRNG; zero selects a fixed default so scenario runs
	// stay reproducible unless a seed is chosen explicitly.
	Seed int64
}

// Engine stores chaos rules and evaluates them per message and per API
// call.
type Engine struct {
	log   logr.Logger
	clock clock.Clock
	opts  Options

	enabled atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex // guards snapshot swaps
	snapshot atomic.Pointer[ruleSet]

	// bans expire through the cache TTL; IsBanned is a plain lookup.
	bans *cache.Cache

	stats Stats
}

func NewEngine(log logr.Logger, clk clock.Clock, opts Options) *Engine {
	if opts.Seed == 0 {
		opts.Seed = 1
	}
	e := &Engine{
		log:   log.WithName("chaos"),
		clock: clk,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		bans:  cache.New(cache.NoExpiration, 10*time.Minute),
	}
	e.snapshot.Store(&ruleSet{})
	return e
}

// Enable arms the engine. In production mode the attempt is refused and
// logged at error level.
func (e *Engine) Enable() error {
	if e.opts.ProductionMode {
		e.log.Error(ErrProductionLockout, "refusing to enable chaos engine")
		return ErrProductionLockout
	}
	e.enabled.Store(true)
	e.log.Info("chaos engine enabled", "seed", e.opts.Seed)
	return nil
}

func (e *Engine) Disable() {
	e.enabled.Store(false)
}

func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// Flush clears all rules, partitions and bans; called on shutdown.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot.Store(&ruleSet{})
	e.bans.Flush()
}

// mutate clones the current snapshot, applies f, prunes expired entries and
// swaps the result in.
func (e *Engine) mutate(f func(*ruleSet)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.snapshot.Load().clone()
	next.prune(e.clock.Now())
	f(next)
	e.snapshot.Store(next)
}

func (e *Engine) AddMessageRule(rule MessageRule) string {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Direction == "" {
		rule.Direction = DirectionBoth
	}
	e.mutate(func(rs *ruleSet) { rs.messageRules = append(rs.messageRules, rule) })
	return rule.ID
}

// AddHeartbeatRule installs a rule evaluated only against heartbeat frames;
// test-mode heartbeat synthesis honours its timing too.
func (e *Engine) AddHeartbeatRule(rule MessageRule) string {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Direction == "" {
		rule.Direction = DirectionIncoming
	}
	rule.MessageTypes = []wire.MessageType{wire.TypeNodeHeartbeat}
	e.mutate(func(rs *ruleSet) { rs.heartbeatRules = append(rs.heartbeatRules, rule) })
	return rule.ID
}

// RemoveRule deletes a message or heartbeat rule by id.
func (e *Engine) RemoveRule(id string) bool {
	removed := false
	e.mutate(func(rs *ruleSet) {
		keep := func(r MessageRule, _ int) bool {
			if r.ID == id {
				removed = true
				return false
			}
			return true
		}
		filtered := rs.messageRules[:0:0]
		for i, r := range rs.messageRules {
			if keep(r, i) {
				filtered = append(filtered, r)
			}
		}
		rs.messageRules = filtered
		filteredHB := rs.heartbeatRules[:0:0]
		for i, r := range rs.heartbeatRules {
			if keep(r, i) {
				filteredHB = append(filteredHB, r)
			}
		}
		rs.heartbeatRules = filteredHB
	})
	return removed
}

func (e *Engine) SetAPIRules(rules APIRules) {
	e.mutate(func(rs *ruleSet) { rs.apiRules = rules })
}

// MessageRules returns the live rules for the debug surface.
func (e *Engine) MessageRules() []MessageRule {
	rs := e.snapshot.Load()
	return append(append([]MessageRule(nil), rs.messageRules...), rs.heartbeatRules...)
}

// BanNode refuses the node until the ban expires; duration zero bans until
// an explicit unban.
func (e *Engine) BanNode(nodeID core.NodeID, duration time.Duration) {
	ttl := cache.NoExpiration
	if duration > 0 {
		ttl = duration
	}
	e.bans.Set(string(nodeID), struct{}{}, ttl)
	e.log.Info("node banned", "node", nodeID, "duration", duration)
}

func (e *Engine) UnbanNode(nodeID core.NodeID) {
	e.bans.Delete(string(nodeID))
}

func (e *Engine) IsBanned(nodeID core.NodeID) bool {
	_, banned := e.bans.Get(string(nodeID))
	return banned
}

// CreatePartition severs the given endpoints from the rest of the fabric
// until the partition expires or is removed.
func (e *Engine) CreatePartition(nodes []core.NodeID, conns []core.ConnectionID, duration time.Duration) PartitionID {
	id := PartitionID(uuid.NewString())
	partition := Partition{
		ID:          id,
		Nodes:       sets.New(nodes...),
		Connections: sets.New(conns...),
	}
	if duration > 0 {
		expires := e.clock.Now().Add(duration)
		partition.ExpiresAt = &expires
	}
	e.mutate(func(rs *ruleSet) { rs.partitions = append(rs.partitions, partition) })
	e.log.Info("partition created", "partition", id, "nodes", nodes, "connections", conns, "duration", duration)
	return id
}

func (e *Engine) RemovePartition(id PartitionID) bool {
	removed := false
	e.mutate(func(rs *ruleSet) {
		filtered := rs.partitions[:0:0]
		for _, p := range rs.partitions {
			if p.ID == id {
				removed = true
				continue
			}
			filtered = append(filtered, p)
		}
		rs.partitions = filtered
	})
	return removed
}

// Partitioned reports whether the endpoint is currently severed.
func (e *Engine) Partitioned(connID core.ConnectionID, nodeID core.NodeID) bool {
	if !e.enabled.Load() {
		return false
	}
	now := e.clock.Now()
	for _, p := range e.snapshot.Load().partitions {
		if p.severs(connID, nodeID, now) {
			return true
		}
	}
	return false
}

// InterceptOutgoing is consulted inline by the registry before a frame is
// written to a channel.
func (e *Engine) InterceptOutgoing(connID core.ConnectionID, nodeID core.NodeID, msgType wire.MessageType) Decision {
	return e.intercept(DirectionOutgoing, connID, nodeID, msgType)
}

// InterceptIncoming is consulted inline before a received frame is handed
// to the dispatcher.
func (e *Engine) InterceptIncoming(connID core.ConnectionID, nodeID core.NodeID, msgType wire.MessageType) Decision {
	return e.intercept(DirectionIncoming, connID, nodeID, msgType)
}

// intercept applies partitions first, then rules in insertion order: the
// first matching rule that draws a drop wins; otherwise the largest delay
// among matching rules applies.
func (e *Engine) intercept(direction Direction, connID core.ConnectionID, nodeID core.NodeID, msgType wire.MessageType) Decision {
	if !e.enabled.Load() {
		return Send
	}
	rs := e.snapshot.Load()
	now := e.clock.Now()

	for _, p := range rs.partitions {
		if p.severs(connID, nodeID, now) {
			e.stats.MessagesDropped.Add(1)
			return Decision{Action: ActionDrop}
		}
	}

	rules := rs.messageRules
	if msgType == wire.TypeNodeHeartbeat {
		rules = append(append([]MessageRule(nil), rs.heartbeatRules...), rs.messageRules...)
	}

	var delay time.Duration
	for _, rule := range rules {
		if !rule.matches(direction, connID, nodeID, msgType, now) {
			continue
		}
		if rule.DropRate > 0 && e.draw() < rule.DropRate {
			e.stats.MessagesDropped.Add(1)
			return Decision{Action: ActionDrop}
		}
		if rule.DelayMs > 0 {
			d := time.Duration(rule.DelayMs) * time.Millisecond
			if rule.DelayJitterMs > 0 {
				d += time.Duration(e.drawInt(rule.DelayJitterMs)) * time.Millisecond
			}
			if d > delay {
				delay = d
			}
		}
	}
	if delay > 0 {
		e.stats.MessagesDelayed.Add(1)
		return Decision{Action: ActionDelay, Delay: delay}
	}
	return Send
}

// MaybeFailAPICall wraps a control-plane API call with the configured
// error/timeout rates.
func (e *Engine) MaybeFailAPICall(ctx context.Context, f func(ctx context.Context) error) error {
	if !e.enabled.Load() {
		return f(ctx)
	}
	rules := e.snapshot.Load().apiRules
	if rules.ErrorRate <= 0 && rules.TimeoutRate <= 0 {
		return f(ctx)
	}
	draw := e.draw()
	switch {
	case draw < rules.ErrorRate:
		e.stats.APICallsFailed.Add(1)
		return fmt.Errorf("api call: %w", ErrInjectedFailure)
	case draw < rules.ErrorRate+rules.TimeoutRate:
		e.stats.APICallsTimedOut.Add(1)
		select {
		case <-e.clock.After(time.Duration(rules.TimeoutMs) * time.Millisecond):
		case <-ctx.Done():
		}
		return fmt.Errorf("api call: %w", ErrInjectedTimeout)
	default:
		return f(ctx)
	}
}

func (e *Engine) Stats() StatsSnapshot {
	return StatsSnapshot{
		MessagesDropped:  e.stats.MessagesDropped.Load(),
		MessagesDelayed:  e.stats.MessagesDelayed.Load(),
		APICallsFailed:   e.stats.APICallsFailed.Load(),
		APICallsTimedOut: e.stats.APICallsTimedOut.Load(),
	}
}

func (e *Engine) draw() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

func (e *Engine) drawInt(n int64) int64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Int63n(n + 1)
}
