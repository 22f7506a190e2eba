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

// Package test hosts the in-process harness the suites drive: a real
// control plane over the in-memory store and pipe channels, fake node
// agents, and a virtual clock. Time only moves through Step, which fires
// heartbeats and periodic loops exactly when their intervals elapse, so
// scenario timing is reproducible to the second.
package test

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/operator"
	"github.com/packfleet/packfleet/pkg/operator/options"
	"github.com/packfleet/packfleet/pkg/store/memory"
)

// settleDelay is the real-time pause after every virtual step that lets
// the channel goroutines drain.
const settleDelay = 2 * time.Millisecond

// stepResolution is the virtual granularity of Step; every loop interval
// in the default options is a multiple of it.
const stepResolution = time.Second

type Environment struct {
	Ctx      context.Context
	Cancel   context.CancelFunc
	Clock    *clocktesting.FakeClock
	Store    *memory.Store
	Operator *operator.Operator
	Opts     options.Options

	mu    sync.Mutex
	nodes map[core.NodeID]*Node

	lastSweep     time.Time
	lastSchedule  time.Time
	lastReconcile time.Time
}

// Option mutates the environment's configuration before the control plane
// is built.
type Option func(*options.Options)

func WithSeed(seed int64) Option {
	return func(o *options.Options) { o.Seed = seed }
}

// NewEnvironment builds a control plane with chaos armed, a fixed seed and
// a frozen clock. The periodic loops are driven by Step, not by Start, so
// every test observes the same interleaving.
func NewEnvironment(opts ...Option) *Environment {
	cfg := options.Defaults()
	cfg.ChaosEnabled = true
	cfg.ListenAddr = ""
	cfg.DebugAddr = ""
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	st := memory.NewStore()
	op := operator.NewOperator(logr.Discard(), clk, st, cfg)

	start := clk.Now()
	return &Environment{
		Ctx:           ctx,
		Cancel:        cancel,
		Clock:         clk,
		Store:         st,
		Operator:      op,
		Opts:          cfg,
		nodes:         map[core.NodeID]*Node{},
		lastSweep:     start,
		lastSchedule:  start,
		lastReconcile: start,
	}
}

func (e *Environment) Stop() {
	e.Cancel()
}

// Step advances virtual time by d in one-second increments. At every
// increment live nodes heartbeat when due and each periodic loop runs when
// its interval has elapsed, mirroring the production cadence.
func (e *Environment) Step(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += stepResolution {
		e.Clock.Step(stepResolution)
		now := e.Clock.Now()

		for _, node := range e.allNodes() {
			node.maybeReconnect(now, 5*time.Second)
			node.maybeHeartbeat(now, e.Opts.HeartbeatInterval)
		}
		time.Sleep(settleDelay)

		if now.Sub(e.lastSweep) >= e.Opts.Health.SweepInterval {
			e.lastSweep = now
			_ = e.Operator.Health.Sweep(e.Ctx)
		}
		if now.Sub(e.lastSchedule) >= e.Opts.Scheduler.Interval {
			e.lastSchedule = now
			_ = e.Operator.Scheduler.Tick(e.Ctx)
		}
		if now.Sub(e.lastReconcile) >= e.Opts.Reconciler.Interval {
			e.lastReconcile = now
			_ = e.Operator.Reconciler.Tick(e.Ctx)
		}
		time.Sleep(settleDelay)
	}
}

// Settle runs one round of every loop immediately without moving time.
func (e *Environment) Settle() {
	time.Sleep(settleDelay)
	_ = e.Operator.Health.Sweep(e.Ctx)
	_ = e.Operator.Scheduler.Tick(e.Ctx)
	_ = e.Operator.Reconciler.Tick(e.Ctx)
	time.Sleep(settleDelay)
}

func (e *Environment) allNodes() []*Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		out = append(out, n)
	}
	return out
}

func (e *Environment) node(id core.NodeID) *Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodes[id]
}

// CreateService persists a service; the reconciler picks it up on its next
// pass.
func (e *Environment) CreateService(svc *core.Service) *core.Service {
	if svc.ID == "" {
		svc.ID = core.ServiceID(uuid.NewString())
	}
	if svc.Namespace == "" {
		svc.Namespace = "default"
	}
	if svc.Status == "" {
		svc.Status = core.ServiceActive
	}
	if err := e.Store.CreateService(e.Ctx, svc); err != nil {
		panic(err)
	}
	return svc
}

// RegisterPack persists a pack version.
func (e *Environment) RegisterPack(pack *core.Pack) *core.Pack {
	if pack.RuntimeTag == "" {
		pack.RuntimeTag = core.RuntimeTagUniversal
	}
	if pack.Namespace == "" {
		pack.Namespace = core.PackNamespaceUser
	}
	if err := e.Store.RegisterPack(e.Ctx, pack); err != nil {
		panic(err)
	}
	return pack
}
