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

// Package scheduler places pending pods onto eligible nodes. Each periodic
// tick loads a bounded batch of pending pods ordered by priority and age,
// filters nodes through the hard predicates, ranks the survivors under the
// cluster policy, and claims the winner through the store's conditional
// SchedulePod so concurrent modification is never lost.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/metrics"
	"github.com/packfleet/packfleet/pkg/store"
	"github.com/packfleet/packfleet/pkg/wire"
)

// Dispatcher sends control frames to nodes; the registry implements it.
type Dispatcher interface {
	SendToNode(nodeID core.NodeID, msg wire.Message) bool
}

type Options struct {
	Interval      time.Duration `validate:"min=1s"`
	TickTimeout   time.Duration `validate:"min=1s"`
	MaxPodsPerRun int           `validate:"min=1"`
	Policy        Policy        `validate:"required"`
	// PreemptionEnabled lets a pending pod evict one lower-priority running
	// pod when no node is otherwise feasible.
	PreemptionEnabled bool
	BackoffBase       time.Duration `validate:"min=1s"`
	BackoffCeiling    time.Duration `validate:"min=1s"`
	StabilityWindow   time.Duration `validate:"min=1s"`
	// Seed feeds the random placement policy.
	Seed int64
}

func DefaultOptions() Options {
	return Options{
		Interval:        5 * time.Second,
		TickTimeout:     5 * time.Second,
		MaxPodsPerRun:   10,
		Policy:          PolicySpread,
		BackoffBase:     10 * time.Second,
		BackoffCeiling:  5 * time.Minute,
		StabilityWindow: 60 * time.Second,
		Seed:            1,
	}
}

type Scheduler struct {
	log        logr.Logger
	clock      clock.WithTicker
	store      store.Interface
	dispatcher Dispatcher
	opts       Options

	backoff *Backoff
	rng     *rand.Rand
	rngMu   sync.Mutex

	ticking atomic.Bool

	// nodeLocks serialises allocation claims per node.
	nodeLocksMu sync.Mutex
	nodeLocks   map[core.NodeID]*sync.Mutex
}

func NewScheduler(log logr.Logger, clk clock.WithTicker, st store.Interface, dispatcher Dispatcher, opts Options) *Scheduler {
	return &Scheduler{
		log:        log.WithName("scheduler"),
		clock:      clk,
		store:      st,
		dispatcher: dispatcher,
		opts:       opts,
		backoff:    NewBackoff(clk, opts.BackoffBase, opts.BackoffCeiling),
		rng:        rand.New(rand.NewSource(opts.Seed)),
		nodeLocks:  map[core.NodeID]*sync.Mutex{},
	}
}

// Backoff exposes the crash-loop bookkeeping to the pod-status path.
func (s *Scheduler) Backoff() *Backoff { return s.backoff }

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := s.Tick(ctx); err != nil {
				s.log.Error(err, "scheduler tick failed")
			}
		}
	}
}

// Tick runs one placement pass. A tick that finds the previous one still
// running skips.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		metrics.TickSkips.WithLabelValues("scheduler").Inc()
		return nil
	}
	defer s.ticking.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.opts.TickTimeout)
	defer cancel()

	pending, err := s.store.ListPods(ctx, store.PodFilter{Statuses: []core.PodStatus{core.PodPending}})
	if err != nil {
		return fmt.Errorf("listing pending pods, %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > s.opts.MaxPodsPerRun {
		pending = pending[:s.opts.MaxPodsPerRun]
	}

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes, %w", err)
	}
	schedulable := lo.Filter(nodes, func(n *core.Node, _ int) bool { return n.Schedulable() })

	var errs error
	for _, pod := range pending {
		if err := s.schedulePod(ctx, pod, schedulable); err != nil {
			// One pod's failure never aborts the batch.
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Scheduler) schedulePod(ctx context.Context, pod *core.Pod, nodes []*core.Node) error {
	if s.backoff.Deferred(LineageKey(pod.OwnerID, pod.PackVersion)) {
		return s.annotatePending(ctx, pod, PendingCrashLoopBackoff)
	}

	pack, err := s.store.GetPack(ctx, pod.PackID, pod.PackVersion)
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("loading pack for pod %s, %w", pod.ID, err)
	}

	feasible, reason := FeasibleOn(pod, pack, nodes)
	if len(feasible) == 0 {
		if s.opts.PreemptionEnabled {
			if err := s.tryPreempt(ctx, pod, pack, nodes); err != nil {
				s.log.Error(err, "preemption attempt failed", "pod", pod.ID)
			}
		}
		return s.annotatePending(ctx, pod, reason)
	}

	s.rngMu.Lock()
	candidates := rank(pod, feasible, s.opts.Policy, s.rng)
	s.rngMu.Unlock()

	best := candidates[0].node
	claimed, err := s.claim(ctx, pod, best)
	if err != nil {
		if store.IsConflict(err) {
			// Concurrently modified; re-enqueue next tick.
			metrics.SchedulingConflicts.Inc()
			return nil
		}
		return fmt.Errorf("claiming pod %s on node %s, %w", pod.ID, best.ID, err)
	}

	s.dispatchDeploy(claimed, pack, best)
	metrics.PodsScheduled.Inc()
	s.log.Info("pod scheduled", "pod", claimed.ID, "node", best.ID, "incarnation", claimed.Incarnation)
	return nil
}

// claim atomically transitions the pod to scheduled and charges its
// requests against the node under the per-node allocation lock.
func (s *Scheduler) claim(ctx context.Context, pod *core.Pod, node *core.Node) (*core.Pod, error) {
	lock := s.lockFor(node.ID)
	lock.Lock()
	defer lock.Unlock()

	claimed, err := s.store.SchedulePod(ctx, pod.ID, node.ID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	request := effectiveRequest(pod)
	for attempt := 0; ; attempt++ {
		fresh, err := s.store.GetNode(ctx, node.ID)
		if err != nil {
			return claimed, fmt.Errorf("reloading node %s, %w", node.ID, err)
		}
		fresh.Allocated = fresh.Allocated.Add(request)
		if fresh.Allocated.HasNegative() || !fresh.Allocatable.Fits(fresh.Allocated) {
			s.log.Error(fmt.Errorf("allocation exceeds allocatable"), "refusing over-allocation", "node", node.ID)
			break
		}
		if _, err := s.store.UpdateNode(ctx, fresh); err == nil {
			// Keep the tick's node snapshot current so feasibility for the
			// rest of the batch sees this claim.
			node.Allocated = fresh.Allocated
			break
		} else if !store.IsConflict(err) || attempt >= 2 {
			return claimed, fmt.Errorf("charging allocation on node %s, %w", node.ID, err)
		}
	}
	return claimed, nil
}

// ReleaseAllocation returns a terminated pod's requests to its node.
func (s *Scheduler) ReleaseAllocation(ctx context.Context, pod *core.Pod) error {
	if pod.NodeID == "" {
		return nil
	}
	lock := s.lockFor(pod.NodeID)
	lock.Lock()
	defer lock.Unlock()

	request := effectiveRequest(pod)
	for attempt := 0; ; attempt++ {
		node, err := s.store.GetNode(ctx, pod.NodeID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("reloading node %s, %w", pod.NodeID, err)
		}
		node.Allocated = node.Allocated.Sub(request)
		if node.Allocated.HasNegative() {
			// Never let the books go negative; clamp and flag.
			s.log.Error(fmt.Errorf("allocation underflow"), "clamping allocation", "node", node.ID)
			node.Allocated = core.Resources{
				CPUMillis: max64(node.Allocated.CPUMillis, 0),
				MemoryMB:  max64(node.Allocated.MemoryMB, 0),
				Pods:      max64(node.Allocated.Pods, 0),
				StorageMB: max64(node.Allocated.StorageMB, 0),
			}
		}
		if _, err := s.store.UpdateNode(ctx, node); err == nil {
			return nil
		} else if !store.IsConflict(err) || attempt >= 2 {
			return fmt.Errorf("releasing allocation on node %s, %w", pod.NodeID, err)
		}
	}
}

func (s *Scheduler) dispatchDeploy(pod *core.Pod, pack *core.Pack, node *core.Node) {
	deploy := wire.PodDeploy{
		PodID:               pod.ID,
		NodeID:              node.ID,
		Resources:           pod.ResourceRequests,
		Namespace:           pod.Namespace,
		Labels:              pod.Labels,
		Annotations:         pod.Annotations,
		GrantedCapabilities: pod.GrantedCapabilities,
		Incarnation:         pod.Incarnation,
	}
	if pack != nil {
		deploy.Pack = wire.PackRef{
			ID:         pack.ID,
			Version:    pack.Version,
			RuntimeTag: pack.RuntimeTag,
			BundleRef:  pack.BundleRef,
			Metadata:   pack.Metadata,
		}
	} else {
		deploy.Pack = wire.PackRef{ID: pod.PackID, Version: pod.PackVersion}
	}
	if !s.dispatcher.SendToNode(node.ID, wire.MustNew(wire.TypePodDeploy, deploy)) {
		s.log.Info("deploy frame not delivered", "pod", pod.ID, "node", node.ID)
	}
}

// tryPreempt evicts a single lowest-priority running pod whose departure
// would make some node feasible for the pending pod.
func (s *Scheduler) tryPreempt(ctx context.Context, pod *core.Pod, pack *core.Pack, nodes []*core.Node) error {
	type victimCandidate struct {
		victim *core.Pod
		node   *core.Node
	}
	var best *victimCandidate
	for _, node := range nodes {
		running, err := s.store.ListPods(ctx, store.PodFilter{
			NodeID:   node.ID,
			Statuses: []core.PodStatus{core.PodRunning},
		})
		if err != nil {
			return fmt.Errorf("listing victims on node %s, %w", node.ID, err)
		}
		for _, victim := range running {
			if victim.Priority >= pod.Priority {
				continue
			}
			// Would the node take the pod once the victim leaves?
			trial := node.DeepCopy()
			trial.Allocated = trial.Allocated.Sub(effectiveRequest(victim))
			if ok, _ := Feasible(pod, pack, trial); !ok {
				continue
			}
			if best == nil || victim.Priority < best.victim.Priority {
				best = &victimCandidate{victim: victim, node: node}
			}
		}
	}
	if best == nil {
		return nil
	}

	victim := best.victim
	victim.Status = core.PodStopping
	victim.TerminationReason = core.ReasonPreempted
	if _, err := s.store.UpdatePod(ctx, victim); err != nil {
		if store.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("marking victim %s, %w", victim.ID, err)
	}
	s.dispatcher.SendToNode(best.node.ID, wire.MustNew(wire.TypePodStop, wire.PodStop{
		PodID:       victim.ID,
		Incarnation: victim.Incarnation,
		Reason:      core.ReasonPreempted,
	}))
	s.log.Info("pod preempted", "victim", victim.ID, "node", best.node.ID, "for", pod.ID)
	return nil
}

func (s *Scheduler) annotatePending(ctx context.Context, pod *core.Pod, reason string) error {
	if pod.PendingReason == reason {
		return nil
	}
	pod.PendingReason = reason
	if _, err := s.store.UpdatePod(ctx, pod); err != nil && !store.IsConflict(err) {
		return fmt.Errorf("annotating pod %s, %w", pod.ID, err)
	}
	return nil
}

func (s *Scheduler) lockFor(nodeID core.NodeID) *sync.Mutex {
	s.nodeLocksMu.Lock()
	defer s.nodeLocksMu.Unlock()
	lock, ok := s.nodeLocks[nodeID]
	if !ok {
		lock = &sync.Mutex{}
		s.nodeLocks[nodeID] = lock
	}
	return lock
}

// effectiveRequest charges at least one pod slot even for pods with empty
// requests.
func effectiveRequest(pod *core.Pod) core.Resources {
	request := pod.ResourceRequests
	request.Pods = max64(request.Pods, 1)
	return request
}
