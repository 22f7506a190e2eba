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

// Package service runs the convergence loop that keeps each service's
// running pods matching its desired state: replica counts (or one pod per
// eligible node in daemon mode), pack versions via rolling update with
// crash-loop rollback, retirement of surplus pods, and one-shot stops for
// stale pods reported by reconnecting nodes.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/imdario/mergo"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/events"
	"github.com/packfleet/packfleet/pkg/metrics"
	"github.com/packfleet/packfleet/pkg/scheduler"
	"github.com/packfleet/packfleet/pkg/store"
	"github.com/packfleet/packfleet/pkg/wire"
)

const stopRequestedAnnotation = "packfleet.io/stop-requested-at"

type Options struct {
	Interval    time.Duration `validate:"min=1s"`
	TickTimeout time.Duration `validate:"min=1s"`
	// GracePeriod bounds how long a stopping pod may linger before it is
	// promoted to stopped and its resources freed.
	GracePeriod     time.Duration `validate:"min=1s"`
	FailThreshold   uint32        `validate:"min=1"`
	StabilityWindow time.Duration `validate:"min=1s"`
	BackoffBase     time.Duration `validate:"min=1s"`
	BackoffCeiling  time.Duration `validate:"min=1s"`
}

func DefaultOptions() Options {
	return Options{
		Interval:        10 * time.Second,
		TickTimeout:     15 * time.Second,
		GracePeriod:     30 * time.Second,
		FailThreshold:   3,
		StabilityWindow: 60 * time.Second,
		BackoffBase:     30 * time.Second,
		BackoffCeiling:  10 * time.Minute,
	}
}

type Reconciler struct {
	log        logr.Logger
	clock      clock.WithTicker
	store      store.Interface
	dispatcher scheduler.Dispatcher
	sched      *scheduler.Scheduler
	bus        *events.Bus
	opts       Options

	ticking atomic.Bool

	// inFlight enforces a single active reconciliation per service.
	inFlightMu sync.Mutex
	inFlight   map[core.ServiceID]bool
}

func NewReconciler(log logr.Logger, clk clock.WithTicker, st store.Interface, dispatcher scheduler.Dispatcher, sched *scheduler.Scheduler, bus *events.Bus, opts Options) *Reconciler {
	return &Reconciler{
		log:        log.WithName("reconciler"),
		clock:      clk,
		store:      st,
		dispatcher: dispatcher,
		sched:      sched,
		bus:        bus,
		opts:       opts,
		inFlight:   map[core.ServiceID]bool{},
	}
}

// Start runs the reconcile loop until ctx is cancelled; store change
// notifications trigger passes between ticks.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case <-r.store.Changes():
		}
		if err := r.Tick(ctx); err != nil {
			r.log.Error(err, "reconcile tick failed")
		}
	}
}

// Tick reconciles every service once. Errors in one service never abort
// the others.
func (r *Reconciler) Tick(ctx context.Context) error {
	if !r.ticking.CompareAndSwap(false, true) {
		metrics.TickSkips.WithLabelValues("reconciler").Inc()
		return nil
	}
	defer r.ticking.Store(false)

	ctx, cancel := context.WithTimeout(ctx, r.opts.TickTimeout)
	defer cancel()

	services, err := r.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("listing services, %w", err)
	}
	var errs error
	for _, svc := range services {
		if err := r.reconcileService(ctx, svc); err != nil {
			metrics.ReconcileErrors.Inc()
			errs = multierr.Append(errs, fmt.Errorf("service %s, %w", svc.ID, err))
		}
	}
	return errs
}

func (r *Reconciler) reconcileService(ctx context.Context, svc *core.Service) error {
	if !r.acquire(svc.ID) {
		metrics.TickSkips.WithLabelValues("reconciler-service").Inc()
		return nil
	}
	defer r.release(svc.ID)

	switch svc.Status {
	case core.ServicePaused:
		return nil
	case core.ServiceDeleting:
		return r.teardown(ctx, svc)
	}

	if svc.FollowLatest {
		if err := r.adoptLatestVersion(ctx, svc); err != nil {
			return err
		}
	}

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes, %w", err)
	}
	pods, err := r.store.ListPods(ctx, store.PodFilter{OwnerID: svc.ID})
	if err != nil {
		return fmt.Errorf("listing pods, %w", err)
	}
	active := lo.Filter(pods, func(p *core.Pod, _ int) bool { return p.Active() })

	// Pods on a draining or maintenance node are migrated: retire them here
	// and let the quantity pass replace them.
	if err := r.evictFromDrainingNodes(ctx, active, nodes); err != nil {
		return err
	}

	r.promoteExpiredStops(ctx, active)

	if err := r.reconcileVersion(ctx, svc, active); err != nil {
		return err
	}
	if err := r.reconcileQuantity(ctx, svc, active, nodes); err != nil {
		return err
	}
	return r.updateStatus(ctx, svc, nodes)
}

// acquire/release implement per-service single-flight.
func (r *Reconciler) acquire(id core.ServiceID) bool {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	if r.inFlight[id] {
		return false
	}
	r.inFlight[id] = true
	return true
}

func (r *Reconciler) release(id core.ServiceID) {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	delete(r.inFlight, id)
}

// desiredCount resolves the replica target; daemon services want one pod
// per eligible node.
func (r *Reconciler) desiredCount(svc *core.Service, nodes []*core.Node) (int, []*core.Node) {
	eligible := r.eligibleNodes(svc, nodes)
	if svc.DaemonSet() {
		return len(eligible), eligible
	}
	return int(svc.Replicas), eligible
}

// eligibleNodes filters online schedulable nodes through the service's pod
// template predicates.
func (r *Reconciler) eligibleNodes(svc *core.Service, nodes []*core.Node) []*core.Node {
	probe := r.newPod(svc, nil)
	return lo.Filter(nodes, func(n *core.Node, _ int) bool {
		ok, _ := scheduler.Feasible(probe, nil, n)
		return ok
	})
}

func (r *Reconciler) reconcileQuantity(ctx context.Context, svc *core.Service, active []*core.Pod, nodes []*core.Node) error {
	desired, eligible := r.desiredCount(svc, nodes)
	// Stopping pods are on their way out; they no longer count toward
	// coverage but still occupy their node.
	counted := lo.Filter(active, func(p *core.Pod, _ int) bool { return p.Status != core.PodStopping })

	switch {
	case len(counted) < desired:
		missing := desired - len(counted)
		if svc.DaemonSet() {
			return r.createDaemonPods(ctx, svc, counted, eligible)
		}
		for i := 0; i < missing; i++ {
			if err := r.createPod(ctx, svc, nil); err != nil {
				return err
			}
		}
	case len(counted) > desired:
		// During a rollout the version pass owns retirement; the temporary
		// surge pod is not surplus.
		if lo.SomeBy(counted, func(p *core.Pod) bool { return p.PackVersion != svc.PackVersion }) {
			return nil
		}
		surplus := selectForRetirement(counted, len(counted)-desired)
		for _, pod := range surplus {
			if err := r.retirePod(ctx, pod, core.ReasonScaledDown); err != nil {
				return err
			}
		}
	}
	return nil
}

// createDaemonPods pins one new pod to every eligible node lacking
// coverage.
func (r *Reconciler) createDaemonPods(ctx context.Context, svc *core.Service, active []*core.Pod, eligible []*core.Node) error {
	covered := map[core.NodeID]bool{}
	for _, pod := range active {
		if pod.NodeID != "" {
			covered[pod.NodeID] = true
			continue
		}
		// A pending daemon pod covers the node named by its selector.
		if id, ok := pod.Scheduling.NodeSelector[core.LabelNodeID]; ok {
			covered[core.NodeID(id)] = true
		}
	}
	for _, node := range eligible {
		if covered[node.ID] {
			continue
		}
		if err := r.createPod(ctx, svc, node); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) createPod(ctx context.Context, svc *core.Service, pinTo *core.Node) error {
	pod := r.newPod(svc, pinTo)
	if err := r.store.CreatePod(ctx, pod); err != nil {
		return fmt.Errorf("creating pod for service %s, %w", svc.ID, err)
	}
	r.log.Info("pod created", "service", svc.ID, "pod", pod.ID, "version", pod.PackVersion)
	return nil
}

// newPod stamps the service template onto a fresh pending pod; pinTo, when
// set, narrows the selector to one node for daemon coverage.
func (r *Reconciler) newPod(svc *core.Service, pinTo *core.Node) *core.Pod {
	labels := map[string]string{core.LabelService: string(svc.ID)}
	// Template labels win over the defaults on collision.
	lo.Must0(mergo.Merge(&labels, svc.Template.Labels, mergo.WithOverride))

	selector := map[string]string{}
	lo.Must0(mergo.Merge(&selector, svc.Template.Scheduling.NodeSelector))
	if pinTo != nil {
		selector[core.LabelNodeID] = string(pinTo.ID)
	}

	scheduling := svc.Template.Scheduling
	scheduling.NodeSelector = selector

	return &core.Pod{
		ID:               core.PodID(uuid.NewString()),
		PackID:           svc.PackID,
		PackVersion:      svc.PackVersion,
		Status:           core.PodPending,
		Namespace:        svc.Namespace,
		Labels:           labels,
		Annotations:      copyAnnotations(svc.Template.Annotations),
		Priority:         svc.Template.Priority,
		Tolerations:      append([]core.Toleration(nil), svc.Template.Tolerations...),
		ResourceRequests: svc.Template.ResourceRequests,
		ResourceLimits:   svc.Template.ResourceLimits,
		Scheduling:       scheduling,
		OwnerID:          svc.ID,
		CreatedBy:        "service-reconciler",
		CreatedAt:        r.clock.Now(),
	}
}

// retirePod marks a pod stopping and asks its node to stop it; the grace
// timer starts now.
func (r *Reconciler) retirePod(ctx context.Context, pod *core.Pod, reason core.TerminationReason) error {
	if pod.Status == core.PodPending {
		// Never ran anywhere: finish it directly.
		pod.Status = core.PodStopped
		pod.TerminationReason = reason
		now := r.clock.Now()
		pod.StoppedAt = &now
		if _, err := r.store.UpdatePod(ctx, pod); err != nil && !store.IsConflict(err) {
			return fmt.Errorf("stopping pending pod %s, %w", pod.ID, err)
		}
		return nil
	}

	pod.Status = core.PodStopping
	pod.TerminationReason = reason
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[stopRequestedAnnotation] = r.clock.Now().Format(time.RFC3339)
	if _, err := r.store.UpdatePod(ctx, pod); err != nil {
		if store.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("retiring pod %s, %w", pod.ID, err)
	}
	r.dispatcher.SendToNode(pod.NodeID, wire.MustNew(wire.TypePodStop, wire.PodStop{
		PodID:         pod.ID,
		Incarnation:   pod.Incarnation,
		GracePeriodMs: r.opts.GracePeriod.Milliseconds(),
		Reason:        reason,
	}))
	r.log.Info("pod retired", "pod", pod.ID, "reason", reason)
	return nil
}

// promoteExpiredStops finishes stopping pods whose grace period ran out so
// none linger, then frees their node resources.
func (r *Reconciler) promoteExpiredStops(ctx context.Context, active []*core.Pod) {
	now := r.clock.Now()
	for _, pod := range active {
		if pod.Status != core.PodStopping {
			continue
		}
		requested, err := time.Parse(time.RFC3339, pod.Annotations[stopRequestedAnnotation])
		if err != nil {
			requested = pod.CreatedAt
		}
		if now.Sub(requested) < r.opts.GracePeriod {
			continue
		}
		pod.Status = core.PodStopped
		pod.StoppedAt = &now
		if _, err := r.store.UpdatePod(ctx, pod); err != nil {
			if !store.IsConflict(err) {
				r.log.Error(err, "promoting stopping pod", "pod", pod.ID)
			}
			continue
		}
		if err := r.sched.ReleaseAllocation(ctx, pod); err != nil {
			r.log.Error(err, "releasing allocation", "pod", pod.ID)
		}
	}
}

func (r *Reconciler) evictFromDrainingNodes(ctx context.Context, active []*core.Pod, nodes []*core.Node) error {
	byID := lo.KeyBy(nodes, func(n *core.Node) core.NodeID { return n.ID })
	for _, pod := range active {
		if !pod.Placed() || pod.Status == core.PodStopping {
			continue
		}
		node, ok := byID[pod.NodeID]
		if !ok {
			continue
		}
		var reason core.TerminationReason
		switch node.Status {
		case core.NodeDraining:
			reason = core.ReasonNodeDraining
		case core.NodeMaintenance:
			reason = core.ReasonNodeMaintenance
		default:
			continue
		}
		if err := r.retirePod(ctx, pod, reason); err != nil {
			return err
		}
	}
	return nil
}

// selectForRetirement picks the pods to remove on scale-down, preferring
// newer, lower-priority, and not-yet-running pods.
func selectForRetirement(pods []*core.Pod, count int) []*core.Pod {
	ranked := append([]*core.Pod(nil), pods...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		aRunning, bRunning := a.Status == core.PodRunning, b.Status == core.PodRunning
		if aRunning != bRunning {
			return !aRunning
		}
		return a.ID < b.ID
	})
	if count > len(ranked) {
		count = len(ranked)
	}
	return ranked[:count]
}

func copyAnnotations(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
