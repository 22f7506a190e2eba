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

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/events"
	"github.com/packfleet/packfleet/pkg/metrics"
	"github.com/packfleet/packfleet/pkg/scheduler"
	"github.com/packfleet/packfleet/pkg/store"
	"github.com/packfleet/packfleet/pkg/wire"
)

// adoptLatestVersion moves a followLatest service to the newest registered
// pack version, skipping the failed version and anything inside the
// failure backoff window.
func (r *Reconciler) adoptLatestVersion(ctx context.Context, svc *core.Service) error {
	versions, err := r.store.ListPackVersions(ctx, svc.PackID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("listing versions of pack %s, %w", svc.PackID, err)
	}
	backoffLocked := svc.FailureBackoffUntil != nil && r.clock.Now().Before(*svc.FailureBackoffUntil)
	// Walk newest → oldest for the first adoptable version.
	for i := len(versions) - 1; i >= 0; i-- {
		version := versions[i]
		if version == svc.FailedVersion {
			continue
		}
		if backoffLocked && version != svc.LastSuccessfulVersion {
			continue
		}
		if core.CompareVersions(version, svc.PackVersion) <= 0 {
			return nil
		}
		svc.PackVersion = version
		if _, err := r.store.UpdateService(ctx, svc); err != nil && !store.IsConflict(err) {
			return fmt.Errorf("adopting version %s, %w", version, err)
		}
		r.log.Info("service follows latest version", "service", svc.ID, "version", version)
		return nil
	}
	return nil
}

// reconcileVersion drives a rolling update: outdated pods are replaced one
// at a time, each replacement must reach running and survive the stability
// window before the next drain. Crossing the failure threshold rolls the
// service back to its last successful version.
func (r *Reconciler) reconcileVersion(ctx context.Context, svc *core.Service, active []*core.Pod) error {
	if rolled, err := r.maybeRollback(ctx, svc); err != nil || rolled {
		return err
	}

	outdated := lo.Filter(active, func(p *core.Pod, _ int) bool {
		return p.Status != core.PodStopping && p.PackVersion != svc.PackVersion
	})
	if len(outdated) == 0 {
		return r.recordStableRollout(ctx, svc, active)
	}

	updated := lo.Filter(active, func(p *core.Pod, _ int) bool {
		return p.Status != core.PodStopping && p.PackVersion == svc.PackVersion
	})

	// A replacement still proving itself holds the rollout.
	for _, pod := range updated {
		if !r.stable(pod) {
			return nil
		}
	}

	// Daemon services cannot surge (one pod per node): drain one outdated
	// pod and let the coverage pass recreate it at the new version.
	if svc.DaemonSet() {
		victim := selectForRetirement(outdated, 1)[0]
		return r.retirePod(ctx, victim, core.ReasonRollingUpdate)
	}

	// Replicated services surge by one: drain an outdated pod only once a
	// stable replacement exists for it.
	desired := int(svc.Replicas)
	if len(updated)+len(outdated) > desired || len(updated) >= desired {
		victim := selectForRetirement(outdated, 1)[0]
		return r.retirePod(ctx, victim, core.ReasonRollingUpdate)
	}

	// Grow the new version by one; the quantity pass never sees more than
	// one in-flight replacement because stopping pods do not count.
	return r.createPod(ctx, svc, nil)
}

// maybeRollback reverts the service when the current rollout accumulated
// too many application failures.
func (r *Reconciler) maybeRollback(ctx context.Context, svc *core.Service) (bool, error) {
	if svc.ConsecutiveFailures < r.opts.FailThreshold {
		return false, nil
	}
	if svc.PackVersion == svc.LastSuccessfulVersion {
		return false, nil
	}
	failed := svc.PackVersion
	svc.FailedVersion = failed
	if svc.LastSuccessfulVersion != "" {
		svc.PackVersion = svc.LastSuccessfulVersion
	}
	until := r.clock.Now().Add(failureBackoff(svc.ConsecutiveFailures, r.opts.BackoffBase, r.opts.BackoffCeiling))
	svc.FailureBackoffUntil = &until
	svc.StatusMessage = fmt.Sprintf("version %s rolled back after %d consecutive failures", failed, svc.ConsecutiveFailures)
	if _, err := r.store.UpdateService(ctx, svc); err != nil {
		if store.IsConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("rolling back service %s, %w", svc.ID, err)
	}
	metrics.Rollbacks.Inc()
	r.bus.Publish(events.Event{Kind: events.KindRollbackTriggered, ServiceID: svc.ID, Message: svc.StatusMessage})
	r.log.Info("service rolled back", "service", svc.ID, "failedVersion", failed, "revertedTo", svc.PackVersion)
	return true, nil
}

// recordStableRollout marks the current version successful once a pod of it
// has survived the stability window, resetting failure bookkeeping.
func (r *Reconciler) recordStableRollout(ctx context.Context, svc *core.Service, active []*core.Pod) error {
	if svc.LastSuccessfulVersion == svc.PackVersion && svc.ConsecutiveFailures == 0 {
		return nil
	}
	for _, pod := range active {
		if pod.PackVersion != svc.PackVersion || !r.stable(pod) {
			continue
		}
		// Re-stabilising the rollback target is not a new successful
		// rollout: the failed version stays locked out.
		if svc.LastSuccessfulVersion != svc.PackVersion {
			svc.LastSuccessfulVersion = svc.PackVersion
			svc.FailureBackoffUntil = nil
			if svc.FailedVersion == svc.PackVersion {
				svc.FailedVersion = ""
			}
		}
		svc.ConsecutiveFailures = 0
		svc.StatusMessage = ""
		if _, err := r.store.UpdateService(ctx, svc); err != nil && !store.IsConflict(err) {
			return fmt.Errorf("recording successful rollout, %w", err)
		}
		r.sched.Backoff().Reset(scheduler.LineageKey(svc.ID, svc.PackVersion))
		r.log.Info("rollout stable", "service", svc.ID, "version", svc.PackVersion)
		return nil
	}
	return nil
}

// stable reports whether a pod has been running for the stability window.
func (r *Reconciler) stable(pod *core.Pod) bool {
	if pod.Status != core.PodRunning || pod.StartedAt == nil {
		return false
	}
	return r.clock.Since(*pod.StartedAt) >= r.opts.StabilityWindow
}

// RecordPodFailure feeds crash-loop accounting from the pod-status path.
// Only application-class terminations (and unknown ones, conservatively)
// count; infrastructure and operator terminations never do.
func (r *Reconciler) RecordPodFailure(ctx context.Context, pod *core.Pod) {
	if !pod.TerminationReason.CountsTowardCrashLoop() || pod.OwnerID == "" {
		return
	}
	failures := r.sched.Backoff().RecordFailure(scheduler.LineageKey(pod.OwnerID, pod.PackVersion))

	svc, err := r.store.GetService(ctx, pod.OwnerID)
	if err != nil {
		if !store.IsNotFound(err) {
			r.log.Error(err, "loading service for failure accounting", "service", pod.OwnerID)
		}
		return
	}
	if pod.PackVersion != svc.PackVersion {
		return
	}
	svc.ConsecutiveFailures++
	svc.StatusMessage = fmt.Sprintf("pod %s failed: %s", pod.ID, pod.TerminationReason)
	if _, err := r.store.UpdateService(ctx, svc); err != nil && !store.IsConflict(err) {
		r.log.Error(err, "recording service failure", "service", svc.ID)
	}
	r.bus.Publish(events.Event{Kind: events.KindServiceDegraded, ServiceID: svc.ID, PodIDs: []core.PodID{pod.ID}, Message: string(pod.TerminationReason)})
	r.log.V(1).Info("pod failure recorded", "service", svc.ID, "pod", pod.ID, "lineageFailures", failures, "serviceFailures", svc.ConsecutiveFailures)
}

// HandleStaleReport dispatches exactly one pod:stop for every pod id a
// reconnecting node still claims but the control plane no longer owns. No
// store state is touched for stale ids; when the node's later heartbeats
// stop listing them, cleanup is complete.
func (r *Reconciler) HandleStaleReport(ctx context.Context, nodeID core.NodeID, reported []core.PodID) []core.PodID {
	var stale []core.PodID
	for _, podID := range reported {
		pod, err := r.store.GetPod(ctx, podID)
		owned := err == nil && pod.Active() && pod.NodeID == nodeID
		if owned {
			continue
		}
		stale = append(stale, podID)
		r.dispatcher.SendToNode(nodeID, wire.MustNew(wire.TypePodStop, wire.PodStop{
			PodID:         podID,
			GracePeriodMs: r.opts.GracePeriod.Milliseconds(),
			Reason:        core.ReasonUserStopped,
		}))
	}
	if len(stale) > 0 {
		r.bus.Publish(events.Event{Kind: events.KindStalePodsReported, NodeID: nodeID, PodIDs: stale})
		r.log.Info("stale pods stopped", "node", nodeID, "pods", len(stale))
	}
	return stale
}

// teardown drains a deleting service and removes it once empty.
func (r *Reconciler) teardown(ctx context.Context, svc *core.Service) error {
	pods, err := r.store.ListPods(ctx, store.PodFilter{OwnerID: svc.ID})
	if err != nil {
		return fmt.Errorf("listing pods for teardown, %w", err)
	}
	active := lo.Filter(pods, func(p *core.Pod, _ int) bool { return p.Active() })
	if len(active) == 0 {
		if err := r.store.DeleteService(ctx, svc.ID); err != nil && !store.IsNotFound(err) {
			return fmt.Errorf("deleting service, %w", err)
		}
		r.log.Info("service deleted", "service", svc.ID)
		return nil
	}
	r.promoteExpiredStops(ctx, active)
	for _, pod := range active {
		if pod.Status == core.PodStopping {
			continue
		}
		if err := r.retirePod(ctx, pod, core.ReasonServiceDeleted); err != nil {
			return err
		}
	}
	return nil
}

// updateStatus refreshes the observed counters; writes are conditional so
// a lost race just defers to the next pass.
func (r *Reconciler) updateStatus(ctx context.Context, svc *core.Service, nodes []*core.Node) error {
	pods, err := r.store.ListPods(ctx, store.PodFilter{OwnerID: svc.ID})
	if err != nil {
		return fmt.Errorf("listing pods for status, %w", err)
	}
	fresh, err := r.store.GetService(ctx, svc.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	var ready, available, updated int32
	for _, pod := range pods {
		if !pod.Active() || pod.Status == core.PodStopping {
			continue
		}
		if pod.Status == core.PodRunning {
			ready++
			if r.stable(pod) {
				available++
			}
		}
		if pod.PackVersion == fresh.PackVersion {
			updated++
		}
	}
	desired, _ := r.desiredCount(fresh, nodes)

	changed := fresh.ReadyReplicas != ready ||
		fresh.AvailableReplicas != available ||
		fresh.UpdatedReplicas != updated ||
		fresh.ObservedGeneration != fresh.Generation
	if !changed {
		return nil
	}
	fresh.ReadyReplicas = ready
	fresh.AvailableReplicas = available
	fresh.UpdatedReplicas = updated
	fresh.ObservedGeneration = fresh.Generation
	if int(ready) >= desired && fresh.Status == core.ServiceScaling {
		fresh.Status = core.ServiceActive
	}
	if _, err := r.store.UpdateService(ctx, fresh); err != nil && !store.IsConflict(err) {
		return fmt.Errorf("updating service status, %w", err)
	}
	return nil
}

// failureBackoff grows min(2^n * base, ceiling).
func failureBackoff(n uint32, base, ceiling time.Duration) time.Duration {
	d := base
	for i := uint32(1); i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
