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

package store

import (
	"context"
	"time"

	"github.com/packfleet/packfleet/pkg/apis/core"
)

// retrying decorates a store with the per-call timeout and transient-retry
// discipline. Conflicts, not-found and validation errors pass through on
// the first attempt.
type retrying struct {
	inner Interface
}

// NewRetrying wraps inner so every call runs under WithRetry.
func NewRetrying(inner Interface) Interface {
	return &retrying{inner: inner}
}

func (r *retrying) CreateNode(ctx context.Context, node *core.Node) error {
	return WithRetry(ctx, func(ctx context.Context) error { return r.inner.CreateNode(ctx, node) })
}

func (r *retrying) GetNode(ctx context.Context, id core.NodeID) (node *core.Node, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		node, err = r.inner.GetNode(ctx, id)
		return err
	})
	return node, err
}

func (r *retrying) ListNodes(ctx context.Context) (nodes []*core.Node, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		nodes, err = r.inner.ListNodes(ctx)
		return err
	})
	return nodes, err
}

func (r *retrying) UpdateNode(ctx context.Context, node *core.Node) (updated *core.Node, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		updated, err = r.inner.UpdateNode(ctx, node)
		return err
	})
	return updated, err
}

func (r *retrying) CreatePod(ctx context.Context, pod *core.Pod) error {
	return WithRetry(ctx, func(ctx context.Context) error { return r.inner.CreatePod(ctx, pod) })
}

func (r *retrying) GetPod(ctx context.Context, id core.PodID) (pod *core.Pod, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		pod, err = r.inner.GetPod(ctx, id)
		return err
	})
	return pod, err
}

func (r *retrying) ListPods(ctx context.Context, filter PodFilter) (pods []*core.Pod, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		pods, err = r.inner.ListPods(ctx, filter)
		return err
	})
	return pods, err
}

func (r *retrying) UpdatePod(ctx context.Context, pod *core.Pod) (updated *core.Pod, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		updated, err = r.inner.UpdatePod(ctx, pod)
		return err
	})
	return updated, err
}

func (r *retrying) SchedulePod(ctx context.Context, id core.PodID, nodeID core.NodeID, scheduledAt time.Time) (pod *core.Pod, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		pod, err = r.inner.SchedulePod(ctx, id, nodeID, scheduledAt)
		return err
	})
	return pod, err
}

func (r *retrying) MarkPodsFailedByNode(ctx context.Context, nodeID core.NodeID, reason core.TerminationReason, at time.Time) (pods []*core.Pod, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		pods, err = r.inner.MarkPodsFailedByNode(ctx, nodeID, reason, at)
		return err
	})
	return pods, err
}

func (r *retrying) CreateService(ctx context.Context, svc *core.Service) error {
	return WithRetry(ctx, func(ctx context.Context) error { return r.inner.CreateService(ctx, svc) })
}

func (r *retrying) GetService(ctx context.Context, id core.ServiceID) (svc *core.Service, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		svc, err = r.inner.GetService(ctx, id)
		return err
	})
	return svc, err
}

func (r *retrying) ListServices(ctx context.Context) (services []*core.Service, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		services, err = r.inner.ListServices(ctx)
		return err
	})
	return services, err
}

func (r *retrying) UpdateService(ctx context.Context, svc *core.Service) (updated *core.Service, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		updated, err = r.inner.UpdateService(ctx, svc)
		return err
	})
	return updated, err
}

func (r *retrying) DeleteService(ctx context.Context, id core.ServiceID) error {
	return WithRetry(ctx, func(ctx context.Context) error { return r.inner.DeleteService(ctx, id) })
}

func (r *retrying) RegisterPack(ctx context.Context, pack *core.Pack) error {
	return WithRetry(ctx, func(ctx context.Context) error { return r.inner.RegisterPack(ctx, pack) })
}

func (r *retrying) GetPack(ctx context.Context, id core.PackID, version string) (pack *core.Pack, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		pack, err = r.inner.GetPack(ctx, id, version)
		return err
	})
	return pack, err
}

func (r *retrying) ListPackVersions(ctx context.Context, id core.PackID) (versions []string, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		versions, err = r.inner.ListPackVersions(ctx, id)
		return err
	})
	return versions, err
}

func (r *retrying) LatestVersion(ctx context.Context, id core.PackID) (version string, err error) {
	err = WithRetry(ctx, func(ctx context.Context) error {
		version, err = r.inner.LatestVersion(ctx, id)
		return err
	})
	return version, err
}

func (r *retrying) Changes() <-chan struct{} { return r.inner.Changes() }
