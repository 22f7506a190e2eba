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

package test

import (
	"github.com/samber/lo"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/store"
)

// PodsOf lists a service's pods, optionally narrowed to statuses.
func (e *Environment) PodsOf(svcID core.ServiceID, statuses ...core.PodStatus) []*core.Pod {
	pods, err := e.Store.ListPods(e.Ctx, store.PodFilter{OwnerID: svcID, Statuses: statuses})
	if err != nil {
		panic(err)
	}
	return pods
}

// RunningPods is shorthand for the running subset.
func (e *Environment) RunningPods(svcID core.ServiceID) []*core.Pod {
	return e.PodsOf(svcID, core.PodRunning)
}

// NodeStatus reads the current liveness status of a node.
func (e *Environment) NodeStatus(id core.NodeID) core.NodeStatus {
	node, err := e.Store.GetNode(e.Ctx, id)
	if err != nil {
		return ""
	}
	return node.Status
}

// GetService reloads a service.
func (e *Environment) GetService(id core.ServiceID) *core.Service {
	svc, err := e.Store.GetService(e.Ctx, id)
	if err != nil {
		panic(err)
	}
	return svc
}

// UpdateService applies f under a fresh read so conditional updates never
// spuriously conflict in tests.
func (e *Environment) UpdateService(id core.ServiceID, f func(*core.Service)) *core.Service {
	svc := e.GetService(id)
	f(svc)
	updated, err := e.Store.UpdateService(e.Ctx, svc)
	if err != nil {
		panic(err)
	}
	return updated
}

// PodNodes reports the distinct nodes hosting the given pods.
func PodNodes(pods []*core.Pod) []core.NodeID {
	return lo.Uniq(lo.Map(pods, func(p *core.Pod, _ int) core.NodeID { return p.NodeID }))
}
