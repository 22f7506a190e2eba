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

// Package memory is the reference store implementation: a mutex-guarded map
// store with the same conditional-update semantics a persistent engine must
// provide. It backs the test suites and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/store"
)

type Store struct {
	mu       sync.RWMutex
	nodes    map[core.NodeID]*core.Node
	pods     map[core.PodID]*core.Pod
	services map[core.ServiceID]*core.Service
	packs    map[core.PackID]map[string]*core.Pack

	changes chan struct{}
}

var _ store.Interface = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		nodes:    map[core.NodeID]*core.Node{},
		pods:     map[core.PodID]*core.Pod{},
		services: map[core.ServiceID]*core.Service{},
		packs:    map[core.PackID]map[string]*core.Pack{},
		changes:  make(chan struct{}, 1),
	}
}

func (s *Store) Changes() <-chan struct{} { return s.changes }

// notify coalesces: a pending notification absorbs later ones.
func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Nodes

func (s *Store) CreateNode(_ context.Context, node *core.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[node.ID]; ok {
		return fmt.Errorf("node %s: %w", node.ID, store.ErrAlreadyExists)
	}
	node.ResourceVersion = 1
	s.nodes[node.ID] = node.DeepCopy()
	s.notify()
	return nil
}

func (s *Store) GetNode(_ context.Context, id core.NodeID) (*core.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, store.ErrNotFound)
	}
	return node.DeepCopy(), nil
}

func (s *Store) ListNodes(_ context.Context) ([]*core.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := lo.Map(lo.Values(s.nodes), func(n *core.Node, _ int) *core.Node { return n.DeepCopy() })
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *Store) UpdateNode(_ context.Context, node *core.Node) (*core.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.nodes[node.ID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", node.ID, store.ErrNotFound)
	}
	if existing.ResourceVersion != node.ResourceVersion {
		return nil, fmt.Errorf("node %s: %w", node.ID, store.ErrConflict)
	}
	updated := node.DeepCopy()
	updated.ResourceVersion++
	s.nodes[node.ID] = updated
	s.notify()
	return updated.DeepCopy(), nil
}

// Pods

func (s *Store) CreatePod(_ context.Context, pod *core.Pod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pods[pod.ID]; ok {
		return fmt.Errorf("pod %s: %w", pod.ID, store.ErrAlreadyExists)
	}
	pod.ResourceVersion = 1
	s.pods[pod.ID] = pod.DeepCopy()
	s.notify()
	return nil
}

func (s *Store) GetPod(_ context.Context, id core.PodID) (*core.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pod, ok := s.pods[id]
	if !ok {
		return nil, fmt.Errorf("pod %s: %w", id, store.ErrNotFound)
	}
	return pod.DeepCopy(), nil
}

func (s *Store) ListPods(_ context.Context, filter store.PodFilter) ([]*core.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pods := lo.FilterMap(lo.Values(s.pods), func(p *core.Pod, _ int) (*core.Pod, bool) {
		if filter.OwnerID != "" && p.OwnerID != filter.OwnerID {
			return nil, false
		}
		if filter.NodeID != "" && p.NodeID != filter.NodeID {
			return nil, false
		}
		if filter.Namespace != "" && p.Namespace != filter.Namespace {
			return nil, false
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, p.Status) {
			return nil, false
		}
		return p.DeepCopy(), true
	})
	sort.Slice(pods, func(i, j int) bool { return pods[i].ID < pods[j].ID })
	return pods, nil
}

func (s *Store) UpdatePod(_ context.Context, pod *core.Pod) (*core.Pod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.pods[pod.ID]
	if !ok {
		return nil, fmt.Errorf("pod %s: %w", pod.ID, store.ErrNotFound)
	}
	if existing.ResourceVersion != pod.ResourceVersion {
		return nil, fmt.Errorf("pod %s: %w", pod.ID, store.ErrConflict)
	}
	if pod.Incarnation < existing.Incarnation {
		return nil, fmt.Errorf("pod %s: incarnation regressed from %d to %d: %w",
			pod.ID, existing.Incarnation, pod.Incarnation, store.ErrConflict)
	}
	updated := pod.DeepCopy()
	updated.ResourceVersion++
	s.pods[pod.ID] = updated
	s.notify()
	return updated.DeepCopy(), nil
}

func (s *Store) SchedulePod(_ context.Context, id core.PodID, nodeID core.NodeID, scheduledAt time.Time) (*core.Pod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pod, ok := s.pods[id]
	if !ok {
		return nil, fmt.Errorf("pod %s: %w", id, store.ErrNotFound)
	}
	if pod.Status != core.PodPending {
		return nil, fmt.Errorf("pod %s is %s, not pending: %w", id, pod.Status, store.ErrConflict)
	}
	claimed := pod.DeepCopy()
	claimed.NodeID = nodeID
	claimed.Status = core.PodScheduled
	claimed.ScheduledAt = &scheduledAt
	claimed.PendingReason = ""
	claimed.Incarnation++
	claimed.ResourceVersion++
	s.pods[id] = claimed
	s.notify()
	return claimed.DeepCopy(), nil
}

func (s *Store) MarkPodsFailedByNode(_ context.Context, nodeID core.NodeID, reason core.TerminationReason, at time.Time) ([]*core.Pod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected []*core.Pod
	for id, pod := range s.pods {
		if pod.NodeID != nodeID {
			continue
		}
		switch pod.Status {
		case core.PodScheduled, core.PodStarting, core.PodRunning:
		default:
			continue
		}
		failed := pod.DeepCopy()
		failed.Status = core.PodFailed
		failed.TerminationReason = reason
		failed.StoppedAt = &at
		failed.ResourceVersion++
		s.pods[id] = failed
		affected = append(affected, failed.DeepCopy())
	}
	if len(affected) > 0 {
		s.notify()
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].ID < affected[j].ID })
	return affected, nil
}

// Services

func (s *Store) CreateService(_ context.Context, svc *core.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[svc.ID]; ok {
		return fmt.Errorf("service %s: %w", svc.ID, store.ErrAlreadyExists)
	}
	for _, other := range s.services {
		if other.Namespace == svc.Namespace && other.Name == svc.Name {
			return fmt.Errorf("service %s/%s: %w", svc.Namespace, svc.Name, store.ErrAlreadyExists)
		}
	}
	svc.Generation = 1
	svc.ResourceVersion = 1
	svc.TemplateHash = templateHash(svc.Template)
	s.services[svc.ID] = svc.DeepCopy()
	s.notify()
	return nil
}

func (s *Store) GetService(_ context.Context, id core.ServiceID) (*core.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, store.ErrNotFound)
	}
	return svc.DeepCopy(), nil
}

func (s *Store) ListServices(_ context.Context) ([]*core.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	services := lo.Map(lo.Values(s.services), func(svc *core.Service, _ int) *core.Service { return svc.DeepCopy() })
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services, nil
}

func (s *Store) UpdateService(_ context.Context, svc *core.Service) (*core.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.services[svc.ID]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", svc.ID, store.ErrNotFound)
	}
	if existing.ResourceVersion != svc.ResourceVersion {
		return nil, fmt.Errorf("service %s: %w", svc.ID, store.ErrConflict)
	}
	updated := svc.DeepCopy()
	updated.TemplateHash = templateHash(svc.Template)
	updated.Generation = existing.Generation
	if specChanged(existing, updated) {
		updated.Generation++
	}
	updated.ResourceVersion++
	s.services[svc.ID] = updated
	s.notify()
	return updated.DeepCopy(), nil
}

func (s *Store) DeleteService(_ context.Context, id core.ServiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[id]; !ok {
		return fmt.Errorf("service %s: %w", id, store.ErrNotFound)
	}
	delete(s.services, id)
	s.notify()
	return nil
}

func specChanged(old, updated *core.Service) bool {
	return old.Replicas != updated.Replicas ||
		old.PackID != updated.PackID ||
		old.PackVersion != updated.PackVersion ||
		old.FollowLatest != updated.FollowLatest ||
		old.TemplateHash != updated.TemplateHash
}

func templateHash(template core.PodTemplate) uint64 {
	// Template hashing must be stable across process restarts; FormatV2 is.
	return lo.Must(hashstructure.Hash(template, hashstructure.FormatV2, nil))
}

// Packs

func (s *Store) RegisterPack(_ context.Context, pack *core.Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.packs[pack.ID]
	if !ok {
		versions = map[string]*core.Pack{}
		s.packs[pack.ID] = versions
	}
	if _, ok := versions[pack.Version]; ok {
		return fmt.Errorf("pack %s@%s: %w", pack.ID, pack.Version, store.ErrAlreadyExists)
	}
	clone := *pack
	versions[pack.Version] = &clone
	s.notify()
	return nil
}

func (s *Store) GetPack(_ context.Context, id core.PackID, version string) (*core.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pack, ok := s.packs[id][version]
	if !ok {
		return nil, fmt.Errorf("pack %s@%s: %w", id, version, store.ErrNotFound)
	}
	clone := *pack
	return &clone, nil
}

func (s *Store) ListPackVersions(_ context.Context, id core.PackID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.packs[id]
	if !ok {
		return nil, fmt.Errorf("pack %s: %w", id, store.ErrNotFound)
	}
	out := lo.Keys(versions)
	sort.Slice(out, func(i, j int) bool { return core.CompareVersions(out[i], out[j]) < 0 })
	return out, nil
}

func (s *Store) LatestVersion(ctx context.Context, id core.PackID) (string, error) {
	versions, err := s.ListPackVersions(ctx, id)
	if err != nil {
		return "", err
	}
	return versions[len(versions)-1], nil
}
