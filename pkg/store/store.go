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

// Package store defines the persistence boundary of the control plane. The
// storage engine behind it is opaque; the contract is CRUD plus the
// conditional updates the single-writer discipline depends on. Writes
// compare ResourceVersion and fail with ErrConflict when the entity moved
// underneath the caller; callers treat a conflict as "re-enqueue and
// continue", never as a user-facing error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/packfleet/packfleet/pkg/apis/core"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("conflict: resource version mismatch")
)

// transientError marks infrastructure failures worth retrying locally.
type transientError struct{ error }

func (t transientError) Unwrap() error { return t.error }

// Transient wraps err as a retryable infrastructure failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// PodFilter narrows ListPods. Zero values match everything.
type PodFilter struct {
	OwnerID   core.ServiceID
	NodeID    core.NodeID
	Namespace string
	Statuses  []core.PodStatus
}

// Interface is the persistence capability handed to every component.
type Interface interface {
	// Nodes
	CreateNode(ctx context.Context, node *core.Node) error
	GetNode(ctx context.Context, id core.NodeID) (*core.Node, error)
	ListNodes(ctx context.Context) ([]*core.Node, error)
	// UpdateNode is conditional on node.ResourceVersion.
	UpdateNode(ctx context.Context, node *core.Node) (*core.Node, error)

	// Pods
	CreatePod(ctx context.Context, pod *core.Pod) error
	GetPod(ctx context.Context, id core.PodID) (*core.Pod, error)
	ListPods(ctx context.Context, filter PodFilter) ([]*core.Pod, error)
	// UpdatePod is conditional on pod.ResourceVersion.
	UpdatePod(ctx context.Context, pod *core.Pod) (*core.Pod, error)
	// SchedulePod atomically claims a pending pod for a node: it fails with
	// ErrConflict unless the pod is still pending, then sets nodeId, status
	// scheduled, scheduledAt, and bumps the incarnation.
	SchedulePod(ctx context.Context, id core.PodID, nodeID core.NodeID, scheduledAt time.Time) (*core.Pod, error)
	// MarkPodsFailedByNode fails every pod on the node in
	// {scheduled, starting, running} with the given reason, as one atomic
	// batch, and returns the pods affected.
	MarkPodsFailedByNode(ctx context.Context, nodeID core.NodeID, reason core.TerminationReason, at time.Time) ([]*core.Pod, error)

	// Services
	CreateService(ctx context.Context, svc *core.Service) error
	GetService(ctx context.Context, id core.ServiceID) (*core.Service, error)
	ListServices(ctx context.Context) ([]*core.Service, error)
	// UpdateService is conditional on svc.ResourceVersion; spec-affecting
	// changes bump Generation.
	UpdateService(ctx context.Context, svc *core.Service) (*core.Service, error)
	DeleteService(ctx context.Context, id core.ServiceID) error

	// Packs (immutable once registered)
	RegisterPack(ctx context.Context, pack *core.Pack) error
	GetPack(ctx context.Context, id core.PackID, version string) (*core.Pack, error)
	ListPackVersions(ctx context.Context, id core.PackID) ([]string, error)
	// LatestVersion returns the highest registered semver for the pack.
	LatestVersion(ctx context.Context, id core.PackID) (string, error)

	// Changes delivers a coalesced notification after every successful
	// write, so reconcilers can react between periodic ticks.
	Changes() <-chan struct{}
}
