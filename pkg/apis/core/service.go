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

package core

import "time"

type ServiceID string

type ServiceStatus string

const (
	ServiceActive   ServiceStatus = "active"
	ServicePaused   ServiceStatus = "paused"
	ServiceScaling  ServiceStatus = "scaling"
	ServiceDeleting ServiceStatus = "deleting"
)

// PodTemplate is the pod shape a service stamps onto every replica.
type PodTemplate struct {
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	Tolerations       []Toleration      `json:"tolerations,omitempty"`
	ResourceRequests  Resources         `json:"resourceRequests"`
	ResourceLimits    Resources         `json:"resourceLimits"`
	Scheduling        SchedulingSpec    `json:"scheduling"`
	Priority          int32             `json:"priority"`
	PriorityClassName string            `json:"priorityClassName,omitempty"`
}

// Service is a desired-state specification: keep Replicas pods of the named
// pack running, or one pod per eligible node when Replicas is zero
// (DaemonSet semantics). The reconciler is the sole writer of
// ObservedGeneration and the replica counters.
type Service struct {
	ID        ServiceID `json:"id"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`

	PackID       PackID `json:"packId"`
	PackVersion  string `json:"packVersion"`
	FollowLatest bool   `json:"followLatest"`

	// Replicas zero selects DaemonSet semantics.
	Replicas uint32        `json:"replicas"`
	Status   ServiceStatus `json:"status"`

	StatusMessage string `json:"statusMessage,omitempty"`

	Template PodTemplate `json:"template"`

	// Generation is bumped by the store on every spec-affecting write;
	// TemplateHash fingerprints the pod template; a change in it counts as a
	// spec-affecting write. Rollouts compare pack versions only.
	Generation         uint64 `json:"generation"`
	ObservedGeneration uint64 `json:"observedGeneration"`
	TemplateHash       uint64 `json:"templateHash,omitempty"`

	ReadyReplicas     int32 `json:"readyReplicas"`
	AvailableReplicas int32 `json:"availableReplicas"`
	UpdatedReplicas   int32 `json:"updatedReplicas"`

	LastSuccessfulVersion string     `json:"lastSuccessfulVersion,omitempty"`
	FailedVersion         string     `json:"failedVersion,omitempty"`
	ConsecutiveFailures   uint32     `json:"consecutiveFailures"`
	FailureBackoffUntil   *time.Time `json:"failureBackoffUntil,omitempty"`

	ResourceVersion uint64 `json:"resourceVersion"`
}

// DaemonSet reports whether the service runs one pod per eligible node.
func (s *Service) DaemonSet() bool {
	return s.Replicas == 0
}

func (s *Service) DeepCopy() *Service {
	out := *s
	out.Template.Labels = copyMap(s.Template.Labels)
	out.Template.Annotations = copyMap(s.Template.Annotations)
	out.Template.Tolerations = append([]Toleration(nil), s.Template.Tolerations...)
	out.FailureBackoffUntil = copyTime(s.FailureBackoffUntil)
	return &out
}
