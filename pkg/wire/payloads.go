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

package wire

import (
	"time"

	"github.com/packfleet/packfleet/pkg/apis/core"
)

// NodeRegister is the first frame a node sends after opening a channel.
type NodeRegister struct {
	Name           string            `json:"name"`
	RuntimeKind    core.RuntimeKind  `json:"runtimeKind"`
	RuntimeVersion string            `json:"runtimeVersion,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Allocatable    core.Resources    `json:"allocatable"`
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
	Taints         core.Taints       `json:"taints,omitempty"`

	// NodeID is set on reconnect so the node keeps its identity.
	NodeID core.NodeID `json:"nodeId,omitempty"`
}

// NodeHeartbeat reports liveness and the pod ids the node believes it runs.
// ActivePodIDs drive stale-pod cleanup after reconnects.
type NodeHeartbeat struct {
	NodeID       core.NodeID    `json:"nodeId"`
	Timestamp    time.Time      `json:"timestamp"`
	Allocated    core.Resources `json:"allocated"`
	ActivePodIDs []core.PodID   `json:"activePodIds"`
}

// PodStatusUpdate reports a pod state transition observed on the node.
type PodStatusUpdate struct {
	PodID             core.PodID             `json:"podId"`
	Incarnation       uint64                 `json:"incarnation"`
	Status            core.PodStatus         `json:"status"`
	StatusMessage     string                 `json:"statusMessage,omitempty"`
	TerminationReason core.TerminationReason `json:"terminationReason,omitempty"`
}

// PackRef is the deployable bundle reference shipped inside pod:deploy.
type PackRef struct {
	ID         core.PackID       `json:"id"`
	Version    string            `json:"version"`
	RuntimeTag core.RuntimeTag   `json:"runtimeTag"`
	BundleRef  string            `json:"bundleRef,omitempty"`
	Metadata   core.PackMetadata `json:"metadata"`
}

// PodDeploy instructs a node to start a pod.
type PodDeploy struct {
	PodID               core.PodID        `json:"podId"`
	NodeID              core.NodeID       `json:"nodeId"`
	Pack                PackRef           `json:"pack"`
	Resources           core.Resources    `json:"resources"`
	Namespace           string            `json:"namespace"`
	Labels              map[string]string `json:"labels,omitempty"`
	Annotations         map[string]string `json:"annotations,omitempty"`
	GrantedCapabilities []string          `json:"grantedCapabilities,omitempty"`
	Incarnation         uint64            `json:"incarnation"`
}

// PodStop instructs a node to terminate a pod, gracefully within
// GracePeriodMs and forcibly afterward.
type PodStop struct {
	PodID         core.PodID             `json:"podId"`
	Incarnation   uint64                 `json:"incarnation"`
	GracePeriodMs int64                  `json:"gracePeriodMs"`
	Reason        core.TerminationReason `json:"reason"`
}

// NodeShutdown announces that the control plane is going away.
type NodeShutdown struct {
	Reason string `json:"reason"`
}
