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

import (
	"github.com/blang/semver"
)

type PackID string

type RuntimeTag string

const (
	RuntimeTagServer    RuntimeTag = "server"
	RuntimeTagClient    RuntimeTag = "client"
	RuntimeTagUniversal RuntimeTag = "universal"
)

type PackNamespace string

const (
	PackNamespaceSystem PackNamespace = "system"
	PackNamespaceUser   PackNamespace = "user"
)

// PackMetadata carries the execution contract of a bundle.
type PackMetadata struct {
	Entrypoint            string            `json:"entrypoint,omitempty"`
	TimeoutSeconds        int64             `json:"timeoutSeconds,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
	MinRuntimeVersion     string            `json:"minRuntimeVersion,omitempty"`
	RequestedCapabilities []string          `json:"requestedCapabilities,omitempty"`
	EnableEphemeral       bool              `json:"enableEphemeral,omitempty"`
}

// Pack is an immutable deployable artifact identified by (name, version).
type Pack struct {
	ID         PackID        `json:"id"`
	Name       string        `json:"name"`
	Version    string        `json:"version"`
	RuntimeTag RuntimeTag    `json:"runtimeTag"`
	Namespace  PackNamespace `json:"namespace"`
	Visibility string        `json:"visibility,omitempty"`

	// BundleRef points at the bundle in the out-of-scope transport layer.
	BundleRef string `json:"bundleRef,omitempty"`

	Metadata            PackMetadata `json:"metadata"`
	GrantedCapabilities []string     `json:"grantedCapabilities,omitempty"`
}

// CompatibleWithRuntime reports whether the pack may run on a node of the
// given kind.
func (p *Pack) CompatibleWithRuntime(kind RuntimeKind) bool {
	switch p.RuntimeTag {
	case RuntimeTagUniversal:
		return true
	case RuntimeTagServer:
		return kind == RuntimeKindServer
	case RuntimeTagClient:
		return kind == RuntimeKindEmbeddedClient
	default:
		return false
	}
}

// SupportsRuntimeVersion compares the pack's minimum runtime version against
// the node's version. Missing fields on either side are treated as
// compatible.
func (p *Pack) SupportsRuntimeVersion(nodeVersion string) bool {
	if p.Metadata.MinRuntimeVersion == "" || nodeVersion == "" {
		return true
	}
	minimum, err := semver.ParseTolerant(p.Metadata.MinRuntimeVersion)
	if err != nil {
		return true
	}
	current, err := semver.ParseTolerant(nodeVersion)
	if err != nil {
		return true
	}
	return current.GTE(minimum)
}

// CompareVersions orders two semver strings; unparseable versions sort
// lexicographically as a fallback so ordering stays total.
func CompareVersions(a, b string) int {
	va, errA := semver.ParseTolerant(a)
	vb, errB := semver.ParseTolerant(b)
	if errA != nil || errB != nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return va.Compare(vb)
}
