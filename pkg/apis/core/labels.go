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

// Well-known labels stamped by the control plane.
const (
	// LabelNodeID and LabelHostname identify a node; injected at
	// registration so daemon pods can pin to a specific node through a
	// plain node selector.
	LabelNodeID   = "packfleet.io/node-id"
	LabelHostname = "packfleet.io/hostname"

	// LabelService marks pods owned by a service.
	LabelService = "packfleet.io/service"
)
