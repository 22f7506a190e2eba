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

/*
Package core defines the entity model shared by the control plane: nodes,
pods, services, packs, and the scheduling vocabulary (taints, tolerations,
node affinity) that relates them.

Entities are plain structs persisted through the store; nodes, pods and
services carry a ResourceVersion used for conditional updates, while packs
carry none. Field ownership is split by
component: the health service owns node liveness status, the scheduler owns
pod placement fields, and the service reconciler owns service observed
state. Helpers on these types are pure so they can be exercised without a
running control plane.
*/
package core
