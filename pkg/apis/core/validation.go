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
	"fmt"

	"github.com/blang/semver"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

var (
	validRuntimeKinds = []RuntimeKind{RuntimeKindServer, RuntimeKindEmbeddedClient}
	validRuntimeTags  = []RuntimeTag{RuntimeTagServer, RuntimeTagClient, RuntimeTagUniversal}
	validEffects      = []TaintEffect{TaintEffectNoSchedule, TaintEffectPreferNoSchedule, TaintEffectNoExecute}
)

// Validate rejects malformed node registrations at the boundary.
func (n *Node) Validate() (errs error) {
	if n.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("name is required"))
	}
	if !lo.Contains(validRuntimeKinds, n.RuntimeKind) {
		errs = multierr.Append(errs, fmt.Errorf("runtimeKind %q is not one of %v", n.RuntimeKind, validRuntimeKinds))
	}
	if n.Allocatable.HasNegative() {
		errs = multierr.Append(errs, fmt.Errorf("allocatable must be non-negative, got %s", n.Allocatable))
	}
	for _, taint := range n.Taints {
		if taint.Key == "" {
			errs = multierr.Append(errs, fmt.Errorf("taint key is required"))
		}
		if !lo.Contains(validEffects, taint.Effect) {
			errs = multierr.Append(errs, fmt.Errorf("taint effect %q is not one of %v", taint.Effect, validEffects))
		}
	}
	return errs
}

func (s *Service) Validate() (errs error) {
	if s.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("name is required"))
	}
	if s.Namespace == "" {
		errs = multierr.Append(errs, fmt.Errorf("namespace is required"))
	}
	if s.PackID == "" {
		errs = multierr.Append(errs, fmt.Errorf("packId is required"))
	}
	if s.PackVersion != "" {
		if _, err := semver.ParseTolerant(s.PackVersion); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("packVersion %q is not a semver version, %w", s.PackVersion, err))
		}
	}
	if s.Template.ResourceRequests.HasNegative() {
		errs = multierr.Append(errs, fmt.Errorf("resource requests must be non-negative"))
	}
	return errs
}

// Validate rejects malformed packs at registration; packs are immutable
// afterward.
func (p *Pack) Validate() (errs error) {
	if p.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("name is required"))
	}
	if _, err := semver.ParseTolerant(p.Version); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("version %q is not a semver version, %w", p.Version, err))
	}
	if !lo.Contains(validRuntimeTags, p.RuntimeTag) {
		errs = multierr.Append(errs, fmt.Errorf("runtimeTag %q is not one of %v", p.RuntimeTag, validRuntimeTags))
	}
	if p.Namespace != PackNamespaceSystem && p.Namespace != PackNamespaceUser {
		errs = multierr.Append(errs, fmt.Errorf("namespace %q is not one of [system user]", p.Namespace))
	}
	return errs
}
