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

// TerminationReason is the closed set of reasons a pod leaves the running
// state. The classification below drives crash-loop accounting: only
// application-level failures (and unknown reasons, conservatively) count
// toward backoff and rollback thresholds.
type TerminationReason string

const (
	// Infrastructure: the platform took the pod down.
	ReasonNodeLost         TerminationReason = "node_lost"
	ReasonNodeRestart      TerminationReason = "node_restart"
	ReasonNodeUnhealthy    TerminationReason = "node_unhealthy"
	ReasonNodeDraining     TerminationReason = "node_draining"
	ReasonNodeMaintenance  TerminationReason = "node_maintenance"
	ReasonEvictedResources TerminationReason = "evicted_resources"
	ReasonPreempted        TerminationReason = "preempted"

	// Operator: a human or a controller asked for it.
	ReasonUserStopped    TerminationReason = "user_stopped"
	ReasonRollingUpdate  TerminationReason = "rolling_update"
	ReasonScaledDown     TerminationReason = "scaled_down"
	ReasonServiceDeleted TerminationReason = "service_deleted"

	// Application: the workload itself failed.
	ReasonError            TerminationReason = "error"
	ReasonInitError        TerminationReason = "init_error"
	ReasonConfigError      TerminationReason = "config_error"
	ReasonPackLoadError    TerminationReason = "pack_load_error"
	ReasonOOMKilled        TerminationReason = "oom_killed"
	ReasonDeadlineExceeded TerminationReason = "deadline_exceeded"

	// Lifecycle.
	ReasonCompleted TerminationReason = "completed"
)

type ReasonClass string

const (
	ReasonClassInfrastructure ReasonClass = "infrastructure"
	ReasonClassOperator       ReasonClass = "operator"
	ReasonClassApplication    ReasonClass = "application"
	ReasonClassLifecycle      ReasonClass = "lifecycle"
	ReasonClassUnknown        ReasonClass = "unknown"
)

var reasonClasses = map[TerminationReason]ReasonClass{
	ReasonNodeLost:         ReasonClassInfrastructure,
	ReasonNodeRestart:      ReasonClassInfrastructure,
	ReasonNodeUnhealthy:    ReasonClassInfrastructure,
	ReasonNodeDraining:     ReasonClassInfrastructure,
	ReasonNodeMaintenance:  ReasonClassInfrastructure,
	ReasonEvictedResources: ReasonClassInfrastructure,
	ReasonPreempted:        ReasonClassInfrastructure,
	ReasonUserStopped:      ReasonClassOperator,
	ReasonRollingUpdate:    ReasonClassOperator,
	ReasonScaledDown:       ReasonClassOperator,
	ReasonServiceDeleted:   ReasonClassOperator,
	ReasonError:            ReasonClassApplication,
	ReasonInitError:        ReasonClassApplication,
	ReasonConfigError:      ReasonClassApplication,
	ReasonPackLoadError:    ReasonClassApplication,
	ReasonOOMKilled:        ReasonClassApplication,
	ReasonDeadlineExceeded: ReasonClassApplication,
	ReasonCompleted:        ReasonClassLifecycle,
}

func (r TerminationReason) Class() ReasonClass {
	if c, ok := reasonClasses[r]; ok {
		return c
	}
	return ReasonClassUnknown
}

// CountsTowardCrashLoop reports whether a termination with this reason
// increments failure counters. Unknown reasons are counted conservatively.
func (r TerminationReason) CountsTowardCrashLoop() bool {
	switch r.Class() {
	case ReasonClassApplication, ReasonClassUnknown:
		return true
	default:
		return false
	}
}
