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

// Package metrics holds the prometheus collectors shared across the control
// plane. Everything registers against one registry owned here so the
// operator can serve it without plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the control plane's metrics registry.
var Registry = prometheus.NewRegistry()

const namespace = "packfleet"

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "connections_active",
		Help:      "Number of live node channels.",
	})
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "messages_sent_total",
		Help:      "Frames transmitted, by message type.",
	}, []string{"type"})
	MessagesDroppedOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "messages_dropped_overflow_total",
		Help:      "Frames shed because an outbound queue was full.",
	})
	MessagesDroppedPaused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "messages_dropped_paused_total",
		Help:      "Frames shed from paused-connection queues.",
	})
	MessagesDroppedChaos = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chaos",
		Name:      "messages_dropped_total",
		Help:      "Frames dropped by chaos rule evaluation.",
	})
	NodesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "nodes",
		Help:      "Nodes per liveness status.",
	}, []string{"status"})
	PodsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "pods_scheduled_total",
		Help:      "Successful pod placements.",
	})
	SchedulingConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "claim_conflicts_total",
		Help:      "Pod claims lost to concurrent modification.",
	})
	TickSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loops",
		Name:      "tick_skips_total",
		Help:      "Periodic ticks skipped because the previous tick was still running.",
	}, []string{"loop"})
	ReconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "errors_total",
		Help:      "Reconcile passes that returned an error.",
	})
	Rollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "rollbacks_total",
		Help:      "Automatic version rollbacks.",
	})
)

func init() {
	Registry.MustRegister(
		ConnectionsActive,
		MessagesSent,
		MessagesDroppedOverflow,
		MessagesDroppedPaused,
		MessagesDroppedChaos,
		NodesByStatus,
		PodsScheduled,
		SchedulingConflicts,
		TickSkips,
		ReconcileErrors,
		Rollbacks,
	)
}
