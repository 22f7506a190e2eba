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

// Package events is the in-process event fabric between components: the
// health service announces liveness transitions, the heartbeat path
// announces stale pods, and reconcilers subscribe. Delivery is synchronous
// on the publisher's goroutine; handlers hand long work to their own queues.
package events

import (
	"sync"

	"github.com/packfleet/packfleet/pkg/apis/core"
)

type Kind string

const (
	KindNodeRegistered Kind = "NodeRegistered"
	KindNodeOnline     Kind = "NodeOnline"
	KindNodeSuspect    Kind = "NodeSuspect"
	KindNodeOffline    Kind = "NodeOffline"

	// KindStalePodsReported fires when a heartbeat lists pod ids the control
	// plane no longer owns.
	KindStalePodsReported Kind = "StalePodsReported"

	KindPodsFailed        Kind = "PodsFailed"
	KindServiceDegraded   Kind = "ServiceDegraded"
	KindRollbackTriggered Kind = "RollbackTriggered"
)

// Event is a structured fact about the cluster; only fields relevant to the
// kind are set.
type Event struct {
	Kind      Kind
	NodeID    core.NodeID
	PodIDs    []core.PodID
	ServiceID core.ServiceID
	Message   string
}

type Handler func(Event)

// Bus fans events out to subscribers. Subscription order is delivery order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}
