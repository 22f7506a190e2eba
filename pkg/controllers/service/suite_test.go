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

package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/controllers/service"
	"github.com/packfleet/packfleet/pkg/events"
	"github.com/packfleet/packfleet/pkg/scheduler"
	"github.com/packfleet/packfleet/pkg/store"
	"github.com/packfleet/packfleet/pkg/store/memory"
	"github.com/packfleet/packfleet/pkg/wire"
)

func TestServiceReconciler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Service Reconciler Suite")
}

type dispatcher struct {
	mu     sync.Mutex
	frames []wire.Message
}

func (d *dispatcher) SendToNode(_ core.NodeID, msg wire.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, msg)
	return true
}

func (d *dispatcher) stops() []wire.PodStop {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.FilterMap(d.frames, func(msg wire.Message, _ int) (wire.PodStop, bool) {
		if msg.Type != wire.TypePodStop {
			return wire.PodStop{}, false
		}
		var stop wire.PodStop
		Expect(wire.Decode(msg, &stop)).To(Succeed())
		return stop, true
	})
}

var (
	ctx        context.Context
	clk        *clocktesting.FakeClock
	st         *memory.Store
	disp       *dispatcher
	sched      *scheduler.Scheduler
	bus        *events.Bus
	reconciler *service.Reconciler
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	clk = clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	st = memory.NewStore()
	disp = &dispatcher{}
	bus = events.NewBus()
	sched = scheduler.NewScheduler(logr.Discard(), clk, st, disp, scheduler.DefaultOptions())
	reconciler = service.NewReconciler(logr.Discard(), clk, st, disp, sched, bus, service.DefaultOptions())
})

func createNode(id core.NodeID, mutators ...func(*core.Node)) {
	node := &core.Node{
		ID:            id,
		Name:          string(id),
		RuntimeKind:   core.RuntimeKindServer,
		Status:        core.NodeOnline,
		LastHeartbeat: clk.Now(),
		Allocatable:   core.Resources{CPUMillis: 4000, MemoryMB: 8192, Pods: 32, StorageMB: 10240},
		Labels:        map[string]string{core.LabelNodeID: string(id)},
	}
	for _, mutate := range mutators {
		mutate(node)
	}
	Expect(st.CreateNode(ctx, node)).To(Succeed())
}

func createService(mutators ...func(*core.Service)) *core.Service {
	svc := &core.Service{
		ID:          "svc-web",
		Name:        "web",
		Namespace:   "default",
		PackID:      "web",
		PackVersion: "1.0.0",
		Replicas:    1,
		Status:      core.ServiceActive,
	}
	for _, mutate := range mutators {
		mutate(svc)
	}
	Expect(st.CreateService(ctx, svc)).To(Succeed())
	return svc
}

// createOwnedPod persists a pod as the reconciler would have stamped it.
func createOwnedPod(id core.PodID, mutators ...func(*core.Pod)) {
	pod := &core.Pod{
		ID:          id,
		PackID:      "web",
		PackVersion: "1.0.0",
		Status:      core.PodRunning,
		NodeID:      "node-a",
		Namespace:   "default",
		OwnerID:     "svc-web",
		Labels:      map[string]string{core.LabelService: "svc-web"},
		Incarnation: 1,
		CreatedAt:   clk.Now(),
	}
	started := clk.Now()
	pod.StartedAt = &started
	for _, mutate := range mutators {
		mutate(pod)
	}
	Expect(st.CreatePod(ctx, pod)).To(Succeed())
}

func ownedPods(statuses ...core.PodStatus) []*core.Pod {
	pods, err := st.ListPods(ctx, store.PodFilter{OwnerID: "svc-web", Statuses: statuses})
	Expect(err).ToNot(HaveOccurred())
	return pods
}

func reloadService() *core.Service {
	svc, err := st.GetService(ctx, "svc-web")
	Expect(err).ToNot(HaveOccurred())
	return svc
}

func updateService(mutate func(*core.Service)) {
	svc := reloadService()
	mutate(svc)
	_, err := st.UpdateService(ctx, svc)
	Expect(err).ToNot(HaveOccurred())
}

var _ = Describe("Quantity reconciliation", func() {
	It("should create the missing pods from the template", func() {
		createNode("node-a")
		createService(func(s *core.Service) {
			s.Replicas = 3
			s.Template.ResourceRequests = core.Resources{CPUMillis: 100}
		})

		Expect(reconciler.Tick(ctx)).To(Succeed())

		pending := ownedPods(core.PodPending)
		Expect(pending).To(HaveLen(3))
		for _, pod := range pending {
			Expect(pod.PackVersion).To(Equal("1.0.0"))
			Expect(pod.ResourceRequests.CPUMillis).To(Equal(int64(100)))
			Expect(pod.Labels).To(HaveKeyWithValue(core.LabelService, "svc-web"))
		}
	})
	It("should retire surplus pods newest-first with scaled_down", func() {
		createNode("node-a")
		createService(func(s *core.Service) { s.Replicas = 3 })
		createOwnedPod("pod-1")
		clk.Step(time.Minute)
		createOwnedPod("pod-2")
		clk.Step(time.Minute)
		createOwnedPod("pod-3")

		updateService(func(s *core.Service) { s.Replicas = 1 })
		Expect(reconciler.Tick(ctx)).To(Succeed())

		stopping := ownedPods(core.PodStopping)
		Expect(lo.Map(stopping, func(p *core.Pod, _ int) core.PodID { return p.ID })).To(ConsistOf(core.PodID("pod-2"), core.PodID("pod-3")))
		for _, pod := range stopping {
			Expect(pod.TerminationReason).To(Equal(core.ReasonScaledDown))
		}
		Expect(ownedPods(core.PodRunning)).To(HaveLen(1))
		Expect(disp.stops()).To(HaveLen(2))
	})
	It("should finish a pending surplus pod directly without a stop frame", func() {
		createNode("node-a")
		createService(func(s *core.Service) { s.Replicas = 1 })
		createOwnedPod("pod-running")
		clk.Step(time.Minute)
		createOwnedPod("pod-pending", func(p *core.Pod) {
			p.Status = core.PodPending
			p.NodeID = ""
			p.StartedAt = nil
			p.Incarnation = 0
		})

		Expect(reconciler.Tick(ctx)).To(Succeed())

		pod, err := st.GetPod(ctx, "pod-pending")
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.Status).To(Equal(core.PodStopped))
		Expect(pod.TerminationReason).To(Equal(core.ReasonScaledDown))
		Expect(disp.stops()).To(BeEmpty())
	})
	It("should promote stopping pods to stopped after the grace period and free their capacity", func() {
		createNode("node-a", func(n *core.Node) { n.Allocated = core.Resources{Pods: 1} })
		createService()
		createOwnedPod("pod-1", func(p *core.Pod) {
			p.Status = core.PodStopping
			p.TerminationReason = core.ReasonScaledDown
			p.Annotations = map[string]string{"packfleet.io/stop-requested-at": clk.Now().Format(time.RFC3339)}
		})

		clk.Step(31 * time.Second)
		Expect(reconciler.Tick(ctx)).To(Succeed())

		pod, err := st.GetPod(ctx, "pod-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.Status).To(Equal(core.PodStopped))

		node, err := st.GetNode(ctx, "node-a")
		Expect(err).ToNot(HaveOccurred())
		Expect(node.Allocated.Pods).To(BeZero())
	})
	It("should migrate pods off draining nodes", func() {
		createNode("node-a", func(n *core.Node) { n.Status = core.NodeDraining })
		createNode("node-b")
		createService()
		createOwnedPod("pod-1")

		Expect(reconciler.Tick(ctx)).To(Succeed())

		pod, err := st.GetPod(ctx, "pod-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.Status).To(Equal(core.PodStopping))
		Expect(pod.TerminationReason).To(Equal(core.ReasonNodeDraining))
	})
})

var _ = Describe("Daemon services", func() {
	It("should pin one pod to every eligible node", func() {
		createNode("node-a")
		createNode("node-b")
		createService(func(s *core.Service) { s.Replicas = 0 })

		Expect(reconciler.Tick(ctx)).To(Succeed())

		pending := ownedPods(core.PodPending)
		Expect(pending).To(HaveLen(2))
		pinned := lo.Map(pending, func(p *core.Pod, _ int) string {
			return p.Scheduling.NodeSelector[core.LabelNodeID]
		})
		Expect(pinned).To(ConsistOf("node-a", "node-b"))
	})
	It("should extend coverage when a node joins and not double-cover", func() {
		createNode("node-a")
		createService(func(s *core.Service) { s.Replicas = 0 })
		Expect(reconciler.Tick(ctx)).To(Succeed())
		Expect(ownedPods(core.PodPending)).To(HaveLen(1))

		// A second tick with unchanged membership creates nothing.
		Expect(reconciler.Tick(ctx)).To(Succeed())
		Expect(ownedPods(core.PodPending)).To(HaveLen(1))

		createNode("node-b")
		Expect(reconciler.Tick(ctx)).To(Succeed())
		pending := ownedPods(core.PodPending)
		Expect(pending).To(HaveLen(2))
	})
})

var _ = Describe("Version rollout", func() {
	stabilise := func(podID core.PodID) {
		pod, err := st.GetPod(ctx, podID)
		Expect(err).ToNot(HaveOccurred())
		started := clk.Now().Add(-2 * time.Minute)
		pod.StartedAt = &started
		_, err = st.UpdatePod(ctx, pod)
		Expect(err).ToNot(HaveOccurred())
	}

	It("should surge one replacement before draining the outdated pod", func() {
		createNode("node-a")
		createNode("node-b")
		createService()
		createOwnedPod("pod-v1")
		stabilise("pod-v1")

		updateService(func(s *core.Service) { s.PackVersion = "2.0.0" })
		Expect(reconciler.Tick(ctx)).To(Succeed())

		// The outdated pod keeps running while the surge pod is created.
		Expect(ownedPods(core.PodRunning)).To(HaveLen(1))
		pending := ownedPods(core.PodPending)
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].PackVersion).To(Equal("2.0.0"))

		// Until the replacement proves itself, nothing is drained.
		Expect(reconciler.Tick(ctx)).To(Succeed())
		Expect(ownedPods(core.PodPending)).To(HaveLen(1))

		// Once the replacement is running and stable, the old pod drains.
		replacement := ownedPods(core.PodPending)[0]
		fresh, err := st.GetPod(ctx, replacement.ID)
		Expect(err).ToNot(HaveOccurred())
		fresh.Status = core.PodRunning
		fresh.NodeID = "node-b"
		started := clk.Now().Add(-2 * time.Minute)
		fresh.StartedAt = &started
		_, err = st.UpdatePod(ctx, fresh)
		Expect(err).ToNot(HaveOccurred())

		Expect(reconciler.Tick(ctx)).To(Succeed())
		old, err := st.GetPod(ctx, "pod-v1")
		Expect(err).ToNot(HaveOccurred())
		Expect(old.Status).To(Equal(core.PodStopping))
		Expect(old.TerminationReason).To(Equal(core.ReasonRollingUpdate))
	})
	It("should drain daemon pods in place, one at a time", func() {
		createNode("node-a")
		createNode("node-b")
		createService(func(s *core.Service) { s.Replicas = 0 })
		createOwnedPod("pod-a", func(p *core.Pod) { p.NodeID = "node-a" })
		createOwnedPod("pod-b", func(p *core.Pod) { p.NodeID = "node-b" })
		updateService(func(s *core.Service) { s.PackVersion = "2.0.0" })

		Expect(reconciler.Tick(ctx)).To(Succeed())
		Expect(ownedPods(core.PodStopping)).To(HaveLen(1))
	})
	It("should roll back after the failure threshold and arm the backoff", func() {
		createNode("node-a")
		createService(func(s *core.Service) {
			s.PackVersion = "1.1.0"
			s.LastSuccessfulVersion = "1.0.0"
			s.ConsecutiveFailures = 3
		})

		Expect(reconciler.Tick(ctx)).To(Succeed())

		svc := reloadService()
		Expect(svc.PackVersion).To(Equal("1.0.0"))
		Expect(svc.FailedVersion).To(Equal("1.1.0"))
		Expect(svc.FailureBackoffUntil).ToNot(BeNil())
		Expect(svc.StatusMessage).ToNot(BeEmpty())
	})
	It("should record a stable rollout and reset failure bookkeeping", func() {
		createNode("node-a")
		createService(func(s *core.Service) { s.ConsecutiveFailures = 2 })
		createOwnedPod("pod-1")
		stabilise("pod-1")

		Expect(reconciler.Tick(ctx)).To(Succeed())

		svc := reloadService()
		Expect(svc.LastSuccessfulVersion).To(Equal("1.0.0"))
		Expect(svc.ConsecutiveFailures).To(BeZero())
	})
	It("should adopt the newest version when following latest, skipping the failed one", func() {
		for _, version := range []string{"1.0.0", "1.1.0", "1.2.0"} {
			Expect(st.RegisterPack(ctx, &core.Pack{
				ID: "web", Name: "web", Version: version,
				RuntimeTag: core.RuntimeTagUniversal, Namespace: core.PackNamespaceUser,
			})).To(Succeed())
		}
		createNode("node-a")
		createService(func(s *core.Service) {
			s.FollowLatest = true
			s.FailedVersion = "1.2.0"
		})

		Expect(reconciler.Tick(ctx)).To(Succeed())
		Expect(reloadService().PackVersion).To(Equal("1.1.0"))
	})
	It("should count only application failures toward the crash loop", func() {
		createService()
		createOwnedPod("pod-app", func(p *core.Pod) {
			p.Status = core.PodFailed
			p.TerminationReason = core.ReasonError
		})
		createOwnedPod("pod-infra", func(p *core.Pod) {
			p.Status = core.PodFailed
			p.TerminationReason = core.ReasonNodeLost
		})

		pod, err := st.GetPod(ctx, "pod-app")
		Expect(err).ToNot(HaveOccurred())
		reconciler.RecordPodFailure(ctx, pod)
		pod, err = st.GetPod(ctx, "pod-infra")
		Expect(err).ToNot(HaveOccurred())
		reconciler.RecordPodFailure(ctx, pod)

		Expect(reloadService().ConsecutiveFailures).To(Equal(uint32(1)))
	})
})

var _ = Describe("Stale pods", func() {
	It("should dispatch exactly one stop per stale reported pod id", func() {
		createService()
		createOwnedPod("pod-owned")

		stale := reconciler.HandleStaleReport(ctx, "node-a", []core.PodID{"pod-owned", "pod-ghost"})
		Expect(stale).To(ConsistOf(core.PodID("pod-ghost")))

		stops := disp.stops()
		Expect(stops).To(HaveLen(1))
		Expect(stops[0].PodID).To(Equal(core.PodID("pod-ghost")))
	})
	It("should treat a pod reported by the wrong node as stale", func() {
		createService()
		createOwnedPod("pod-owned")

		stale := reconciler.HandleStaleReport(ctx, "node-b", []core.PodID{"pod-owned"})
		Expect(stale).To(ConsistOf(core.PodID("pod-owned")))
	})
})

var _ = Describe("Teardown", func() {
	It("should drain all pods and then delete the service", func() {
		createNode("node-a")
		createService(func(s *core.Service) { s.Status = core.ServiceDeleting })
		createOwnedPod("pod-1")

		Expect(reconciler.Tick(ctx)).To(Succeed())
		pod, err := st.GetPod(ctx, "pod-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(pod.Status).To(Equal(core.PodStopping))
		Expect(pod.TerminationReason).To(Equal(core.ReasonServiceDeleted))

		// Once the grace period passes, the pod finishes and the service
		// goes away.
		clk.Step(31 * time.Second)
		Expect(reconciler.Tick(ctx)).To(Succeed())
		Expect(reconciler.Tick(ctx)).To(Succeed())
		_, err = st.GetService(ctx, "svc-web")
		Expect(store.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("Status", func() {
	It("should refresh the replica counters and the observed generation", func() {
		createNode("node-a")
		createService(func(s *core.Service) { s.Replicas = 2 })
		createOwnedPod("pod-1")
		pod, err := st.GetPod(ctx, "pod-1")
		Expect(err).ToNot(HaveOccurred())
		started := clk.Now().Add(-2 * time.Minute)
		pod.StartedAt = &started
		_, err = st.UpdatePod(ctx, pod)
		Expect(err).ToNot(HaveOccurred())

		Expect(reconciler.Tick(ctx)).To(Succeed())

		svc := reloadService()
		Expect(svc.ReadyReplicas).To(Equal(int32(1)))
		Expect(svc.AvailableReplicas).To(Equal(int32(1)))
		// The pod created this pass for the missing second replica runs the
		// current version, so it counts as updated alongside pod-1.
		Expect(svc.UpdatedReplicas).To(Equal(int32(2)))
		Expect(svc.ObservedGeneration).To(Equal(svc.Generation))
	})
})
