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

package memory_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/store"
	"github.com/packfleet/packfleet/pkg/store/memory"
)

func TestMemory(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memory Store Suite")
}

var (
	ctx context.Context
	st  *memory.Store
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	st = memory.NewStore()
})

var _ = Describe("Conditional updates", func() {
	It("should refuse a node update carrying a stale resource version", func() {
		node := &core.Node{ID: "node-a", Name: "node-a", Status: core.NodeOnline}
		Expect(st.CreateNode(ctx, node)).To(Succeed())

		first, err := st.GetNode(ctx, "node-a")
		Expect(err).ToNot(HaveOccurred())
		second, err := st.GetNode(ctx, "node-a")
		Expect(err).ToNot(HaveOccurred())

		first.Status = core.NodeSuspect
		_, err = st.UpdateNode(ctx, first)
		Expect(err).ToNot(HaveOccurred())

		second.Status = core.NodeOffline
		_, err = st.UpdateNode(ctx, second)
		Expect(store.IsConflict(err)).To(BeTrue())
	})
	It("should refuse a pod update that regresses the incarnation", func() {
		pod := &core.Pod{ID: "pod-1", Status: core.PodPending, Namespace: "default"}
		Expect(st.CreatePod(ctx, pod)).To(Succeed())
		claimed, err := st.SchedulePod(ctx, "pod-1", "node-a", time.Now())
		Expect(err).ToNot(HaveOccurred())

		claimed.Incarnation = 0
		_, err = st.UpdatePod(ctx, claimed)
		Expect(store.IsConflict(err)).To(BeTrue())
	})
})

var _ = Describe("SchedulePod", func() {
	It("should claim a pending pod exactly once", func() {
		pod := &core.Pod{ID: "pod-1", Status: core.PodPending, Namespace: "default", PendingReason: "no_eligible_nodes"}
		Expect(st.CreatePod(ctx, pod)).To(Succeed())

		at := time.Now()
		claimed, err := st.SchedulePod(ctx, "pod-1", "node-a", at)
		Expect(err).ToNot(HaveOccurred())
		Expect(claimed.Status).To(Equal(core.PodScheduled))
		Expect(claimed.NodeID).To(Equal(core.NodeID("node-a")))
		Expect(claimed.Incarnation).To(Equal(uint64(1)))
		Expect(claimed.PendingReason).To(BeEmpty())
		Expect(claimed.ScheduledAt).ToNot(BeNil())

		_, err = st.SchedulePod(ctx, "pod-1", "node-b", at)
		Expect(store.IsConflict(err)).To(BeTrue())
	})
})

var _ = Describe("MarkPodsFailedByNode", func() {
	It("should fail only the placed pods of the lost node, in one batch", func() {
		for _, pod := range []*core.Pod{
			{ID: "a-running", NodeID: "node-a", Status: core.PodRunning, Namespace: "default"},
			{ID: "a-starting", NodeID: "node-a", Status: core.PodStarting, Namespace: "default"},
			{ID: "a-stopped", NodeID: "node-a", Status: core.PodStopped, TerminationReason: core.ReasonCompleted, Namespace: "default"},
			{ID: "b-running", NodeID: "node-b", Status: core.PodRunning, Namespace: "default"},
			{ID: "pending", Status: core.PodPending, Namespace: "default"},
		} {
			Expect(st.CreatePod(ctx, pod)).To(Succeed())
		}

		at := time.Now()
		failed, err := st.MarkPodsFailedByNode(ctx, "node-a", core.ReasonNodeLost, at)
		Expect(err).ToNot(HaveOccurred())
		Expect(failed).To(HaveLen(2))
		for _, pod := range failed {
			Expect(pod.Status).To(Equal(core.PodFailed))
			Expect(pod.TerminationReason).To(Equal(core.ReasonNodeLost))
			Expect(pod.StoppedAt).ToNot(BeNil())
		}

		untouched, err := st.GetPod(ctx, "b-running")
		Expect(err).ToNot(HaveOccurred())
		Expect(untouched.Status).To(Equal(core.PodRunning))
	})
})

var _ = Describe("Services", func() {
	It("should enforce name uniqueness per namespace", func() {
		Expect(st.CreateService(ctx, &core.Service{ID: "svc-1", Name: "web", Namespace: "default", PackID: "web"})).To(Succeed())
		err := st.CreateService(ctx, &core.Service{ID: "svc-2", Name: "web", Namespace: "default", PackID: "web"})
		Expect(err).To(MatchError(store.ErrAlreadyExists))
		Expect(st.CreateService(ctx, &core.Service{ID: "svc-3", Name: "web", Namespace: "other", PackID: "web"})).To(Succeed())
	})
	It("should bump the generation on spec changes only", func() {
		Expect(st.CreateService(ctx, &core.Service{ID: "svc-1", Name: "web", Namespace: "default", PackID: "web", Replicas: 1})).To(Succeed())

		svc, err := st.GetService(ctx, "svc-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(svc.Generation).To(Equal(uint64(1)))

		svc.ReadyReplicas = 1
		svc, err = st.UpdateService(ctx, svc)
		Expect(err).ToNot(HaveOccurred())
		Expect(svc.Generation).To(Equal(uint64(1)))

		svc.Replicas = 3
		svc, err = st.UpdateService(ctx, svc)
		Expect(err).ToNot(HaveOccurred())
		Expect(svc.Generation).To(Equal(uint64(2)))

		svc.Template.Labels = map[string]string{"tier": "frontend"}
		svc, err = st.UpdateService(ctx, svc)
		Expect(err).ToNot(HaveOccurred())
		Expect(svc.Generation).To(Equal(uint64(3)))
	})
})

var _ = Describe("Packs", func() {
	It("should order versions by semver and refuse re-registration", func() {
		for _, version := range []string{"1.10.0", "1.2.0", "1.9.0"} {
			Expect(st.RegisterPack(ctx, &core.Pack{ID: "web", Name: "web", Version: version})).To(Succeed())
		}
		Expect(st.RegisterPack(ctx, &core.Pack{ID: "web", Name: "web", Version: "1.2.0"})).To(MatchError(store.ErrAlreadyExists))

		versions, err := st.ListPackVersions(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(versions).To(Equal([]string{"1.2.0", "1.9.0", "1.10.0"}))

		latest, err := st.LatestVersion(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(latest).To(Equal("1.10.0"))
	})
})
