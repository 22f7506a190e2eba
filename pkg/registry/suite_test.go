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

package registry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/chaos"
	"github.com/packfleet/packfleet/pkg/registry"
	"github.com/packfleet/packfleet/pkg/wire"
)

func TestRegistry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Registry Suite")
}

var (
	ctx    context.Context
	cancel context.CancelFunc
	engine *chaos.Engine
	reg    *registry.Registry
)

func newRegistry(opts registry.Options) *registry.Registry {
	return registry.NewRegistry(logr.Discard(), clock.RealClock{}, engine, opts)
}

// admit opens a pipe pair and registers the server end; the returned
// channel is the node's end.
func admit(addr string) (core.ConnectionID, registry.Channel) {
	serverEnd, nodeEnd := registry.NewPipe(addr)
	connID, err := reg.Admit(ctx, serverEnd)
	Expect(err).ToNot(HaveOccurred())
	return connID, nodeEnd
}

// pipeEnd opens a pipe pair and returns only the server end, for tests
// that never speak as the node.
func pipeEnd(addr string) registry.Channel {
	serverEnd, _ := registry.NewPipe(addr)
	return serverEnd
}

func receive(ch registry.Channel) wire.Message {
	recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
	defer recvCancel()
	msg, err := ch.Receive(recvCtx)
	Expect(err).ToNot(HaveOccurred())
	return msg
}

var _ = BeforeEach(func() {
	ctx, cancel = context.WithCancel(context.Background())
	engine = chaos.NewEngine(logr.Discard(), clock.RealClock{}, chaos.Options{Seed: 1})
	reg = newRegistry(registry.DefaultOptions())
})

var _ = AfterEach(func() {
	cancel()
})

var _ = Describe("Admission", func() {
	It("should return the tables to their initial state after admit and terminate", func() {
		connID, _ := admit("10.0.0.1:4000")
		Expect(reg.Empty()).To(BeFalse())
		Expect(reg.TerminateConnection(connID)).To(BeTrue())
		Expect(reg.Empty()).To(BeTrue())
		Expect(reg.TerminateConnection(connID)).To(BeFalse())
	})
	It("should refuse admissions past the global cap", func() {
		reg = newRegistry(registry.Options{MaxConnections: 1, MaxPerIP: 8, MaxQueue: 16, MaxPausedQueue: 8})
		admit("10.0.0.1:4000")
		serverEnd, _ := registry.NewPipe("10.0.0.2:4000")
		_, err := reg.Admit(ctx, serverEnd)
		Expect(err).To(MatchError(registry.ErrChannelLimit))
	})
	It("should refuse admissions past the per-ip cap", func() {
		reg = newRegistry(registry.Options{MaxConnections: 8, MaxPerIP: 1, MaxQueue: 16, MaxPausedQueue: 8})
		admit("10.0.0.1:4000")
		serverEnd, _ := registry.NewPipe("10.0.0.1:4001")
		_, err := reg.Admit(ctx, serverEnd)
		Expect(err).To(MatchError(registry.ErrChannelLimit))

		_, err = reg.Admit(ctx, pipeEnd("10.0.0.2:4000"))
		Expect(err).ToNot(HaveOccurred())
	})
	It("should refuse admissions after shutdown", func() {
		reg.Shutdown("test")
		serverEnd, _ := registry.NewPipe("10.0.0.1:4000")
		_, err := reg.Admit(ctx, serverEnd)
		Expect(err).To(MatchError(registry.ErrShuttingDown))
	})
})

var _ = Describe("Node bindings", func() {
	It("should hold a node id on at most one connection, superseding the first", func() {
		conn1, nodeEnd1 := admit("10.0.0.1:4000")
		conn2, _ := admit("10.0.0.1:4001")

		Expect(reg.BindNode(conn1, "node-a")).To(Succeed())
		Expect(reg.BindNode(conn1, "node-a")).To(Succeed()) // idempotent

		Expect(reg.BindNode(conn2, "node-a")).To(Succeed())
		bound, ok := reg.NodeConnection("node-a")
		Expect(ok).To(BeTrue())
		Expect(bound).To(Equal(conn2))

		// The superseded channel is gone: sends to it fail and its far end
		// observes the close.
		Eventually(func() bool {
			return reg.SendToConnection(conn1, wire.MustNew(wire.TypeNodeShutdown, wire.NodeShutdown{}))
		}).Should(BeFalse())
		Eventually(func() error {
			_, err := nodeEnd1.Receive(ctx)
			return err
		}).Should(MatchError(registry.ErrChannelClosed))
	})
	It("should refuse binding a banned node and close its channel", func() {
		connID, _ := admit("10.0.0.1:4000")
		engine.BanNode("node-a", 0)
		Expect(reg.BindNode(connID, "node-a")).To(MatchError(registry.ErrBanned))
		Expect(reg.Empty()).To(BeTrue())
	})
	It("should remove all bindings when the connection closes", func() {
		connID, _ := admit("10.0.0.1:4000")
		Expect(reg.BindNode(connID, "node-a")).To(Succeed())
		Expect(reg.BindNode(connID, "node-b")).To(Succeed())
		reg.TerminateConnection(connID)
		_, ok := reg.NodeConnection("node-a")
		Expect(ok).To(BeFalse())
		_, ok = reg.NodeConnection("node-b")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Sending", func() {
	It("should deliver frames in order", func() {
		connID, nodeEnd := admit("10.0.0.1:4000")
		Expect(reg.BindNode(connID, "node-a")).To(Succeed())
		for i := 0; i < 5; i++ {
			msg := wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: core.PodID(fmt.Sprintf("pod-%d", i))})
			Expect(reg.SendToNode("node-a", msg)).To(BeTrue())
		}
		for i := 0; i < 5; i++ {
			var stop wire.PodStop
			Expect(wire.Decode(receive(nodeEnd), &stop)).To(Succeed())
			Expect(stop.PodID).To(Equal(core.PodID(fmt.Sprintf("pod-%d", i))))
		}
	})
	It("should fail sends to unbound nodes without blocking", func() {
		Expect(reg.SendToNode("node-a", wire.MustNew(wire.TypePodStop, wire.PodStop{}))).To(BeFalse())
	})
	It("should fail sends to a banned node", func() {
		connID, _ := admit("10.0.0.1:4000")
		Expect(reg.BindNode(connID, "node-a")).To(Succeed())
		engine.BanNode("node-a", 0)
		Expect(reg.SendToNode("node-a", wire.MustNew(wire.TypePodStop, wire.PodStop{}))).To(BeFalse())
	})
	It("should drop sends across an active partition", func() {
		Expect(engine.Enable()).To(Succeed())
		connID, _ := admit("10.0.0.1:4000")
		Expect(reg.BindNode(connID, "node-a")).To(Succeed())

		id := reg.CreatePartition([]core.NodeID{"node-a"}, nil, 0)
		Expect(reg.SendToNode("node-a", wire.MustNew(wire.TypePodStop, wire.PodStop{}))).To(BeFalse())
		Expect(reg.RemovePartition(id)).To(BeTrue())
		Expect(reg.SendToNode("node-a", wire.MustNew(wire.TypePodStop, wire.PodStop{}))).To(BeTrue())
	})
})

var _ = Describe("Pause and resume", func() {
	It("should hold frames while paused and flush them on resume", func() {
		connID, nodeEnd := admit("10.0.0.1:4000")
		Expect(reg.Pause(connID, 0)).To(BeTrue())

		Expect(reg.SendToConnection(connID, wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: "pod-1"}))).To(BeTrue())
		Expect(reg.SendToConnection(connID, wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: "pod-2"}))).To(BeTrue())

		Expect(reg.Resume(connID)).To(BeTrue())
		var stop wire.PodStop
		Expect(wire.Decode(receive(nodeEnd), &stop)).To(Succeed())
		Expect(stop.PodID).To(Equal(core.PodID("pod-1")))
		Expect(wire.Decode(receive(nodeEnd), &stop)).To(Succeed())
		Expect(stop.PodID).To(Equal(core.PodID("pod-2")))
	})
	It("should shed the oldest non-critical frame on pause buffer overflow", func() {
		reg = newRegistry(registry.Options{MaxConnections: 8, MaxPerIP: 8, MaxQueue: 16, MaxPausedQueue: 2})
		connID, nodeEnd := admit("10.0.0.1:4000")
		Expect(reg.Pause(connID, 0)).To(BeTrue())

		heartbeat := wire.MustNew(wire.TypeNodeHeartbeat, wire.NodeHeartbeat{NodeID: "node-a"})
		Expect(reg.SendToConnection(connID, heartbeat)).To(BeTrue())
		Expect(reg.SendToConnection(connID, wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: "pod-1"}))).To(BeTrue())
		// Overflow: the heartbeat is shed, the critical stop survives.
		Expect(reg.SendToConnection(connID, wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: "pod-2"}))).To(BeTrue())

		Expect(reg.Resume(connID)).To(BeTrue())
		var stop wire.PodStop
		Expect(wire.Decode(receive(nodeEnd), &stop)).To(Succeed())
		Expect(stop.PodID).To(Equal(core.PodID("pod-1")))
		Expect(wire.Decode(receive(nodeEnd), &stop)).To(Succeed())
		Expect(stop.PodID).To(Equal(core.PodID("pod-2")))
	})
	It("should refuse a frame when every buffered frame is critical", func() {
		reg = newRegistry(registry.Options{MaxConnections: 8, MaxPerIP: 8, MaxQueue: 16, MaxPausedQueue: 2})
		connID, _ := admit("10.0.0.1:4000")
		Expect(reg.Pause(connID, 0)).To(BeTrue())
		Expect(reg.SendToConnection(connID, wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: "pod-1"}))).To(BeTrue())
		Expect(reg.SendToConnection(connID, wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: "pod-2"}))).To(BeTrue())
		Expect(reg.SendToConnection(connID, wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: "pod-3"}))).To(BeFalse())
	})
	It("should resume automatically after the pause duration", func() {
		connID, nodeEnd := admit("10.0.0.1:4000")
		Expect(reg.Pause(connID, 20*time.Millisecond)).To(BeTrue())
		Expect(reg.SendToConnection(connID, wire.MustNew(wire.TypePodStop, wire.PodStop{PodID: "pod-1"}))).To(BeTrue())
		var stop wire.PodStop
		Expect(wire.Decode(receive(nodeEnd), &stop)).To(Succeed())
		Expect(stop.PodID).To(Equal(core.PodID("pod-1")))
	})
})

var _ = Describe("Inbound dispatch", func() {
	It("should hand received frames to the handler with the connection id", func() {
		received := make(chan wire.Message, 1)
		reg.SetHandler(func(_ context.Context, connID core.ConnectionID, msg wire.Message) {
			received <- msg
		})
		_, nodeEnd := admit("10.0.0.1:4000")
		Expect(nodeEnd.Send(wire.MustNew(wire.TypeNodeHeartbeat, wire.NodeHeartbeat{NodeID: "node-a"}))).To(Succeed())

		var msg wire.Message
		Eventually(received).Should(Receive(&msg))
		Expect(msg.Type).To(Equal(wire.TypeNodeHeartbeat))
	})
	It("should drop inbound frames matching a chaos drop rule", func() {
		Expect(engine.Enable()).To(Succeed())
		engine.AddMessageRule(chaos.MessageRule{Direction: chaos.DirectionIncoming, DropRate: 1})

		received := make(chan wire.Message, 1)
		reg.SetHandler(func(_ context.Context, _ core.ConnectionID, msg wire.Message) {
			received <- msg
		})
		_, nodeEnd := admit("10.0.0.1:4000")
		Expect(nodeEnd.Send(wire.MustNew(wire.TypeNodeHeartbeat, wire.NodeHeartbeat{NodeID: "node-a"}))).To(Succeed())
		Consistently(received).ShouldNot(Receive())
	})
})

var _ = Describe("Shutdown", func() {
	It("should deliver a shutdown frame before closing every channel", func() {
		_, nodeEnd := admit("10.0.0.1:4000")
		reg.Shutdown("maintenance")

		msg := receive(nodeEnd)
		Expect(msg.Type).To(Equal(wire.TypeNodeShutdown))
		var payload wire.NodeShutdown
		Expect(wire.Decode(msg, &payload)).To(Succeed())
		Expect(payload.Reason).To(Equal("maintenance"))
		Expect(reg.Empty()).To(BeTrue())
	})
})
