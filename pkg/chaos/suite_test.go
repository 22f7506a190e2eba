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

package chaos_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/chaos"
	"github.com/packfleet/packfleet/pkg/wire"
)

func TestChaos(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Chaos Suite")
}

var engine *chaos.Engine

func newEngine(opts chaos.Options) *chaos.Engine {
	return chaos.NewEngine(logr.Discard(), clock.RealClock{}, opts)
}

var _ = BeforeEach(func() {
	engine = newEngine(chaos.Options{Seed: 1})
})

var _ = Describe("Enablement", func() {
	It("should refuse to arm in production mode", func() {
		locked := newEngine(chaos.Options{ProductionMode: true, Seed: 1})
		Expect(locked.Enable()).To(MatchError(chaos.ErrProductionLockout))
		Expect(locked.Enabled()).To(BeFalse())
	})
	It("should pass every message through while disabled", func() {
		engine.AddMessageRule(chaos.MessageRule{DropRate: 1})
		decision := engine.InterceptOutgoing("conn-1", "node-a", wire.TypePodDeploy)
		Expect(decision.Action).To(Equal(chaos.ActionSend))
	})
})

var _ = Describe("Message rules", func() {
	BeforeEach(func() {
		Expect(engine.Enable()).To(Succeed())
	})

	It("should account every drop decision exactly", func() {
		engine.AddMessageRule(chaos.MessageRule{Direction: chaos.DirectionOutgoing, DropRate: 1})
		dropped := 0
		for i := 0; i < 50; i++ {
			if engine.InterceptOutgoing("conn-1", "node-a", wire.TypePodDeploy).Action == chaos.ActionDrop {
				dropped++
			}
		}
		Expect(dropped).To(Equal(50))
		Expect(engine.Stats().MessagesDropped).To(Equal(uint64(50)))
	})
	It("should filter by direction, node and message type", func() {
		engine.AddMessageRule(chaos.MessageRule{
			Direction:    chaos.DirectionIncoming,
			NodeID:       "node-a",
			MessageTypes: []wire.MessageType{wire.TypePodStatus},
			DropRate:     1,
		})
		Expect(engine.InterceptIncoming("c", "node-a", wire.TypePodStatus).Action).To(Equal(chaos.ActionDrop))
		Expect(engine.InterceptIncoming("c", "node-b", wire.TypePodStatus).Action).To(Equal(chaos.ActionSend))
		Expect(engine.InterceptIncoming("c", "node-a", wire.TypeNodeHeartbeat).Action).To(Equal(chaos.ActionSend))
		Expect(engine.InterceptOutgoing("c", "node-a", wire.TypePodStatus).Action).To(Equal(chaos.ActionSend))
	})
	It("should apply the largest delay among matching rules", func() {
		engine.AddMessageRule(chaos.MessageRule{Direction: chaos.DirectionBoth, DelayMs: 100})
		engine.AddMessageRule(chaos.MessageRule{Direction: chaos.DirectionBoth, DelayMs: 400})
		decision := engine.InterceptOutgoing("c", "node-a", wire.TypePodDeploy)
		Expect(decision.Action).To(Equal(chaos.ActionDelay))
		Expect(decision.Delay).To(Equal(400 * time.Millisecond))
	})
	It("should skip expired rules", func() {
		past := time.Now().Add(-time.Minute)
		engine.AddMessageRule(chaos.MessageRule{DropRate: 1, ExpiresAt: &past})
		Expect(engine.InterceptOutgoing("c", "node-a", wire.TypePodDeploy).Action).To(Equal(chaos.ActionSend))
	})
	It("should restore baseline decisions after a rule is removed", func() {
		id := engine.AddMessageRule(chaos.MessageRule{DropRate: 1})
		Expect(engine.InterceptOutgoing("c", "node-a", wire.TypePodDeploy).Action).To(Equal(chaos.ActionDrop))
		Expect(engine.RemoveRule(id)).To(BeTrue())
		for i := 0; i < 20; i++ {
			Expect(engine.InterceptOutgoing("c", "node-a", wire.TypePodDeploy).Action).To(Equal(chaos.ActionSend))
		}
		Expect(engine.RemoveRule(id)).To(BeFalse())
	})
	It("should restrict heartbeat rules to heartbeat frames", func() {
		engine.AddHeartbeatRule(chaos.MessageRule{NodeID: "node-a", DropRate: 1})
		Expect(engine.InterceptIncoming("c", "node-a", wire.TypeNodeHeartbeat).Action).To(Equal(chaos.ActionDrop))
		Expect(engine.InterceptIncoming("c", "node-a", wire.TypePodStatus).Action).To(Equal(chaos.ActionSend))
	})
})

var _ = Describe("Determinism", func() {
	It("should replay identical decision traces for the same seed", func() {
		trace := func(seed int64) []chaos.Action {
			e := newEngine(chaos.Options{Seed: seed})
			Expect(e.Enable()).To(Succeed())
			e.AddMessageRule(chaos.MessageRule{DropRate: 0.5})
			actions := make([]chaos.Action, 0, 200)
			for i := 0; i < 200; i++ {
				actions = append(actions, e.InterceptOutgoing("c", "node-a", wire.TypePodDeploy).Action)
			}
			return actions
		}
		Expect(trace(42)).To(Equal(trace(42)))
		Expect(trace(42)).ToNot(Equal(trace(43)))
	})
})

var _ = Describe("Bans", func() {
	It("should hold a ban until it expires or is lifted", func() {
		engine.BanNode("node-a", 0)
		Expect(engine.IsBanned("node-a")).To(BeTrue())
		Expect(engine.IsBanned("node-b")).To(BeFalse())
		engine.UnbanNode("node-a")
		Expect(engine.IsBanned("node-a")).To(BeFalse())

		engine.BanNode("node-a", 10*time.Millisecond)
		Expect(engine.IsBanned("node-a")).To(BeTrue())
		Eventually(func() bool { return engine.IsBanned("node-a") }).Should(BeFalse())
	})
})

var _ = Describe("Partitions", func() {
	BeforeEach(func() {
		Expect(engine.Enable()).To(Succeed())
	})

	It("should drop traffic for severed endpoints until healed", func() {
		id := engine.CreatePartition([]core.NodeID{"node-a"}, nil, 0)
		Expect(engine.Partitioned("", "node-a")).To(BeTrue())
		Expect(engine.Partitioned("", "node-b")).To(BeFalse())
		Expect(engine.InterceptOutgoing("", "node-a", wire.TypePodDeploy).Action).To(Equal(chaos.ActionDrop))
		Expect(engine.RemovePartition(id)).To(BeTrue())
		Expect(engine.Partitioned("", "node-a")).To(BeFalse())
		Expect(engine.RemovePartition(id)).To(BeFalse())
	})
	It("should sever by connection id as well", func() {
		engine.CreatePartition(nil, []core.ConnectionID{"conn-1"}, 0)
		Expect(engine.Partitioned("conn-1", "")).To(BeTrue())
		Expect(engine.Partitioned("conn-2", "")).To(BeFalse())
	})
})

var _ = Describe("API fault injection", func() {
	It("should fail wrapped calls at the configured rate", func() {
		Expect(engine.Enable()).To(Succeed())
		engine.SetAPIRules(chaos.APIRules{ErrorRate: 1})
		err := engine.MaybeFailAPICall(context.Background(), func(context.Context) error { return nil })
		Expect(err).To(MatchError(chaos.ErrInjectedFailure))
		Expect(engine.Stats().APICallsFailed).To(Equal(uint64(1)))
	})
	It("should pass calls through when no rates are set", func() {
		Expect(engine.Enable()).To(Succeed())
		called := false
		Expect(engine.MaybeFailAPICall(context.Background(), func(context.Context) error {
			called = true
			return nil
		})).To(Succeed())
		Expect(called).To(BeTrue())
	})
})
