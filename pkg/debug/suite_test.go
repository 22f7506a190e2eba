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

package debug_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/chaos"
	"github.com/packfleet/packfleet/pkg/debug"
	"github.com/packfleet/packfleet/pkg/registry"
)

func TestDebug(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Debug Suite")
}

var (
	engine *chaos.Engine
	server *httptest.Server
)

func newServer(production bool) *httptest.Server {
	engine = chaos.NewEngine(logr.Discard(), clock.RealClock{}, chaos.Options{ProductionMode: production, Seed: 1})
	reg := registry.NewRegistry(logr.Discard(), clock.RealClock{}, engine, registry.DefaultOptions())
	srv := debug.NewServer(logr.Discard(), engine, reg, nil, production)
	return httptest.NewServer(srv.Router())
}

func post(path, body string) (int, map[string]interface{}) {
	resp, err := http.Post(server.URL+path, "application/json", strings.NewReader(body))
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	var payload map[string]interface{}
	Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
	return resp.StatusCode, payload
}

var _ = AfterEach(func() {
	if server != nil {
		server.Close()
		server = nil
	}
})

var _ = Describe("Production lockout", func() {
	It("should refuse every chaos route with 403", func() {
		server = newServer(true)
		for _, route := range []string{"/chaos/enable", "/chaos/rules/message", "/chaos/partitions", "/chaos/ban"} {
			status, payload := post(route, "{}")
			Expect(status).To(Equal(http.StatusForbidden), route)
			Expect(payload["success"]).To(BeFalse(), route)
		}
		Expect(engine.Enabled()).To(BeFalse())
	})
})

var _ = Describe("Chaos routes", func() {
	BeforeEach(func() {
		server = newServer(false)
	})

	It("should enable the engine and report stats", func() {
		status, payload := post("/chaos/enable", "{}")
		Expect(status).To(Equal(http.StatusOK))
		Expect(payload["success"]).To(BeTrue())
		Expect(engine.Enabled()).To(BeTrue())

		resp, err := http.Get(server.URL + "/chaos/stats")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
	It("should install and remove message rules", func() {
		status, payload := post("/chaos/rules/message", `{"direction":"incoming","nodeId":"node-a","dropRate":1}`)
		Expect(status).To(Equal(http.StatusOK))
		id := payload["result"].(map[string]interface{})["id"].(string)
		Expect(engine.MessageRules()).To(HaveLen(1))

		req, err := http.NewRequest(http.MethodDelete, server.URL+"/chaos/rules/"+id, nil)
		Expect(err).ToNot(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(engine.MessageRules()).To(BeEmpty())
	})
	It("should reject an out-of-range drop rate", func() {
		status, payload := post("/chaos/rules/message", `{"dropRate":1.5}`)
		Expect(status).To(Equal(http.StatusBadRequest))
		Expect(payload["success"]).To(BeFalse())
	})
	It("should refuse a partition with no endpoints", func() {
		status, _ := post("/chaos/partitions", `{}`)
		Expect(status).To(Equal(http.StatusBadRequest))
	})
	It("should ban and unban nodes", func() {
		status, _ := post("/chaos/ban", `{"nodeId":"node-a"}`)
		Expect(status).To(Equal(http.StatusOK))
		Expect(engine.IsBanned("node-a")).To(BeTrue())

		status, _ = post("/chaos/unban", `{"nodeId":"node-a"}`)
		Expect(status).To(Equal(http.StatusOK))
		Expect(engine.IsBanned("node-a")).To(BeFalse())
	})
})
