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

// Package debug serves the chaos and operations HTTP boundary: enabling
// fault injection, installing rules, partitions and bans, listing
// connections and running scenarios. Every route refuses with 403 when the
// production flag is set; auth and rate limiting live in middleware outside
// this package.
package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/chaos"
	"github.com/packfleet/packfleet/pkg/metrics"
	"github.com/packfleet/packfleet/pkg/registry"
	"github.com/packfleet/packfleet/pkg/wire"
)

// ScenarioCatalog lists and runs the declarative chaos scenarios.
type ScenarioCatalog interface {
	Names() []string
	Run(ctx context.Context, name string) error
}

type Server struct {
	log        logr.Logger
	chaos      *chaos.Engine
	registry   *registry.Registry
	scenarios  ScenarioCatalog
	production bool
	validate   *validator.Validate
}

func NewServer(log logr.Logger, engine *chaos.Engine, reg *registry.Registry, scenarios ScenarioCatalog, production bool) *Server {
	return &Server{
		log:        log.WithName("debug"),
		chaos:      engine,
		registry:   reg,
		scenarios:  scenarios,
		production: production,
		validate:   validator.New(),
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.productionLockout)

	r.Post("/chaos/enable", s.handleEnable)
	r.Post("/chaos/disable", s.handleDisable)
	r.Get("/chaos/stats", s.handleStats)
	r.Post("/chaos/rules/message", s.handleAddMessageRule)
	r.Post("/chaos/rules/heartbeat", s.handleAddHeartbeatRule)
	r.Delete("/chaos/rules/{id}", s.handleRemoveRule)
	r.Post("/chaos/api-rules", s.handleSetAPIRules)
	r.Post("/chaos/partitions", s.handleCreatePartition)
	r.Delete("/chaos/partitions/{id}", s.handleRemovePartition)
	r.Post("/chaos/ban", s.handleBan)
	r.Post("/chaos/unban", s.handleUnban)
	r.Get("/connections", s.handleConnections)
	r.Get("/scenarios", s.handleListScenarios)
	r.Post("/scenarios/{name}/run", s.handleRunScenario)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) productionLockout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.production && r.URL.Path != "/metrics" {
			writeJSON(w, http.StatusForbidden, envelope{Success: false, Error: "refused in production"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type envelope struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

func (s *Server) handleEnable(w http.ResponseWriter, _ *http.Request) {
	if err := s.chaos.Enable(); err != nil {
		writeJSON(w, http.StatusForbidden, envelope{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleDisable(w http.ResponseWriter, _ *http.Request) {
	s.chaos.Disable()
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Result: s.chaos.Stats()})
}

type messageRuleRequest struct {
	Direction     chaos.Direction    `json:"direction"`
	NodeID        core.NodeID        `json:"nodeId"`
	ConnectionID  core.ConnectionID  `json:"connId"`
	MessageTypes  []string           `json:"messageTypes"`
	DropRate      float64            `json:"dropRate" validate:"min=0,max=1"`
	DelayMs       int64              `json:"delayMs" validate:"min=0"`
	DelayJitterMs int64              `json:"delayJitterMs" validate:"min=0"`
	DurationMs    int64              `json:"durationMs" validate:"min=0"`
}

func (s *Server) handleAddMessageRule(w http.ResponseWriter, r *http.Request) {
	s.addRule(w, r, s.chaos.AddMessageRule)
}

func (s *Server) handleAddHeartbeatRule(w http.ResponseWriter, r *http.Request) {
	s.addRule(w, r, s.chaos.AddHeartbeatRule)
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request, install func(chaos.MessageRule) string) {
	var req messageRuleRequest
	if !s.decode(w, r, &req) {
		return
	}
	rule := chaos.MessageRule{
		Direction:     req.Direction,
		NodeID:        req.NodeID,
		ConnectionID:  req.ConnectionID,
		DropRate:      req.DropRate,
		DelayMs:       req.DelayMs,
		DelayJitterMs: req.DelayJitterMs,
	}
	for _, t := range req.MessageTypes {
		rule.MessageTypes = append(rule.MessageTypes, wire.MessageType(t))
	}
	// DurationMs zero means the rule stays until removed explicitly.
	if req.DurationMs > 0 {
		expires := time.Now().Add(time.Duration(req.DurationMs) * time.Millisecond)
		rule.ExpiresAt = &expires
	}
	id := install(rule)
	writeJSON(w, http.StatusOK, envelope{Success: true, Result: map[string]string{"id": id}})
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if !s.chaos.RemoveRule(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleSetAPIRules(w http.ResponseWriter, r *http.Request) {
	var req chaos.APIRules
	if !s.decode(w, r, &req) {
		return
	}
	s.chaos.SetAPIRules(req)
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

type partitionRequest struct {
	Nodes       []core.NodeID       `json:"nodes"`
	Connections []core.ConnectionID `json:"connIds"`
	DurationMs  int64               `json:"durationMs" validate:"min=0"`
}

func (s *Server) handleCreatePartition(w http.ResponseWriter, r *http.Request) {
	var req partitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Nodes) == 0 && len(req.Connections) == 0 {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "partition needs at least one endpoint"})
		return
	}
	id := s.registry.CreatePartition(req.Nodes, req.Connections, time.Duration(req.DurationMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, envelope{Success: true, Result: map[string]chaos.PartitionID{"id": id}})
}

func (s *Server) handleRemovePartition(w http.ResponseWriter, r *http.Request) {
	if !s.registry.RemovePartition(chaos.PartitionID(chi.URLParam(r, "id"))) {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "partition not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

type banRequest struct {
	NodeID     core.NodeID `json:"nodeId" validate:"required"`
	DurationMs int64       `json:"durationMs" validate:"min=0"`
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.registry.BanNode(req.NodeID, time.Duration(req.DurationMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.registry.UnbanNode(req.NodeID)
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Result: s.registry.ListConnections()})
}

func (s *Server) handleListScenarios(w http.ResponseWriter, _ *http.Request) {
	if s.scenarios == nil {
		writeJSON(w, http.StatusOK, envelope{Success: true, Result: []string{}})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Result: s.scenarios.Names()})
}

func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	if s.scenarios == nil {
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Error: "no scenario catalogue"})
		return
	}
	if err := s.scenarios.Run(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "malformed payload: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid payload: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
