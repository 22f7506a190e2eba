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

// Package registry owns every open node channel: it admits connections,
// tracks NodeId↔connection bindings, runs the per-connection send and
// receive loops, and exposes the disconnect, pause, ban and partition
// primitives the reconciler and the chaos harness drive. Every frame in
// either direction passes through the fault injector inline.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/chaos"
	"github.com/packfleet/packfleet/pkg/metrics"
	"github.com/packfleet/packfleet/pkg/wire"
)

var (
	// ErrChannelLimit is returned when per-IP or global admission caps are
	// exceeded.
	ErrChannelLimit = errors.New("channel limit exceeded")
	// ErrBanned refuses a binding for a banned node id.
	ErrBanned = errors.New("node is banned")
	// ErrShuttingDown refuses admissions after shutdown began.
	ErrShuttingDown = errors.New("registry is shutting down")
)

// FaultInjector is the interception capability consulted on every send and
// receive. The chaos engine implements it; production wires it disabled so
// every decision is Send.
type FaultInjector interface {
	InterceptOutgoing(connID core.ConnectionID, nodeID core.NodeID, msgType wire.MessageType) chaos.Decision
	InterceptIncoming(connID core.ConnectionID, nodeID core.NodeID, msgType wire.MessageType) chaos.Decision
	IsBanned(nodeID core.NodeID) bool
	Partitioned(connID core.ConnectionID, nodeID core.NodeID) bool
	BanNode(nodeID core.NodeID, duration time.Duration)
	UnbanNode(nodeID core.NodeID)
	CreatePartition(nodes []core.NodeID, conns []core.ConnectionID, duration time.Duration) chaos.PartitionID
	RemovePartition(id chaos.PartitionID) bool
}

// MessageHandler receives every admitted inbound frame after interception.
type MessageHandler func(ctx context.Context, connID core.ConnectionID, msg wire.Message)

type Options struct {
	MaxConnections int `validate:"min=1"`
	MaxPerIP       int `validate:"min=1"`
	// MaxQueue bounds each connection's outbound queue; callers of send
	// never block, overflow is a recorded drop.
	MaxQueue int `validate:"min=1"`
	// MaxPausedQueue bounds the holding buffer of a paused connection.
	MaxPausedQueue int `validate:"min=1"`
}

func DefaultOptions() Options {
	return Options{
		MaxConnections: 1024,
		MaxPerIP:       32,
		MaxQueue:       1024,
		MaxPausedQueue: 256,
	}
}

type Registry struct {
	log      logr.Logger
	clock    clock.Clock
	injector FaultInjector
	opts     Options

	handler atomic.Pointer[MessageHandler]

	mu        sync.RWMutex
	conns     map[core.ConnectionID]*connection
	nodes     map[core.NodeID]core.ConnectionID
	perIP     map[string]int
	accepting bool
}

func NewRegistry(log logr.Logger, clk clock.Clock, injector FaultInjector, opts Options) *Registry {
	return &Registry{
		log:       log.WithName("registry"),
		clock:     clk,
		injector:  injector,
		opts:      opts,
		conns:     map[core.ConnectionID]*connection{},
		nodes:     map[core.NodeID]core.ConnectionID{},
		perIP:     map[string]int{},
		accepting: true,
	}
}

// SetHandler installs the inbound dispatcher; frames received before a
// handler exists are discarded.
func (r *Registry) SetHandler(h MessageHandler) {
	r.handler.Store(&h)
}

// Admit registers a new channel, starts its loops and returns its id. It
// fails with ErrChannelLimit when per-IP or global caps are exceeded.
func (r *Registry) Admit(ctx context.Context, ch Channel) (core.ConnectionID, error) {
	ip := remoteIP(ch.RemoteAddr())
	now := r.clock.Now()

	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return "", ErrShuttingDown
	}
	if len(r.conns) >= r.opts.MaxConnections {
		r.mu.Unlock()
		return "", fmt.Errorf("global cap %d reached: %w", r.opts.MaxConnections, ErrChannelLimit)
	}
	if r.perIP[ip] >= r.opts.MaxPerIP {
		r.mu.Unlock()
		return "", fmt.Errorf("per-ip cap %d reached for %s: %w", r.opts.MaxPerIP, ip, ErrChannelLimit)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &connection{
		id:           core.ConnectionID(uuid.NewString()),
		channel:      ch,
		ctx:          connCtx,
		cancel:       cancel,
		remoteAddr:   ch.RemoteAddr(),
		connectedAt:  now,
		outbound:     make(chan wire.Message, r.opts.MaxQueue),
		resume:       make(chan struct{}, 1),
		nodeIDs:      sets.New[core.NodeID](),
		lastActivity: now,
	}
	r.conns[c.id] = c
	r.perIP[ip]++
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	go r.writeLoop(c)
	go r.readLoop(c)
	r.log.V(1).Info("connection admitted", "connection", c.id, "remote", c.remoteAddr)
	return c.id, nil
}

// BindNode records that the far end of connID claims nodeID. At most one
// connection holds a NodeId; a second binding evicts the first with a
// superseded_by close. Idempotent for the same pair.
func (r *Registry) BindNode(connID core.ConnectionID, nodeID core.NodeID) error {
	if r.injector.IsBanned(nodeID) {
		if c := r.get(connID); c != nil {
			r.close(c, CloseBanned)
		}
		return fmt.Errorf("binding %s: %w", nodeID, ErrBanned)
	}

	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("connection %s not found", connID)
	}
	var superseded *connection
	if prevID, bound := r.nodes[nodeID]; bound && prevID != connID {
		superseded = r.conns[prevID]
	}
	r.nodes[nodeID] = connID
	c.mu.Lock()
	c.nodeIDs.Insert(nodeID)
	if c.primaryNode == "" {
		c.primaryNode = nodeID
	}
	c.authenticated = true
	c.mu.Unlock()
	r.mu.Unlock()

	if superseded != nil {
		r.log.Info("node binding superseded", "node", nodeID, "old", superseded.id, "new", connID)
		r.close(superseded, CloseSupersededBy)
	}
	return nil
}

// SendToConnection enqueues a frame. It returns false — never blocking —
// when the channel is closed, its node is banned, the endpoint is
// partitioned, or a paused connection's buffer cannot take the frame.
func (r *Registry) SendToConnection(connID core.ConnectionID, msg wire.Message) bool {
	c := r.get(connID)
	if c == nil || c.isClosed() {
		return false
	}
	nodeID := c.node()
	if nodeID != "" && r.injector.IsBanned(nodeID) {
		return false
	}
	if r.injector.Partitioned(connID, nodeID) {
		return false
	}
	if c.isPaused() {
		queued, shed := c.bufferPaused(msg, r.opts.MaxPausedQueue)
		if shed {
			metrics.MessagesDroppedPaused.Inc()
		}
		return queued
	}
	select {
	case c.outbound <- msg:
		return true
	default:
		metrics.MessagesDroppedOverflow.Inc()
		return false
	}
}

// SendToNode resolves the node binding and delegates; false if unbound.
func (r *Registry) SendToNode(nodeID core.NodeID, msg wire.Message) bool {
	connID, ok := r.NodeConnection(nodeID)
	if !ok {
		return false
	}
	return r.SendToConnection(connID, msg)
}

// NodeConnection reports the connection currently holding nodeID.
func (r *Registry) NodeConnection(nodeID core.NodeID) (core.ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.nodes[nodeID]
	return connID, ok
}

// TerminateConnection closes the channel immediately.
func (r *Registry) TerminateConnection(connID core.ConnectionID) bool {
	c := r.get(connID)
	if c == nil {
		return false
	}
	return r.close(c, CloseTerminated)
}

// SimulateNodeLoss drops the node's channel as if the network died.
func (r *Registry) SimulateNodeLoss(nodeID core.NodeID) bool {
	connID, ok := r.NodeConnection(nodeID)
	if !ok {
		return false
	}
	return r.TerminateConnection(connID)
}

// Pause quiesces a connection's outbound side. Duration zero pauses until
// an explicit Resume.
func (r *Registry) Pause(connID core.ConnectionID, duration time.Duration) bool {
	c := r.get(connID)
	if c == nil || c.isClosed() {
		return false
	}
	c.setPaused(true)
	if duration > 0 {
		go func() {
			select {
			case <-r.clock.After(duration):
				r.Resume(connID)
			case <-c.ctx.Done():
			}
		}()
	}
	return true
}

func (r *Registry) Resume(connID core.ConnectionID) bool {
	c := r.get(connID)
	if c == nil || c.isClosed() {
		return false
	}
	c.setPaused(false)
	c.signalResume()
	return true
}

func (r *Registry) PauseNode(nodeID core.NodeID, duration time.Duration) bool {
	connID, ok := r.NodeConnection(nodeID)
	return ok && r.Pause(connID, duration)
}

func (r *Registry) ResumeNode(nodeID core.NodeID) bool {
	connID, ok := r.NodeConnection(nodeID)
	return ok && r.Resume(connID)
}

// BanNode disconnects the node and refuses new bindings for it until the
// ban expires (duration zero: until unbanned).
func (r *Registry) BanNode(nodeID core.NodeID, duration time.Duration) {
	r.injector.BanNode(nodeID, duration)
	if connID, ok := r.NodeConnection(nodeID); ok {
		if c := r.get(connID); c != nil {
			r.close(c, CloseBanned)
		}
	}
}

func (r *Registry) UnbanNode(nodeID core.NodeID) {
	r.injector.UnbanNode(nodeID)
}

// CreatePartition severs the given endpoints from the rest of the fabric.
func (r *Registry) CreatePartition(nodes []core.NodeID, conns []core.ConnectionID, duration time.Duration) chaos.PartitionID {
	return r.injector.CreatePartition(nodes, conns, duration)
}

func (r *Registry) RemovePartition(id chaos.PartitionID) bool {
	return r.injector.RemovePartition(id)
}

// ListConnections snapshots the table for diagnostics.
func (r *Registry) ListConnections() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, c.info())
	}
	return infos
}

// Shutdown stops accepting, sends a shutdown frame on every channel and
// closes them.
func (r *Registry) Shutdown(reason string) {
	r.mu.Lock()
	r.accepting = false
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	frame := wire.MustNew(wire.TypeNodeShutdown, wire.NodeShutdown{Reason: reason})
	for _, c := range conns {
		// Best-effort direct write; the connection is going away either way.
		_ = c.channel.Send(frame)
		r.close(c, CloseShutdown)
	}
}

// Empty reports whether all registry tables are back to their initial
// state; the admit/terminate round-trip property checks it.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.conns) != 0 || len(r.nodes) != 0 {
		return false
	}
	for _, n := range r.perIP {
		if n != 0 {
			return false
		}
	}
	return true
}

func (r *Registry) get(connID core.ConnectionID) *connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// close tears a connection down exactly once: cancels pending delays and
// pause timers, removes all bindings atomically, and closes the channel.
func (r *Registry) close(c *connection, reason string) bool {
	if !c.markClosed(reason) {
		return false
	}
	c.cancel()

	r.mu.Lock()
	if _, ok := r.conns[c.id]; ok {
		delete(r.conns, c.id)
		ip := remoteIP(c.remoteAddr)
		if r.perIP[ip] > 0 {
			r.perIP[ip]--
		}
		if r.perIP[ip] == 0 {
			delete(r.perIP, ip)
		}
		c.mu.Lock()
		for nodeID := range c.nodeIDs {
			if r.nodes[nodeID] == c.id {
				delete(r.nodes, nodeID)
			}
		}
		c.mu.Unlock()
	}
	r.mu.Unlock()

	_ = c.channel.Close()
	metrics.ConnectionsActive.Dec()
	r.log.V(1).Info("connection closed", "connection", c.id, "reason", reason)
	return true
}

func (r *Registry) readLoop(c *connection) {
	for {
		msg, err := c.channel.Receive(c.ctx)
		if err != nil {
			r.close(c, CloseChannelError)
			return
		}
		c.touch(r.clock.Now())
		decision := r.injector.InterceptIncoming(c.id, c.node(), msg.Type)
		switch decision.Action {
		case chaos.ActionDrop:
			metrics.MessagesDroppedChaos.Inc()
		case chaos.ActionDelay:
			go func(msg wire.Message, delay time.Duration) {
				select {
				case <-r.clock.After(delay):
					r.dispatch(c, msg)
				case <-c.ctx.Done():
				}
			}(msg, decision.Delay)
		default:
			r.dispatch(c, msg)
		}
	}
}

func (r *Registry) dispatch(c *connection, msg wire.Message) {
	h := r.handler.Load()
	if h == nil {
		return
	}
	(*h)(c.ctx, c.id, msg)
}

func (r *Registry) writeLoop(c *connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.resume:
			if !c.isPaused() {
				for _, msg := range c.drainPaused() {
					r.transmit(c, msg)
				}
			}
		case msg := <-c.outbound:
			if c.isPaused() {
				queued, shed := c.bufferPaused(msg, r.opts.MaxPausedQueue)
				if shed || !queued {
					metrics.MessagesDroppedPaused.Inc()
				}
				continue
			}
			r.transmit(c, msg)
		}
	}
}

// transmit applies outgoing interception and writes the frame. A delayed
// frame without PreserveOrder is re-emitted off the loop so later frames
// may overtake it; with PreserveOrder the loop itself waits.
func (r *Registry) transmit(c *connection, msg wire.Message) {
	decision := r.injector.InterceptOutgoing(c.id, c.node(), msg.Type)
	switch decision.Action {
	case chaos.ActionDrop:
		metrics.MessagesDroppedChaos.Inc()
	case chaos.ActionDelay:
		if msg.PreserveOrder {
			select {
			case <-r.clock.After(decision.Delay):
				r.write(c, msg)
			case <-c.ctx.Done():
			}
			return
		}
		go func() {
			select {
			case <-r.clock.After(decision.Delay):
				r.write(c, msg)
			case <-c.ctx.Done():
			}
		}()
	default:
		r.write(c, msg)
	}
}

func (r *Registry) write(c *connection, msg wire.Message) {
	if err := c.channel.Send(msg); err != nil {
		r.close(c, CloseChannelError)
		return
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
