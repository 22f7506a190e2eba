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

package registry

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/packfleet/packfleet/pkg/apis/core"
	"github.com/packfleet/packfleet/pkg/wire"
)

// CloseReason values reported to the far end and to diagnostics.
const (
	CloseSupersededBy = "superseded_by"
	CloseBanned       = "banned"
	CloseShutdown     = "shutdown"
	CloseTerminated   = "terminated"
	CloseChannelError = "channel_error"
)

// connection is the registry's record of one live channel plus its
// outbound machinery. The registry owns it for the lifetime of the channel.
type connection struct {
	id      core.ConnectionID
	channel Channel

	// ctx is cancelled on close; pending delayed sends and pause timers
	// hang off it.
	ctx    context.Context
	cancel context.CancelFunc

	remoteAddr    string
	connectedAt   time.Time
	authenticated bool

	outbound chan wire.Message
	resume   chan struct{}

	mu           sync.Mutex
	nodeIDs      sets.Set[core.NodeID]
	primaryNode  core.NodeID
	lastActivity time.Time
	paused       bool
	pausedQueue  []wire.Message
	closeReason  string
	closed       bool
}

// ConnectionInfo is the diagnostic snapshot exposed by the debug surface.
type ConnectionInfo struct {
	ID            core.ConnectionID `json:"id"`
	NodeIDs       []core.NodeID     `json:"nodeIds"`
	RemoteAddr    string            `json:"remoteAddr"`
	Authenticated bool              `json:"authenticated"`
	ConnectedAt   time.Time         `json:"connectedAt"`
	LastActivity  time.Time         `json:"lastActivity"`
	Paused        bool              `json:"paused"`
	QueuedFrames  int               `json:"queuedFrames"`
}

func (c *connection) info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:            c.id,
		NodeIDs:       sets.List(c.nodeIDs),
		RemoteAddr:    c.remoteAddr,
		Authenticated: c.authenticated,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
		Paused:        c.paused,
		QueuedFrames:  len(c.outbound) + len(c.pausedQueue),
	}
}

func (c *connection) node() core.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryNode
}

func (c *connection) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

func (c *connection) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed records the first close reason; later reasons lose.
func (c *connection) markClosed(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.closeReason = reason
	return true
}

// bufferPaused queues a frame while paused. On overflow the oldest
// non-critical frame is shed to make room; if every queued frame is
// critical the new frame is refused.
func (c *connection) bufferPaused(msg wire.Message, maxQueue int) (queued bool, shed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pausedQueue) < maxQueue {
		c.pausedQueue = append(c.pausedQueue, msg)
		return true, false
	}
	for i, queuedMsg := range c.pausedQueue {
		if queuedMsg.Type.Critical() {
			continue
		}
		c.pausedQueue = append(c.pausedQueue[:i], c.pausedQueue[i+1:]...)
		c.pausedQueue = append(c.pausedQueue, msg)
		return true, true
	}
	return false, false
}

// drainPaused hands back the queued frames once, clearing the buffer.
func (c *connection) drainPaused() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.pausedQueue
	c.pausedQueue = nil
	return drained
}

func (c *connection) setPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// signalResume wakes the write loop; a pending signal absorbs later ones.
func (c *connection) signalResume() {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}
