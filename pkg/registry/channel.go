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
	"errors"
	"sync"

	"github.com/packfleet/packfleet/pkg/wire"
)

// ErrChannelClosed is returned by channel operations after Close.
var ErrChannelClosed = errors.New("channel closed")

// Channel is one bidirectional framed transport to a node. Implementations
// must make Send safe for one writer and Receive safe for one reader; the
// registry guarantees it never uses more.
type Channel interface {
	Send(msg wire.Message) error
	Receive(ctx context.Context) (wire.Message, error)
	Close() error
	RemoteAddr() string
}

// pipeChannel is the in-memory transport used by tests and scenarios. A
// pipe pair crosses its queues so each end receives what the other sends.
type pipeChannel struct {
	out    chan wire.Message
	in     chan wire.Message
	addr   string
	once   *sync.Once
	closed chan struct{}
}

// NewPipe returns two connected channels: frames sent on one are received
// on the other. remoteAddr is reported by both ends.
func NewPipe(remoteAddr string) (Channel, Channel) {
	ab := make(chan wire.Message, 256)
	ba := make(chan wire.Message, 256)
	closed := make(chan struct{})
	// The two ends share the closed signal; closing either tears down both.
	once := &sync.Once{}
	a := &pipeChannel{out: ab, in: ba, addr: remoteAddr, once: once, closed: closed}
	b := &pipeChannel{out: ba, in: ab, addr: remoteAddr, once: once, closed: closed}
	return a, b
}

func (p *pipeChannel) Send(msg wire.Message) error {
	select {
	case <-p.closed:
		return ErrChannelClosed
	case p.out <- msg:
		return nil
	}
}

func (p *pipeChannel) Receive(ctx context.Context) (wire.Message, error) {
	// Frames queued before a close are still delivered.
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}
	select {
	case <-p.closed:
		return wire.Message{}, ErrChannelClosed
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case msg := <-p.in:
		return msg, nil
	}
}

func (p *pipeChannel) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeChannel) RemoteAddr() string { return p.addr }
