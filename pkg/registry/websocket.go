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
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/packfleet/packfleet/pkg/wire"
)

// wsChannel adapts a websocket connection to the Channel interface. Frames
// are JSON text messages.
type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewWebsocketChannel wraps an accepted websocket connection.
func NewWebsocketChannel(conn *websocket.Conn) Channel {
	return &wsChannel{conn: conn, closed: make(chan struct{})}
}

func (c *wsChannel) Send(msg wire.Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("writing frame, %w", err)
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) (wire.Message, error) {
	// Reads unblock on close via the websocket close handshake; the
	// registry additionally stops its read loop when ctx is cancelled.
	var msg wire.Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		select {
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		case <-c.closed:
			return wire.Message{}, ErrChannelClosed
		default:
			return wire.Message{}, fmt.Errorf("reading frame, %w", err)
		}
	}
	return msg, nil
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
