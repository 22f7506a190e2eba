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

// Package wire defines the framed message protocol spoken between the
// control plane and nodes. Frames are JSON objects of the shape
// {type, payload, correlationId?}.
package wire

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	// node → control plane
	TypeNodeRegister  MessageType = "node:register"
	TypeNodeHeartbeat MessageType = "node:heartbeat"
	TypePodStatus     MessageType = "pod:status"

	// control plane → node
	TypePodDeploy    MessageType = "pod:deploy"
	TypePodStop      MessageType = "pod:stop"
	TypeNodeShutdown MessageType = "node:shutdown"
)

// Critical frames are never shed from a paused connection's queue; chaos
// drop rules still apply to them.
func (t MessageType) Critical() bool {
	switch t {
	case TypePodDeploy, TypePodStop, TypeNodeShutdown:
		return true
	default:
		return false
	}
}

// Message is a single frame. PreserveOrder is a send-side option, not part
// of the wire format: a delayed message with PreserveOrder set holds back
// the messages queued behind it instead of letting them overtake.
type Message struct {
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`

	PreserveOrder bool `json:"-"`
}

// New builds a frame from a payload struct.
func New(t MessageType, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload, %w", t, err)
	}
	return Message{Type: t, Payload: raw}, nil
}

// MustNew is New for payloads that cannot fail to encode.
func MustNew(t MessageType, payload interface{}) Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals a frame payload into out.
func Decode(msg Message, out interface{}) error {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload, %w", msg.Type, err)
	}
	return nil
}
