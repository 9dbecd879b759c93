// Copyright 2022 The form-generation Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"encoding/json"
	"fmt"
)

// EventMessage is the name of the event carrying a relayed session message
const EventMessage = "message"

// Message a message relayed to the subscribers of a session
type Message struct {
	// Sender is the label of the sender. Empty when not provided.
	Sender string `json:"sender"`
	// Data is the message body
	Data string `json:"data"`
}

// Event a named event sent to a subscriber connection
type Event struct {
	// Name is the event name
	Name string `json:"event"`
	// Payload is the event payload
	Payload interface{} `json:"payload"`
}

// NewMessageEvent define a new message event
func NewMessageEvent(sender, data string) Event {
	return Event{Name: EventMessage, Payload: Message{Sender: sender, Data: data}}
}

// EncodePayload serialize the event payload only
func (e Event) EncodePayload() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// String toString function
func (e Event) String() string {
	if msg, ok := e.Payload.(Message); ok {
		return fmt.Sprintf("EVENT[%s sender:'%s' %dB]", e.Name, msg.Sender, len(msg.Data))
	}
	return fmt.Sprintf("EVENT[%s]", e.Name)
}
