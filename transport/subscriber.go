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

// Package transport runs the live subscriber connections: websocket connections and
// server-sent-event streams which join session channels and receive their events.
package transport

import (
	"errors"
	"sync"

	"github.com/sefasaid/form-generation/common"
)

var (
	// ErrSubscriberBacklogged the subscriber's outbound queue is full, the event was dropped
	ErrSubscriberBacklogged = errors.New("subscriber outbound queue is full")
	// ErrSubscriberClosed the subscriber connection is closed
	ErrSubscriberClosed = errors.New("subscriber connection closed")
)

// Events sent by the transport itself, in addition to relayed session events
const (
	// EventJoined the connection joined a session channel
	EventJoined = "joined"
	// EventLeft the connection left a session channel
	EventLeft = "left"
	// EventError the connection sent a request which could not be processed
	EventError = "error"
)

// SessionNotice payload of joined / left events
type SessionNotice struct {
	Session string `json:"session"`
}

// ErrorNotice payload of error events
type ErrorNotice struct {
	Message string `json:"message"`
}

// outboundQueue bounded queue of events waiting to be written to one connection
//
// Deliver never blocks: it is called from the registry event loop.
type outboundQueue struct {
	id     string
	lock   sync.Mutex
	closed bool
	queue  chan common.Event
}

func newOutboundQueue(id string, size int) *outboundQueue {
	return &outboundQueue{id: id, queue: make(chan common.Event, size)}
}

// ID is the unique ID of this subscriber
func (q *outboundQueue) ID() string {
	return q.id
}

// Deliver queue an event for the connection writer
func (q *outboundQueue) Deliver(evt common.Event) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrSubscriberClosed
	}
	select {
	case q.queue <- evt:
		return nil
	default:
		return ErrSubscriberBacklogged
	}
}

// close stop accepting events. The writer drains what is left, then sees the
// channel closed.
func (q *outboundQueue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		close(q.queue)
	}
}
