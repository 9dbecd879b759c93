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

// Package registry tracks which live subscriber connections belong to which session
// channel, and fans events out to the current members of a channel.
package registry

import (
	"context"
	"errors"

	"github.com/sefasaid/form-generation/common"
)

// ErrRegistryStopped the registry event loop is no longer running
var ErrRegistryStopped = errors.New("channel registry stopped")

// Subscriber a live connection which can receive session events
type Subscriber interface {
	// ID is the unique ID of this subscriber
	ID() string
	// Deliver queue an event for delivery to this subscriber. Must not block.
	Deliver(evt common.Event) error
}

// ChannelRegistry maintains session channel membership
type ChannelRegistry interface {
	// Join add a subscriber to a session channel. Joining the same channel again is a no-op.
	Join(ctxt context.Context, sessionID string, subscriber Subscriber) error
	// Leave remove a subscriber from a session channel. Leaving a channel the
	// subscriber is not part of is a no-op.
	Leave(ctxt context.Context, sessionID string, subscriberID string) error
	// LeaveAll remove a subscriber from every channel it joined
	LeaveAll(ctxt context.Context, subscriberID string) error
	// Broadcast deliver an event to the current members of a session channel.
	//
	// This only queues the broadcast; it returns before the event reaches any subscriber.
	Broadcast(ctxt context.Context, sessionID string, evt common.Event) error
	// Members list the IDs of the current members of a session channel
	Members(ctxt context.Context, sessionID string) ([]string, error)
}
